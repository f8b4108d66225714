package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"horizon/api/internal/auth"
	"horizon/api/internal/authpw"
	"horizon/api/internal/config"
	"horizon/api/internal/rbac"
	"horizon/api/internal/search"
	"horizon/api/internal/store"
	"horizon/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// ClaimRequest is one requested catalog entry in a submission. Quantity
// rows are created, and Notes[i] is attached to instance i.
type ClaimRequest struct {
	CatalogEntryID string   `json:"catalogEntryId"`
	Quantity       int      `json:"quantity"`
	Notes          []string `json:"notes"`
}

type CreateThreadInput struct {
	Title      string `json:"title"`
	RegionID   *int   `json:"regionId"`
	OOCForumID *int   `json:"oocForumId"`
}

type CreatePostInput struct {
	CharacterID string `json:"characterId"`
	Body        string `json:"body"`
}

type CatalogItem struct {
	ID                string `json:"id"`
	Action            string `json:"action"`
	ActionDescription string `json:"actionDescription"`
	Experience        int    `json:"experience"`
	Physical          int    `json:"physical"`
	Knowledge         int    `json:"knowledge"`
	Total             int    `json:"total"`
	AllowMultiple     bool   `json:"allowMultiple"`
	RequiresNote      bool   `json:"requiresNote"`
}

type CatalogCategory struct {
	Category    string        `json:"category"`
	Description string        `json:"description"`
	Items       []CatalogItem `json:"items"`
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type dataStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	InsertCharacter(ctx context.Context, character store.Character) error
	GetCharacter(ctx context.Context, characterID string) (store.Character, error)
	InsertThread(ctx context.Context, thread store.Thread) error
	GetThread(ctx context.Context, threadID string) (store.Thread, error)
	InsertPost(ctx context.Context, post store.Post) error
	HasPosted(ctx context.Context, characterID, threadID string) (bool, error)
	ArchiveThread(ctx context.Context, threadID string, holdingForumID int) (bool, error)
	UnarchiveThread(ctx context.Context, threadID string) (bool, error)
	ListCatalogEntries(ctx context.Context) ([]store.CatalogEntry, error)
	GetCatalogEntry(ctx context.Context, entryID string) (store.CatalogEntry, error)
	InsertClaims(ctx context.Context, claims []store.Claim) error
	GetClaim(ctx context.Context, claimID string) (store.Claim, error)
	ListPendingClaims(ctx context.Context) ([]store.PendingClaim, error)
	PendingClaimCount(ctx context.Context) (int, error)
	ListCharacterThreadClaims(ctx context.Context, characterID, threadID string) ([]store.ClaimSummary, error)
	ApproveClaim(ctx context.Context, claimID string) (bool, error)
	UndoApproval(ctx context.Context, claimID string) (bool, error)
	RejectClaim(ctx context.Context, claimID string) (bool, error)
	ListLedgerEntries(ctx context.Context, characterID string, limit int) ([]store.LedgerEntry, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authpw   *authpw.Service
	search   *search.Service
}

// New wires a service that keeps refresh sessions in the primary store.
func New(cfg config.Config, dataStore dataStore, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		search:   searchService,
	}
}

// NewWithSessionStore wires a service with a dedicated refresh-session
// backend (Redis in production).
func NewWithSessionStore(cfg config.Config, dataStore dataStore, sessions sessionStore, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		search:   searchService,
	}
}

// SetAuthPasswordService attaches the email/password authenticator.
func (s *Service) SetAuthPasswordService(svc *authpw.Service) {
	s.authpw = svc
}

// AuthPasswordService returns the email/password authenticator, or nil.
func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

// Bootstrap warms the search indexes from the primary store.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) isModerator(session Session) bool {
	return rbac.Moderator(rbac.Normalize(session.Role))
}

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The session backend may only know the user id. Reload so role
	// changes take effect on the next refresh.
	if full, err := s.store.GetUserByID(ctx, user.ID); err == nil {
		user = full
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      claims.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Catalog returns the skill-point catalog grouped by category.
func (s *Service) Catalog(ctx context.Context) ([]CatalogCategory, error) {
	entries, err := s.store.ListCatalogEntries(ctx)
	if err != nil {
		return nil, err
	}

	categories := make([]CatalogCategory, 0)
	index := make(map[string]int)
	for _, entry := range entries {
		item := CatalogItem{
			ID:                entry.ID,
			Action:            entry.Action,
			ActionDescription: entry.ActionDescription,
			Experience:        entry.Experience,
			Physical:          entry.Physical,
			Knowledge:         entry.Knowledge,
			Total:             entry.Experience + entry.Physical + entry.Knowledge,
			AllowMultiple:     entry.AllowMultiple,
			RequiresNote:      entry.RequiresNote,
		}
		at, ok := index[entry.Category]
		if !ok {
			at = len(categories)
			index[entry.Category] = at
			categories = append(categories, CatalogCategory{
				Category:    entry.Category,
				Description: entry.CategoryDescription,
			})
		}
		categories[at].Items = append(categories[at].Items, item)
	}
	return categories, nil
}

func (s *Service) CreateCharacter(ctx context.Context, session Session, name string) (store.Character, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Character{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	character := store.Character{
		ID:          util.NewID("chr"),
		OwnerUserID: session.UserID,
		Name:        name,
	}
	if err := s.store.InsertCharacter(ctx, character); err != nil {
		return store.Character{}, err
	}
	return character, nil
}

func (s *Service) CreateThread(ctx context.Context, session Session, input CreateThreadInput) (store.Thread, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	thread := store.Thread{
		ID:              util.NewID("thr"),
		Title:           title,
		CreatedByUserID: session.UserID,
		RegionID:        input.RegionID,
		OOCForumID:      input.OOCForumID,
	}
	if err := s.store.InsertThread(ctx, thread); err != nil {
		return store.Thread{}, err
	}
	if s.search != nil {
		s.search.IndexThread(search.ThreadRecord{ID: thread.ID, Title: thread.Title})
	}
	return thread, nil
}

func (s *Service) GetThread(ctx context.Context, threadID string) (store.Thread, error) {
	return s.store.GetThread(ctx, threadID)
}

// CreatePost records a character's reply in a thread. Only the post's
// existence matters to the claim gate, but the owning player must still
// be the one writing it.
func (s *Service) CreatePost(ctx context.Context, session Session, threadID string, input CreatePostInput) (store.Post, error) {
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return store.Post{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	character, err := s.store.GetCharacter(ctx, input.CharacterID)
	if err != nil {
		return store.Post{}, err
	}
	if character.OwnerUserID != session.UserID && !s.isModerator(session) {
		return store.Post{}, domainError(http.StatusForbidden, "NOT_AUTHORIZED", "You do not control this character", nil)
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return store.Post{}, err
	}
	if thread.IsArchived {
		return store.Post{}, domainError(http.StatusBadRequest, "ALREADY_ARCHIVED", "Thread is archived", nil)
	}

	post := store.Post{
		ID:          util.NewID("pst"),
		ThreadID:    thread.ID,
		CharacterID: character.ID,
		Body:        body,
	}
	if err := s.store.InsertPost(ctx, post); err != nil {
		return store.Post{}, err
	}
	return post, nil
}

// ArchiveThread parks the thread in the holding forum and opens it for
// skill-point claims. The creator or a moderator may archive.
func (s *Service) ArchiveThread(ctx context.Context, session Session, threadID string) error {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.CreatedByUserID != session.UserID && !s.isModerator(session) {
		return domainError(http.StatusForbidden, "NOT_AUTHORIZED", "Only the thread creator or staff can archive a thread", nil)
	}
	if thread.IsArchived {
		return domainError(http.StatusBadRequest, "ALREADY_ARCHIVED", "Thread is already archived", nil)
	}

	ok, err := s.store.ArchiveThread(ctx, threadID, s.cfg.ArchiveForumID)
	if err != nil {
		return storageError(err)
	}
	if !ok {
		// Lost the race against another archive call.
		return domainError(http.StatusBadRequest, "ALREADY_ARCHIVED", "Thread is already archived", nil)
	}
	if s.search != nil {
		s.search.IndexThread(search.ThreadRecord{ID: thread.ID, Title: thread.Title, IsArchived: true})
	}
	return nil
}

// UnarchiveThread rolls back the thread's entire point-economy
// participation and restores its original placement. Moderators only.
func (s *Service) UnarchiveThread(ctx context.Context, session Session, threadID string) error {
	if !s.Can(session.Role, rbac.ActionUnarchive) {
		return domainError(http.StatusForbidden, "NOT_AUTHORIZED", "Only staff can unarchive a thread", nil)
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if !thread.IsArchived {
		return domainError(http.StatusBadRequest, "NOT_ARCHIVED", "Thread is not archived", nil)
	}

	ok, err := s.store.UnarchiveThread(ctx, threadID)
	if err != nil {
		return storageError(err)
	}
	if !ok {
		return domainError(http.StatusBadRequest, "NOT_ARCHIVED", "Thread is not archived", nil)
	}
	if s.search != nil {
		s.search.IndexThread(search.ThreadRecord{ID: thread.ID, Title: thread.Title, IsArchived: false})
	}
	return nil
}

// SubmitClaims creates pending claim rows for the character against an
// archived thread. Preconditions are checked in order and the first
// failure wins. Resubmission is not deduplicated here; duplicates are
// surfaced to moderators on the pending queue instead, so a player can
// legitimately re-claim after a rejection.
func (s *Service) SubmitClaims(ctx context.Context, session Session, characterID, threadID string, requests []ClaimRequest) ([]string, error) {
	character, err := s.store.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !thread.IsArchived {
		return nil, domainError(http.StatusBadRequest, "THREAD_NOT_READY", "Thread must be archived before claiming skill points", nil)
	}
	posted, err := s.store.HasPosted(ctx, characterID, threadID)
	if err != nil {
		return nil, storageError(err)
	}
	if !posted {
		return nil, domainError(http.StatusBadRequest, "NO_PARTICIPATION", "Character has no posts in this thread", nil)
	}
	if character.OwnerUserID != session.UserID && !s.isModerator(session) {
		return nil, domainError(http.StatusForbidden, "NOT_AUTHORIZED", "You do not control this character", nil)
	}
	if len(requests) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "at least one claim entry is required", nil)
	}

	var claims []store.Claim
	for _, req := range requests {
		entry, err := s.store.GetCatalogEntry(ctx, req.CatalogEntryID)
		if err != nil {
			return nil, err
		}
		quantity := req.Quantity
		if quantity == 0 {
			quantity = 1
		}
		if quantity < 1 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "quantity must be at least 1", map[string]any{"catalogEntryId": entry.ID})
		}
		if !entry.AllowMultiple && quantity != 1 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "this action can only be claimed once per thread", map[string]any{"catalogEntryId": entry.ID})
		}
		for i := 0; i < quantity; i++ {
			var note *string
			if i < len(req.Notes) {
				trimmed := strings.TrimSpace(req.Notes[i])
				if trimmed != "" {
					note = &trimmed
				}
			}
			if entry.RequiresNote && note == nil {
				return nil, domainError(http.StatusBadRequest, "NOTE_REQUIRED", "A note is required for each instance of this action", map[string]any{"catalogEntryId": entry.ID})
			}
			claims = append(claims, store.Claim{
				ID:             util.NewID("clm"),
				CharacterID:    characterID,
				CatalogEntryID: entry.ID,
				ThreadID:       threadID,
				Status:         store.ClaimPending,
				Note:           note,
			})
		}
	}

	if err := s.store.InsertClaims(ctx, claims); err != nil {
		return nil, storageError(err)
	}

	ids := make([]string, len(claims))
	for i, claim := range claims {
		ids[i] = claim.ID
	}
	return ids, nil
}

func (s *Service) ListPendingClaims(ctx context.Context, session Session) ([]store.PendingClaim, error) {
	if !s.Can(session.Role, rbac.ActionReviewClaims) {
		return nil, domainError(http.StatusForbidden, "NOT_AUTHORIZED", "Only staff can review claims", nil)
	}
	pending, err := s.store.ListPendingClaims(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	if pending == nil {
		pending = []store.PendingClaim{}
	}
	return pending, nil
}

func (s *Service) PendingClaimCount(ctx context.Context, session Session) (int, error) {
	if !s.Can(session.Role, rbac.ActionReviewClaims) {
		return 0, domainError(http.StatusForbidden, "NOT_AUTHORIZED", "Only staff can review claims", nil)
	}
	count, err := s.store.PendingClaimCount(ctx)
	if err != nil {
		return 0, storageError(err)
	}
	return count, nil
}

// ApproveClaim credits a pending claim's points to the character. A
// claim that is no longer pending reports NOT_PENDING instead of
// crediting twice; the status flip and the credit share one transaction
// in the store.
func (s *Service) ApproveClaim(ctx context.Context, session Session, claimID string) error {
	if !s.Can(session.Role, rbac.ActionReviewClaims) {
		return domainError(http.StatusForbidden, "NOT_AUTHORIZED", "Only staff can review claims", nil)
	}
	if _, err := s.store.GetClaim(ctx, claimID); err != nil {
		return err
	}
	ok, err := s.store.ApproveClaim(ctx, claimID)
	if err != nil {
		return storageError(err)
	}
	if !ok {
		return domainError(http.StatusBadRequest, "NOT_PENDING", "Claim is not pending", nil)
	}
	return nil
}

// RejectClaim deletes the claim whatever its status. An approved claim's
// points remain credited; see the store for the history behind that.
func (s *Service) RejectClaim(ctx context.Context, session Session, claimID string) error {
	if !s.Can(session.Role, rbac.ActionReviewClaims) {
		return domainError(http.StatusForbidden, "NOT_AUTHORIZED", "Only staff can review claims", nil)
	}
	ok, err := s.store.RejectClaim(ctx, claimID)
	if err != nil {
		return storageError(err)
	}
	if !ok {
		return sql.ErrNoRows
	}
	return nil
}

// UndoApproval debits the claim's points and returns it to the pending
// queue for re-review.
func (s *Service) UndoApproval(ctx context.Context, session Session, claimID string) error {
	if !s.Can(session.Role, rbac.ActionReviewClaims) {
		return domainError(http.StatusForbidden, "NOT_AUTHORIZED", "Only staff can review claims", nil)
	}
	if _, err := s.store.GetClaim(ctx, claimID); err != nil {
		return err
	}
	ok, err := s.store.UndoApproval(ctx, claimID)
	if err != nil {
		return storageError(err)
	}
	if !ok {
		return domainError(http.StatusBadRequest, "NOT_APPROVED", "Claim is not approved", nil)
	}
	return nil
}

func (s *Service) CharacterTotals(ctx context.Context, characterID string) (store.PointTotals, error) {
	character, err := s.store.GetCharacter(ctx, characterID)
	if err != nil {
		return store.PointTotals{}, err
	}
	return store.PointTotals{
		Experience: character.Experience,
		Physical:   character.Physical,
		Knowledge:  character.Knowledge,
	}, nil
}

func (s *Service) CharacterThreadClaims(ctx context.Context, session Session, characterID, threadID string) ([]store.ClaimSummary, error) {
	character, err := s.store.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if character.OwnerUserID != session.UserID && !s.isModerator(session) {
		return nil, domainError(http.StatusForbidden, "NOT_AUTHORIZED", "You do not control this character", nil)
	}
	claims, err := s.store.ListCharacterThreadClaims(ctx, characterID, threadID)
	if err != nil {
		return nil, storageError(err)
	}
	if claims == nil {
		claims = []store.ClaimSummary{}
	}
	return claims, nil
}

func (s *Service) CharacterLedger(ctx context.Context, session Session, characterID string, limit int) ([]store.LedgerEntry, error) {
	character, err := s.store.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if character.OwnerUserID != session.UserID && !s.isModerator(session) {
		return nil, domainError(http.StatusForbidden, "NOT_AUTHORIZED", "You do not control this character", nil)
	}
	entries, err := s.store.ListLedgerEntries(ctx, characterID, limit)
	if err != nil {
		return nil, storageError(err)
	}
	if entries == nil {
		entries = []store.LedgerEntry{}
	}
	return entries, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// storageError hides storage detail from callers; not-found rows keep
// their identity so the HTTP layer can map them to 404.
func storageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return domainError(http.StatusInternalServerError, "OPERATION_FAILED", "The operation could not be completed", nil)
}
