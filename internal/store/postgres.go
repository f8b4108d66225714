package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"horizon/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role
		FROM users
		WHERE LOWER(email) = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.password_hash, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) InsertCharacter(ctx context.Context, character Character) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO characters (id, owner_user_id, name)
		VALUES ($1, $2, $3)
	`, character.ID, character.OwnerUserID, character.Name)
	if err != nil {
		return fmt.Errorf("insert character: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCharacter(ctx context.Context, characterID string) (Character, error) {
	var character Character
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, name,
			COALESCE(experience, 0), COALESCE(physical, 0), COALESCE(knowledge, 0),
			has_claimed_starting_points
		FROM characters
		WHERE id = $1
	`, characterID).Scan(
		&character.ID, &character.OwnerUserID, &character.Name,
		&character.Experience, &character.Physical, &character.Knowledge,
		&character.HasClaimedStartingPoints,
	)
	if err != nil {
		return Character{}, err
	}
	return character, nil
}

func (s *PostgresStore) InsertThread(ctx context.Context, thread Thread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, title, created_by_user_id, region_id, ooc_forum_id)
		VALUES ($1, $2, $3, $4, $5)
	`, thread.ID, thread.Title, thread.CreatedByUserID, thread.RegionID, thread.OOCForumID)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var thread Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_by_user_id, region_id, ooc_forum_id,
			is_archived, original_region_id, original_ooc_forum_id
		FROM threads
		WHERE id = $1
	`, threadID).Scan(
		&thread.ID, &thread.Title, &thread.CreatedByUserID, &thread.RegionID, &thread.OOCForumID,
		&thread.IsArchived, &thread.OriginalRegionID, &thread.OriginalOOCForumID,
	)
	if err != nil {
		return Thread{}, err
	}
	return thread, nil
}

func (s *PostgresStore) InsertPost(ctx context.Context, post Post) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (id, thread_id, character_id, body)
		VALUES ($1, $2, $3, $4)
	`, post.ID, post.ThreadID, post.CharacterID, post.Body)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasPosted(ctx context.Context, characterID, threadID string) (bool, error) {
	var posted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM posts WHERE character_id=$1 AND thread_id=$2)
	`, characterID, threadID).Scan(&posted)
	if err != nil {
		return false, fmt.Errorf("check participation: %w", err)
	}
	return posted, nil
}

// ArchiveThread captures the current placement, parks the thread in the
// holding forum, and flips the archive flag. The is_archived guard in the
// WHERE clause closes the race between two concurrent archive calls.
func (s *PostgresStore) ArchiveThread(ctx context.Context, threadID string, holdingForumID int) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET is_archived=TRUE,
			original_region_id=region_id,
			original_ooc_forum_id=ooc_forum_id,
			region_id=NULL,
			ooc_forum_id=$2,
			updated_at=NOW()
		WHERE id=$1 AND is_archived=FALSE
	`, threadID, holdingForumID)
	if err != nil {
		return false, fmt.Errorf("archive thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("archive thread rows: %w", err)
	}
	return affected > 0, nil
}

// UnarchiveThread rolls back the thread's point-economy participation in
// one transaction: reverse every approved claim's triple, delete every
// claim, then restore the original placement. Returns false when the
// thread is not currently archived; nothing is changed in that case.
func (s *PostgresStore) UnarchiveThread(ctx context.Context, threadID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin unarchive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE threads
		SET is_archived=FALSE,
			region_id=original_region_id,
			ooc_forum_id=original_ooc_forum_id,
			original_region_id=NULL,
			original_ooc_forum_id=NULL,
			updated_at=NOW()
		WHERE id=$1 AND is_archived=TRUE
	`, threadID)
	if err != nil {
		return false, fmt.Errorf("unarchive thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unarchive thread rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT cl.id, cl.character_id, ce.experience, ce.physical, ce.knowledge
		FROM claims cl
		JOIN catalog_entries ce ON ce.id = cl.catalog_entry_id
		WHERE cl.thread_id = $1 AND cl.status = 'APPROVED'
	`, threadID)
	if err != nil {
		return false, fmt.Errorf("load approved claims: %w", err)
	}
	type reversal struct {
		claimID     string
		characterID string
		totals      PointTotals
	}
	var reversals []reversal
	for rows.Next() {
		var r reversal
		if err := rows.Scan(&r.claimID, &r.characterID, &r.totals.Experience, &r.totals.Physical, &r.totals.Knowledge); err != nil {
			rows.Close()
			return false, fmt.Errorf("scan approved claim: %w", err)
		}
		reversals = append(reversals, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return false, fmt.Errorf("iterate approved claims: %w", err)
	}
	rows.Close()

	for _, r := range reversals {
		if err := applyTotalsDelta(ctx, tx, r.characterID, -r.totals.Experience, -r.totals.Physical, -r.totals.Knowledge); err != nil {
			return false, err
		}
		if err := insertLedgerEntry(ctx, tx, LedgerEntry{
			CharacterID: r.characterID,
			ClaimID:     r.claimID,
			ThreadID:    threadID,
			Experience:  -r.totals.Experience,
			Physical:    -r.totals.Physical,
			Knowledge:   -r.totals.Knowledge,
			Reason:      LedgerUnarchiveReversal,
		}); err != nil {
			return false, err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE thread_id=$1`, threadID); err != nil {
		return false, fmt.Errorf("delete thread claims: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit unarchive tx: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListCatalogEntries(ctx context.Context) ([]CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, category_description, action, action_description,
			experience, physical, knowledge, allow_multiple, requires_note
		FROM catalog_entries
		ORDER BY category, action
	`)
	if err != nil {
		return nil, fmt.Errorf("list catalog entries: %w", err)
	}
	defer rows.Close()

	var entries []CatalogEntry
	for rows.Next() {
		var entry CatalogEntry
		if err := rows.Scan(
			&entry.ID, &entry.Category, &entry.CategoryDescription, &entry.Action, &entry.ActionDescription,
			&entry.Experience, &entry.Physical, &entry.Knowledge, &entry.AllowMultiple, &entry.RequiresNote,
		); err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetCatalogEntry(ctx context.Context, entryID string) (CatalogEntry, error) {
	var entry CatalogEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, category, category_description, action, action_description,
			experience, physical, knowledge, allow_multiple, requires_note
		FROM catalog_entries
		WHERE id = $1
	`, entryID).Scan(
		&entry.ID, &entry.Category, &entry.CategoryDescription, &entry.Action, &entry.ActionDescription,
		&entry.Experience, &entry.Physical, &entry.Knowledge, &entry.AllowMultiple, &entry.RequiresNote,
	)
	if err != nil {
		return CatalogEntry{}, err
	}
	return entry, nil
}

// InsertClaims writes all rows of one submission together, so a failure
// partway never leaves a truncated batch behind.
func (s *PostgresStore) InsertClaims(ctx context.Context, claims []Claim) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin claims tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, claim := range claims {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO claims (id, character_id, catalog_entry_id, thread_id, status, note)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, claim.ID, claim.CharacterID, claim.CatalogEntryID, claim.ThreadID, claim.Status, claim.Note); err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit claims tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetClaim(ctx context.Context, claimID string) (Claim, error) {
	var claim Claim
	err := s.db.QueryRowContext(ctx, `
		SELECT id, character_id, catalog_entry_id, thread_id, status, note
		FROM claims
		WHERE id = $1
	`, claimID).Scan(&claim.ID, &claim.CharacterID, &claim.CatalogEntryID, &claim.ThreadID, &claim.Status, &claim.Note)
	if err != nil {
		return Claim{}, err
	}
	return claim, nil
}

func (s *PostgresStore) ListPendingClaims(ctx context.Context) ([]PendingClaim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cl.id, cl.character_id, c.name, cl.thread_id, t.title,
			ce.id, ce.category, ce.action,
			ce.experience, ce.physical, ce.knowledge,
			cl.note, cl.created_at,
			EXISTS(
				SELECT 1 FROM claims other
				WHERE other.character_id = cl.character_id
					AND other.catalog_entry_id = cl.catalog_entry_id
					AND other.thread_id = cl.thread_id
					AND other.id <> cl.id
			) AS is_duplicate
		FROM claims cl
		JOIN characters c ON c.id = cl.character_id
		JOIN threads t ON t.id = cl.thread_id
		JOIN catalog_entries ce ON ce.id = cl.catalog_entry_id
		WHERE cl.status = 'PENDING'
		ORDER BY cl.created_at DESC, cl.id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending claims: %w", err)
	}
	defer rows.Close()

	var pending []PendingClaim
	for rows.Next() {
		var p PendingClaim
		if err := rows.Scan(
			&p.ID, &p.CharacterID, &p.CharacterName, &p.ThreadID, &p.ThreadTitle,
			&p.CatalogEntryID, &p.Category, &p.Action,
			&p.Experience, &p.Physical, &p.Knowledge,
			&p.Note, &p.CreatedAt, &p.IsDuplicate,
		); err != nil {
			return nil, fmt.Errorf("scan pending claim: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func (s *PostgresStore) PendingClaimCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM claims WHERE status='PENDING'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending claims: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListCharacterThreadClaims(ctx context.Context, characterID, threadID string) ([]ClaimSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cl.id, ce.id, ce.category, ce.action,
			ce.experience, ce.physical, ce.knowledge,
			cl.status, cl.note
		FROM claims cl
		JOIN catalog_entries ce ON ce.id = cl.catalog_entry_id
		WHERE cl.character_id = $1 AND cl.thread_id = $2
		ORDER BY cl.created_at, cl.id
	`, characterID, threadID)
	if err != nil {
		return nil, fmt.Errorf("list character thread claims: %w", err)
	}
	defer rows.Close()

	var claims []ClaimSummary
	for rows.Next() {
		var c ClaimSummary
		if err := rows.Scan(
			&c.ID, &c.CatalogEntryID, &c.Category, &c.Action,
			&c.Experience, &c.Physical, &c.Knowledge,
			&c.Status, &c.Note,
		); err != nil {
			return nil, fmt.Errorf("scan claim summary: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// ApproveClaim flips the claim to APPROVED and credits the character's
// totals in one transaction. The status guard in the WHERE clause is the
// lock: a concurrent approval of the same claim sees zero rows affected
// and reports not-pending instead of crediting twice.
func (s *PostgresStore) ApproveClaim(ctx context.Context, claimID string) (bool, error) {
	return s.transitionClaim(ctx, claimID, ClaimPending, ClaimApproved, 1, LedgerApproval)
}

// UndoApproval flips the claim back to PENDING and debits the character's
// totals in one transaction, gated the same way as ApproveClaim.
func (s *PostgresStore) UndoApproval(ctx context.Context, claimID string) (bool, error) {
	return s.transitionClaim(ctx, claimID, ClaimApproved, ClaimPending, -1, LedgerApprovalUndo)
}

func (s *PostgresStore) transitionClaim(ctx context.Context, claimID, fromStatus, toStatus string, sign int, reason string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE claims SET status=$3, updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, claimID, fromStatus, toStatus)
	if err != nil {
		return false, fmt.Errorf("transition claim: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition claim rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	var characterID, threadID string
	var totals PointTotals
	err = tx.QueryRowContext(ctx, `
		SELECT cl.character_id, cl.thread_id, ce.experience, ce.physical, ce.knowledge
		FROM claims cl
		JOIN catalog_entries ce ON ce.id = cl.catalog_entry_id
		WHERE cl.id = $1
	`, claimID).Scan(&characterID, &threadID, &totals.Experience, &totals.Physical, &totals.Knowledge)
	if err != nil {
		return false, fmt.Errorf("load claim triple: %w", err)
	}

	if err := applyTotalsDelta(ctx, tx, characterID, sign*totals.Experience, sign*totals.Physical, sign*totals.Knowledge); err != nil {
		return false, err
	}
	if err := insertLedgerEntry(ctx, tx, LedgerEntry{
		CharacterID: characterID,
		ClaimID:     claimID,
		ThreadID:    threadID,
		Experience:  sign * totals.Experience,
		Physical:    sign * totals.Physical,
		Knowledge:   sign * totals.Knowledge,
		Reason:      reason,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit claim tx: %w", err)
	}
	return true, nil
}

// RejectClaim deletes the claim whatever its status. A claim that was
// already approved keeps its credited points; the platform has always
// behaved this way and reconciliation tooling depends on it.
func (s *PostgresStore) RejectClaim(ctx context.Context, claimID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE id=$1`, claimID)
	if err != nil {
		return false, fmt.Errorf("reject claim: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reject claim rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, characterID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, character_id, COALESCE(claim_id, ''), thread_id,
			experience, physical, knowledge, reason, created_at
		FROM skill_point_ledger
		WHERE character_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, characterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var entry LedgerEntry
		if err := rows.Scan(
			&entry.ID, &entry.CharacterID, &entry.ClaimID, &entry.ThreadID,
			&entry.Experience, &entry.Physical, &entry.Knowledge, &entry.Reason, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func applyTotalsDelta(ctx context.Context, tx *sql.Tx, characterID string, experience, physical, knowledge int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE characters
		SET experience = COALESCE(experience, 0) + $2,
			physical = COALESCE(physical, 0) + $3,
			knowledge = COALESCE(knowledge, 0) + $4,
			updated_at = NOW()
		WHERE id = $1
	`, characterID, experience, physical, knowledge)
	if err != nil {
		return fmt.Errorf("apply totals delta: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply totals delta rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("apply totals delta: character %s not found", characterID)
	}
	return nil
}

func insertLedgerEntry(ctx context.Context, tx *sql.Tx, entry LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = util.NewID("led")
	}
	var claimID any
	if entry.ClaimID != "" {
		claimID = entry.ClaimID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO skill_point_ledger (id, character_id, claim_id, thread_id, experience, physical, knowledge, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.CharacterID, claimID, entry.ThreadID, entry.Experience, entry.Physical, entry.Knowledge, entry.Reason)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
