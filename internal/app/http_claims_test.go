package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"horizon/api/internal/auth"
	"horizon/api/internal/store"
)

// gameStore keeps threads, claims, counters, and the ledger in memory,
// honoring the same conditional-transition contract as the SQL store.
type gameStore struct {
	fakeStore
	mu         sync.Mutex
	characters map[string]*store.Character
	threads    map[string]*store.Thread
	posts      map[string]store.Post
	catalog    map[string]store.CatalogEntry
	claims     map[string]*store.Claim
	ledger     []store.LedgerEntry
}

func newGameStore() *gameStore {
	return &gameStore{
		characters: make(map[string]*store.Character),
		threads:    make(map[string]*store.Thread),
		posts:      make(map[string]store.Post),
		catalog:    make(map[string]store.CatalogEntry),
		claims:     make(map[string]*store.Claim),
	}
}

func (g *gameStore) GetCharacter(_ context.Context, characterID string) (store.Character, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	character, ok := g.characters[characterID]
	if !ok {
		return store.Character{}, sql.ErrNoRows
	}
	return *character, nil
}

func (g *gameStore) GetThread(_ context.Context, threadID string) (store.Thread, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	thread, ok := g.threads[threadID]
	if !ok {
		return store.Thread{}, sql.ErrNoRows
	}
	return *thread, nil
}

func (g *gameStore) HasPosted(_ context.Context, characterID, threadID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, post := range g.posts {
		if post.CharacterID == characterID && post.ThreadID == threadID {
			return true, nil
		}
	}
	return false, nil
}

func (g *gameStore) ArchiveThread(_ context.Context, threadID string, holdingForumID int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	thread, ok := g.threads[threadID]
	if !ok || thread.IsArchived {
		return false, nil
	}
	thread.OriginalRegionID = thread.RegionID
	thread.OriginalOOCForumID = thread.OOCForumID
	thread.RegionID = nil
	holding := holdingForumID
	thread.OOCForumID = &holding
	thread.IsArchived = true
	return true, nil
}

func (g *gameStore) UnarchiveThread(_ context.Context, threadID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	thread, ok := g.threads[threadID]
	if !ok || !thread.IsArchived {
		return false, nil
	}
	thread.RegionID = thread.OriginalRegionID
	thread.OOCForumID = thread.OriginalOOCForumID
	thread.OriginalRegionID = nil
	thread.OriginalOOCForumID = nil
	thread.IsArchived = false
	for id, claim := range g.claims {
		if claim.ThreadID != threadID {
			continue
		}
		if claim.Status == store.ClaimApproved {
			g.applyDelta(claim, -1, store.LedgerUnarchiveReversal)
		}
		delete(g.claims, id)
	}
	return true, nil
}

func (g *gameStore) GetCatalogEntry(_ context.Context, entryID string) (store.CatalogEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.catalog[entryID]
	if !ok {
		return store.CatalogEntry{}, sql.ErrNoRows
	}
	return entry, nil
}

func (g *gameStore) InsertClaims(_ context.Context, claims []store.Claim) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, claim := range claims {
		stored := claim
		g.claims[claim.ID] = &stored
	}
	return nil
}

func (g *gameStore) GetClaim(_ context.Context, claimID string) (store.Claim, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	claim, ok := g.claims[claimID]
	if !ok {
		return store.Claim{}, sql.ErrNoRows
	}
	return *claim, nil
}

func (g *gameStore) ListPendingClaims(context.Context) ([]store.PendingClaim, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []store.PendingClaim
	for _, claim := range g.claims {
		if claim.Status != store.ClaimPending {
			continue
		}
		entry := g.catalog[claim.CatalogEntryID]
		duplicate := false
		for _, other := range g.claims {
			if other.ID != claim.ID && other.CharacterID == claim.CharacterID &&
				other.CatalogEntryID == claim.CatalogEntryID && other.ThreadID == claim.ThreadID {
				duplicate = true
				break
			}
		}
		out = append(out, store.PendingClaim{
			ID:             claim.ID,
			CharacterID:    claim.CharacterID,
			ThreadID:       claim.ThreadID,
			CatalogEntryID: claim.CatalogEntryID,
			Category:       entry.Category,
			Action:         entry.Action,
			Experience:     entry.Experience,
			Physical:       entry.Physical,
			Knowledge:      entry.Knowledge,
			Note:           claim.Note,
			IsDuplicate:    duplicate,
		})
	}
	return out, nil
}

func (g *gameStore) PendingClaimCount(context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, claim := range g.claims {
		if claim.Status == store.ClaimPending {
			count++
		}
	}
	return count, nil
}

func (g *gameStore) ApproveClaim(_ context.Context, claimID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	claim, ok := g.claims[claimID]
	if !ok || claim.Status != store.ClaimPending {
		return false, nil
	}
	claim.Status = store.ClaimApproved
	g.applyDelta(claim, 1, store.LedgerApproval)
	return true, nil
}

func (g *gameStore) UndoApproval(_ context.Context, claimID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	claim, ok := g.claims[claimID]
	if !ok || claim.Status != store.ClaimApproved {
		return false, nil
	}
	claim.Status = store.ClaimPending
	g.applyDelta(claim, -1, store.LedgerApprovalUndo)
	return true, nil
}

func (g *gameStore) RejectClaim(_ context.Context, claimID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.claims[claimID]; !ok {
		return false, nil
	}
	delete(g.claims, claimID)
	return true, nil
}

func (g *gameStore) ListLedgerEntries(_ context.Context, characterID string, _ int) ([]store.LedgerEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []store.LedgerEntry
	for _, entry := range g.ledger {
		if entry.CharacterID == characterID {
			out = append(out, entry)
		}
	}
	return out, nil
}

// applyDelta mirrors the credit/debit plus ledger write the SQL store
// performs in one transaction. Callers hold the mutex.
func (g *gameStore) applyDelta(claim *store.Claim, sign int, reason string) {
	entry := g.catalog[claim.CatalogEntryID]
	character := g.characters[claim.CharacterID]
	character.Experience += sign * entry.Experience
	character.Physical += sign * entry.Physical
	character.Knowledge += sign * entry.Knowledge
	g.ledger = append(g.ledger, store.LedgerEntry{
		ID:          fmt.Sprintf("led-%d", len(g.ledger)+1),
		CharacterID: claim.CharacterID,
		ClaimID:     claim.ID,
		ThreadID:    claim.ThreadID,
		Experience:  sign * entry.Experience,
		Physical:    sign * entry.Physical,
		Knowledge:   sign * entry.Knowledge,
		Reason:      reason,
	})
}

func issueTestToken(t *testing.T, userID, name, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  userID,
		Name: name,
		Role: role,
		JTI:  "jti-" + userID,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s %s: parse response: %v body=%s", method, path, err, rr.Body.String())
		}
	}
	return rr, payload
}

func TestClaimLifecycleOverHTTP(t *testing.T) {
	gs := newGameStore()
	region := 3
	ooc := 12
	gs.characters["chr-1"] = &store.Character{ID: "chr-1", OwnerUserID: "user-1", Name: "Aska"}
	gs.threads["thr-1"] = &store.Thread{ID: "thr-1", Title: "Moonlit hunt", CreatedByUserID: "user-1", RegionID: &region, OOCForumID: &ooc}
	gs.posts["pst-1"] = store.Post{ID: "pst-1", ThreadID: "thr-1", CharacterID: "chr-1", Body: "The hunt begins."}
	gs.catalog["cat-thread-complete"] = store.CatalogEntry{ID: "cat-thread-complete", Category: "Threads", Action: "Complete a thread", Experience: 5}

	server := NewHTTPServer(newTestService(gs), "*")
	player := issueTestToken(t, "user-1", "Avens", "player")
	mod := issueTestToken(t, "user-2", "Orca", "moderator")

	// Claims against a live thread are refused.
	rr, payload := doJSON(t, server, http.MethodPost, "/api/claims", player,
		`{"characterId":"chr-1","threadId":"thr-1","entries":[{"catalogEntryId":"cat-thread-complete"}]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("claim before archive: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if code, _ := payload["code"].(string); code != "THREAD_NOT_READY" {
		t.Fatalf("expected THREAD_NOT_READY, got body=%s", rr.Body.String())
	}

	rr, _ = doJSON(t, server, http.MethodPost, "/api/threads/thr-1/archive", player, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("archive: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/threads/thr-1", player, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get thread: expected 200, got %d", rr.Code)
	}
	if archived, _ := payload["isArchived"].(bool); !archived {
		t.Fatalf("expected archived thread, got %s", rr.Body.String())
	}
	if payload["regionId"] != nil {
		t.Fatalf("expected cleared regionId, got %v", payload["regionId"])
	}
	if forum, _ := payload["oocForumId"].(float64); int(forum) != 7 {
		t.Fatalf("expected holding forum 7, got %v", payload["oocForumId"])
	}

	rr, payload = doJSON(t, server, http.MethodPost, "/api/claims", player,
		`{"characterId":"chr-1","threadId":"thr-1","entries":[{"catalogEntryId":"cat-thread-complete"}]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit claim: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	claimIDs, _ := payload["claimIds"].([]any)
	if len(claimIDs) != 1 {
		t.Fatalf("expected 1 claim id, got %v", payload["claimIds"])
	}
	claimID, _ := claimIDs[0].(string)

	// Players cannot see the moderation queue.
	rr, _ = doJSON(t, server, http.MethodGet, "/api/claims/pending", player, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("pending as player: expected 403, got %d", rr.Code)
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/claims/pending/count", mod, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("pending count: expected 200, got %d", rr.Code)
	}
	if count, _ := payload["count"].(float64); int(count) != 1 {
		t.Fatalf("expected 1 pending claim, got %v", payload["count"])
	}

	rr, _ = doJSON(t, server, http.MethodPost, "/api/claims/"+claimID+"/approve", mod, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	// A second approval finds the claim no longer pending.
	rr, _ = doJSON(t, server, http.MethodPost, "/api/claims/"+claimID+"/approve", mod, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("double approve: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/characters/chr-1/totals", player, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("totals: expected 200, got %d", rr.Code)
	}
	if exp, _ := payload["experience"].(float64); int(exp) != 5 {
		t.Fatalf("expected 5 experience after approval, got %v body=%s", payload["experience"], rr.Body.String())
	}

	rr, _ = doJSON(t, server, http.MethodPost, "/api/claims/"+claimID+"/undo-approval", mod, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("undo approval: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/characters/chr-1/totals", player, "")
	if exp, _ := payload["experience"].(float64); int(exp) != 0 {
		t.Fatalf("expected 0 experience after undo, got %v", payload["experience"])
	}

	// Approve again, then unarchive with a second claim still pending:
	// the reversal debits the approved credit, the pending claim just
	// goes away, and the thread goes back where it came from.
	rr, _ = doJSON(t, server, http.MethodPost, "/api/claims/"+claimID+"/approve", mod, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("re-approve: expected 200, got %d", rr.Code)
	}

	rr, _ = doJSON(t, server, http.MethodPost, "/api/claims", player,
		`{"characterId":"chr-1","threadId":"thr-1","entries":[{"catalogEntryId":"cat-thread-complete"}]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("second submit: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/claims/pending/count", mod, "")
	if count, _ := payload["count"].(float64); int(count) != 1 {
		t.Fatalf("expected 1 pending claim before unarchive, got %v", payload["count"])
	}

	rr, _ = doJSON(t, server, http.MethodPost, "/api/threads/thr-1/unarchive", player, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("unarchive as player: expected 403, got %d", rr.Code)
	}

	rr, _ = doJSON(t, server, http.MethodPost, "/api/threads/thr-1/unarchive", mod, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unarchive: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/threads/thr-1", player, "")
	if archived, _ := payload["isArchived"].(bool); archived {
		t.Fatalf("expected unarchived thread, got %s", rr.Body.String())
	}
	if regionID, _ := payload["regionId"].(float64); int(regionID) != 3 {
		t.Fatalf("expected restored region 3, got %v", payload["regionId"])
	}
	if forum, _ := payload["oocForumId"].(float64); int(forum) != 12 {
		t.Fatalf("expected restored forum 12, got %v", payload["oocForumId"])
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/characters/chr-1/totals", player, "")
	if exp, _ := payload["experience"].(float64); int(exp) != 0 {
		t.Fatalf("expected 0 experience after unarchive reversal, got %v", payload["experience"])
	}

	// Both claims are gone, the pending one without any debit.
	rr, payload = doJSON(t, server, http.MethodGet, "/api/claims/pending/count", mod, "")
	if count, _ := payload["count"].(float64); int(count) != 0 {
		t.Fatalf("expected 0 pending claims after unarchive, got %v", payload["count"])
	}
	if remaining := len(gs.claims); remaining != 0 {
		t.Fatalf("expected all claims deleted on unarchive, got %d", remaining)
	}

	// The ledger keeps the whole history: credit, debit, credit, reversal.
	rr, payload = doJSON(t, server, http.MethodGet, "/api/characters/chr-1/ledger", player, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("ledger: expected 200, got %d", rr.Code)
	}
	entries, _ := payload["entries"].([]any)
	if len(entries) != 4 {
		t.Fatalf("expected 4 ledger entries, got %d body=%s", len(entries), rr.Body.String())
	}
	sum := 0
	for _, raw := range entries {
		entry, _ := raw.(map[string]any)
		delta, _ := entry["experience"].(float64)
		sum += int(delta)
	}
	if sum != 0 {
		t.Fatalf("expected ledger deltas to sum to 0, got %d", sum)
	}
}

func TestDuplicateClaimsFlaggedOnPendingQueue(t *testing.T) {
	gs := newGameStore()
	region := 3
	ooc := 12
	gs.characters["chr-1"] = &store.Character{ID: "chr-1", OwnerUserID: "user-1", Name: "Aska"}
	gs.threads["thr-1"] = &store.Thread{ID: "thr-1", Title: "Moonlit hunt", CreatedByUserID: "user-1", RegionID: &region, OOCForumID: &ooc}
	gs.posts["pst-1"] = store.Post{ID: "pst-1", ThreadID: "thr-1", CharacterID: "chr-1", Body: "The hunt begins."}
	gs.catalog["cat-thread-complete"] = store.CatalogEntry{ID: "cat-thread-complete", Category: "Threads", Action: "Complete a thread", Experience: 5}

	server := NewHTTPServer(newTestService(gs), "*")
	player := issueTestToken(t, "user-1", "Avens", "player")
	mod := issueTestToken(t, "user-2", "Orca", "moderator")

	rr, _ := doJSON(t, server, http.MethodPost, "/api/threads/thr-1/archive", player, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("archive: expected 200, got %d", rr.Code)
	}

	body := `{"characterId":"chr-1","threadId":"thr-1","entries":[{"catalogEntryId":"cat-thread-complete"}]}`
	for i := 0; i < 2; i++ {
		rr, _ = doJSON(t, server, http.MethodPost, "/api/claims", player, body)
		if rr.Code != http.StatusCreated {
			t.Fatalf("submit %d: expected 201, got %d body=%s", i, rr.Code, rr.Body.String())
		}
	}

	rr, payload := doJSON(t, server, http.MethodGet, "/api/claims/pending", mod, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("pending: expected 200, got %d", rr.Code)
	}
	claims, _ := payload["claims"].([]any)
	if len(claims) != 2 {
		t.Fatalf("expected 2 pending claims, got %d", len(claims))
	}
	for i, raw := range claims {
		claim, _ := raw.(map[string]any)
		if dup, _ := claim["isDuplicate"].(bool); !dup {
			t.Fatalf("claim %d: expected isDuplicate=true, got %s", i, rr.Body.String())
		}
	}
}

func TestRejectApprovedClaimKeepsCredit(t *testing.T) {
	gs := newGameStore()
	region := 3
	ooc := 12
	gs.characters["chr-1"] = &store.Character{ID: "chr-1", OwnerUserID: "user-1", Name: "Aska"}
	gs.threads["thr-1"] = &store.Thread{ID: "thr-1", Title: "Moonlit hunt", CreatedByUserID: "user-1", RegionID: &region, OOCForumID: &ooc}
	gs.posts["pst-1"] = store.Post{ID: "pst-1", ThreadID: "thr-1", CharacterID: "chr-1", Body: "The hunt begins."}
	gs.catalog["cat-thread-complete"] = store.CatalogEntry{ID: "cat-thread-complete", Category: "Threads", Action: "Complete a thread", Experience: 5}

	server := NewHTTPServer(newTestService(gs), "*")
	player := issueTestToken(t, "user-1", "Avens", "player")
	mod := issueTestToken(t, "user-2", "Orca", "moderator")

	rr, _ := doJSON(t, server, http.MethodPost, "/api/threads/thr-1/archive", player, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("archive: expected 200, got %d", rr.Code)
	}

	rr, payload := doJSON(t, server, http.MethodPost, "/api/claims", player,
		`{"characterId":"chr-1","threadId":"thr-1","entries":[{"catalogEntryId":"cat-thread-complete"}]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	claimIDs, _ := payload["claimIds"].([]any)
	claimID, _ := claimIDs[0].(string)

	rr, _ = doJSON(t, server, http.MethodPost, "/api/claims/"+claimID+"/approve", mod, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/characters/chr-1/totals", player, "")
	if exp, _ := payload["experience"].(float64); int(exp) != 5 {
		t.Fatalf("expected 5 experience after approval, got %v", payload["experience"])
	}

	// Rejecting an approved claim deletes the row but never debits the
	// counters. The platform has always behaved this way.
	rr, _ = doJSON(t, server, http.MethodPost, "/api/claims/"+claimID+"/reject", mod, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reject: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if remaining := len(gs.claims); remaining != 0 {
		t.Fatalf("expected claim deleted, got %d rows", remaining)
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/characters/chr-1/totals", player, "")
	if exp, _ := payload["experience"].(float64); int(exp) != 5 {
		t.Fatalf("expected credit to survive the reject, got %v experience", payload["experience"])
	}

	// Only the approval is on the ledger; no reversal entry exists.
	rr, payload = doJSON(t, server, http.MethodGet, "/api/characters/chr-1/ledger", player, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("ledger: expected 200, got %d", rr.Code)
	}
	entries, _ := payload["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected a single ledger entry, got %d body=%s", len(entries), rr.Body.String())
	}
	entry, _ := entries[0].(map[string]any)
	if reason, _ := entry["reason"].(string); reason != store.LedgerApproval {
		t.Fatalf("expected APPROVAL ledger entry, got %q", reason)
	}
}
