package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Character struct {
	ID                       string
	OwnerUserID              string
	Name                     string
	Experience               int
	Physical                 int
	Knowledge                int
	HasClaimedStartingPoints bool
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Thread placement is a region plus an out-of-character forum. While a
// thread is archived the live columns point at the holding forum and the
// original placement is kept in the original_* columns.
type Thread struct {
	ID                 string
	Title              string
	CreatedByUserID    string
	RegionID           *int
	OOCForumID         *int
	IsArchived         bool
	OriginalRegionID   *int
	OriginalOOCForumID *int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Post struct {
	ID          string
	ThreadID    string
	CharacterID string
	Body        string
	CreatedAt   time.Time
}

type CatalogEntry struct {
	ID                  string
	Category            string
	CategoryDescription string
	Action              string
	ActionDescription   string
	Experience          int
	Physical            int
	Knowledge           int
	AllowMultiple       bool
	RequiresNote        bool
}

const (
	ClaimPending  = "PENDING"
	ClaimApproved = "APPROVED"
)

type Claim struct {
	ID             string
	CharacterID    string
	CatalogEntryID string
	ThreadID       string
	Status         string
	Note           *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PendingClaim is a pending row joined with its display data for the
// moderation queue. IsDuplicate flags another claim for the same
// character, catalog entry, and thread; it is advisory only.
type PendingClaim struct {
	ID             string
	CharacterID    string
	CharacterName  string
	ThreadID       string
	ThreadTitle    string
	CatalogEntryID string
	Category       string
	Action         string
	Experience     int
	Physical       int
	Knowledge      int
	Note           *string
	IsDuplicate    bool
	CreatedAt      time.Time
}

// ClaimSummary is one claim as shown to the claiming player.
type ClaimSummary struct {
	ID             string
	CatalogEntryID string
	Category       string
	Action         string
	Experience     int
	Physical       int
	Knowledge      int
	Status         string
	Note           *string
}

type PointTotals struct {
	Experience int
	Physical   int
	Knowledge  int
}

const (
	LedgerApproval          = "APPROVAL"
	LedgerApprovalUndo      = "APPROVAL_UNDO"
	LedgerUnarchiveReversal = "UNARCHIVE_REVERSAL"
)

// LedgerEntry is one signed delta applied to a character's totals. The
// character counters are the materialized sum of these rows.
type LedgerEntry struct {
	ID          string
	CharacterID string
	ClaimID     string
	ThreadID    string
	Experience  int
	Physical    int
	Knowledge   int
	Reason      string
	CreatedAt   time.Time
}
