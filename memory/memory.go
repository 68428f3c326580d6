package memory

import (
	"context"
	"time"
)

// State is the lifecycle state of a Record.
type State string

const (
	// StateActive records are visible to search and list operations and are
	// the only records projected into the search index.
	StateActive State = "active"
	// StatePaused records are hidden from every read path but kept intact;
	// the pause is reversible.
	StatePaused State = "paused"
	// StateArchived records are hidden like paused ones, intended for
	// longer-term retention; reversible.
	StateArchived State = "archived"
	// StateDeleted is terminal. Content is retained for audit but the record
	// is excluded from every read path and from the search index.
	StateDeleted State = "deleted"
)

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateActive, StatePaused, StateArchived, StateDeleted:
		return true
	}
	return false
}

// transitions holds the allowed lifecycle moves. Absent pairs are invalid;
// nothing leaves deleted.
var transitions = map[State]map[State]bool{
	StateActive:   {StatePaused: true, StateArchived: true, StateDeleted: true},
	StatePaused:   {StateActive: true, StateDeleted: true},
	StateArchived: {StateActive: true, StateDeleted: true},
	StateDeleted:  {},
}

// CanTransition reports whether a record may move from one state to another.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// Record is a unit of remembered content. The tenant is immutable after
// creation; content and metadata may change, but every change appends a
// history entry.
type Record struct {
	ID        string
	Tenant    string
	AppID     string
	Content   string
	Metadata  map[string]any
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Application is a named client scoped to exactly one tenant. Pausing an
// application suppresses all of its records from read paths without deleting
// them and rejects new record creation.
type Application struct {
	ID        string
	Tenant    string
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

// Effect is the outcome an access rule prescribes.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// AccessRule overrides the default access policy for one (record, app) pair.
// At most one rule exists per pair; writes upsert so the most recent wins.
type AccessRule struct {
	ID        string
	RecordID  string
	AppID     string
	Effect    Effect
	CreatedAt time.Time
}

// HistoryEntry is an immutable, append-only record of a state transition.
// Content and metadata edits append an entry with PrevState == NewState.
// The entry for record creation has an empty PrevState.
type HistoryEntry struct {
	ID        string
	RecordID  string
	PrevState State
	NewState  State
	Actor     string
	ChangedAt time.Time
}

// AccessLogEntry is an immutable, append-only record of a read. It is written
// best-effort off the hot path and never read back during queries.
type AccessLogEntry struct {
	ID         string
	RecordID   string
	AppID      string
	AccessType string
	Metadata   map[string]string
	AccessedAt time.Time
}

// SyncCheckpoint tracks the last successful sync pass for one tenant. It is
// mutated only by the Syncer and reset only by a full rebuild.
type SyncCheckpoint struct {
	Tenant       string
	LastSyncedAt time.Time
	Synced       int
	Errors       int
}

// RecordFilter narrows ListRecords. Zero values mean "any".
type RecordFilter struct {
	Tenant string
	AppID  string
	States []State
	Limit  int
}

// RecordStore is the durable source of truth for records, applications,
// access rules, and both audit trails. Implementations must append the
// matching history entry atomically with every record mutation.
type RecordStore interface {
	// CreateRecord inserts a new record together with its creation history
	// entry in one transaction.
	CreateRecord(ctx context.Context, rec *Record, actor string) error

	// GetRecord returns the record or ErrNotFound.
	GetRecord(ctx context.Context, id string) (*Record, error)

	// GetRecords returns the records that exist among ids, in no particular
	// order. Unknown ids are silently skipped.
	GetRecords(ctx context.Context, ids []string) ([]*Record, error)

	// UpdateRecord persists content and metadata changes using optimistic
	// concurrency on UpdatedAt: a concurrent writer having advanced the row
	// yields ErrConflict. A history entry is appended in the same transaction.
	UpdateRecord(ctx context.Context, rec *Record, actor string) error

	// TransitionState atomically moves a record from one state to another and
	// appends the history entry. The caller validates the transition; the
	// store only guarantees the from-state still holds at commit time and
	// returns ErrConflict otherwise.
	TransitionState(ctx context.Context, id string, from, to State, actor string) (*HistoryEntry, error)

	// ListRecords returns records matching the filter, most recent first.
	ListRecords(ctx context.Context, f RecordFilter) ([]*Record, error)

	// SearchContent is the degraded query path: a case-insensitive substring
	// match over active records of the tenant, most recent first.
	SearchContent(ctx context.Context, tenant, substr string, limit int) ([]*Record, error)

	// ListTenants returns every tenant that owns at least one record.
	ListTenants(ctx context.Context) ([]string, error)

	// EnsureApplication returns the application for (tenant, name), creating
	// it on first use.
	EnsureApplication(ctx context.Context, tenant, name string) (*Application, error)

	// GetApplications returns the applications that exist among ids.
	GetApplications(ctx context.Context, ids []string) ([]*Application, error)

	// SetApplicationActive pauses or resumes an application.
	SetApplicationActive(ctx context.Context, id string, active bool) error

	// SetAccessRule upserts the rule for its (record, app) pair.
	SetAccessRule(ctx context.Context, rule *AccessRule) error

	// ListAccessRules returns every rule whose record id is in recordIDs.
	ListAccessRules(ctx context.Context, recordIDs []string) ([]*AccessRule, error)

	// AppendAccessLogs appends read-audit entries. Concurrent appends need no
	// coordination beyond the store's own write durability.
	AppendAccessLogs(ctx context.Context, entries []*AccessLogEntry) error

	// ListHistory returns a record's transition trail, oldest first.
	ListHistory(ctx context.Context, recordID string) ([]*HistoryEntry, error)

	Close() error
}

// IndexEntry is one record's denormalized projection into the search index.
type IndexEntry struct {
	ID        string
	Embedding []float32
	Content   string
	Metadata  map[string]string
}

// IndexHit is one search result, most similar first.
type IndexHit struct {
	ID         string
	Similarity float32
}

// SearchIndex is the derived vector store. It holds one partition per tenant
// and owns no authoritative state; every operation fails with
// ErrIndexUnavailable (wrapped) on connectivity loss.
type SearchIndex interface {
	// ClearPartition drops the tenant's partition. Clearing an absent
	// partition is a no-op.
	ClearPartition(ctx context.Context, tenant string) error

	// UpsertBatch inserts or replaces entries in the tenant's partition.
	UpsertBatch(ctx context.Context, tenant string, entries []IndexEntry) error

	// Search returns up to limit hits from the tenant's partition ranked by
	// similarity to the embedding.
	Search(ctx context.Context, tenant string, embedding []float32, limit int) ([]IndexHit, error)
}

// Embedder converts text to vector embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Categorizer assigns a short label to text. It is an optional capability:
// failures leave the record uncategorized and are never fatal.
type Categorizer interface {
	Categorize(ctx context.Context, text string) (string, error)
}
