package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service is the engine's public surface for the surrounding service layer.
// Tenant and application are explicit parameters on every call; there is no
// ambient request state.
type Service struct {
	store       RecordStore
	index       SearchIndex
	embedder    Embedder
	categorizer Categorizer

	eval   *Evaluator
	router *Router
	syncer *Syncer

	closeOnce sync.Once
}

// ServiceOption configures NewService.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	categorizer Categorizer
	syncCfg     SyncConfig
	queryLimit  int
	ruleTTL     time.Duration
}

// WithCategorizer enables post-write categorization of new records. Failures
// are non-fatal and leave the record uncategorized.
func WithCategorizer(c Categorizer) ServiceOption {
	return func(o *serviceOptions) { o.categorizer = c }
}

// WithSyncConfig overrides the sync tuning.
func WithSyncConfig(cfg SyncConfig) ServiceOption {
	return func(o *serviceOptions) { o.syncCfg = cfg }
}

// WithQueryLimit overrides the default result count for Query.
func WithQueryLimit(n int) ServiceOption {
	return func(o *serviceOptions) { o.queryLimit = n }
}

// WithAccessRuleTTL overrides how long access rules stay cached.
func WithAccessRuleTTL(ttl time.Duration) ServiceOption {
	return func(o *serviceOptions) { o.ruleTTL = ttl }
}

// NewService wires the engine and starts the sync scheduler. Call Close to
// stop it and drain background work.
func NewService(store RecordStore, index SearchIndex, embedder Embedder, opts ...ServiceOption) (*Service, error) {
	o := &serviceOptions{syncCfg: DefaultSyncConfig(), queryLimit: 10, ruleTTL: 30 * time.Second}
	for _, opt := range opts {
		opt(o)
	}

	eval, err := NewEvaluator(store, WithRuleTTL(o.ruleTTL))
	if err != nil {
		return nil, err
	}
	svc := &Service{
		store:       store,
		index:       index,
		embedder:    embedder,
		categorizer: o.categorizer,
		eval:        eval,
		router:      NewRouter(store, index, embedder, eval, o.queryLimit),
		syncer:      NewSyncer(store, index, embedder, o.syncCfg),
	}
	svc.syncer.Start()
	return svc, nil
}

// Close stops the sync scheduler, waits for pending access-log appends, and
// releases the rule cache. It does not close the store or the index; their
// creator owns them.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.syncer.Stop()
		s.router.Wait()
		s.eval.Close()
	})
}

// CreateRecord stores a new active record for (tenant, app) and appends its
// creation history entry atomically. When a categorizer is configured,
// categorization runs as an explicit post-write step; its failure leaves the
// record uncategorized. The record reaches the search index on the next sync
// pass.
func (s *Service) CreateRecord(ctx context.Context, tenant, appName, content string, metadata map[string]any) (*Record, error) {
	app, err := s.store.EnsureApplication(ctx, tenant, appName)
	if err != nil {
		return nil, err
	}
	if !app.IsActive {
		return nil, fmt.Errorf("app %s: %w", appName, ErrAppPaused)
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	now := time.Now().UTC()
	rec := &Record{
		ID:        uuid.New().String(),
		Tenant:    tenant,
		AppID:     app.ID,
		Content:   content,
		Metadata:  metadata,
		State:     StateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRecord(ctx, rec, appName); err != nil {
		return nil, err
	}

	if s.categorizer != nil {
		s.categorize(ctx, rec, appName)
	}
	return rec, nil
}

// categorize labels a freshly created record. Best-effort: provider failures
// and optimistic-concurrency losses are logged and swallowed.
func (s *Service) categorize(ctx context.Context, rec *Record, actor string) {
	label, err := s.categorizer.Categorize(ctx, rec.Content)
	if err != nil {
		log.Printf("[SERVICE] Categorization failed for record=%s: %v", rec.ID, err)
		return
	}
	if label == "" {
		return
	}
	rec.Metadata["category"] = label
	if err := s.store.UpdateRecord(ctx, rec, actor); err != nil {
		log.Printf("[SERVICE] Storing category for record=%s failed: %v", rec.ID, err)
		delete(rec.Metadata, "category")
	}
}

// TransitionState moves a record through its lifecycle. Illegal moves fail
// with ErrInvalidTransition and produce no history entry.
func (s *Service) TransitionState(ctx context.Context, recordID string, to State, actor string) (*HistoryEntry, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("state %q: %w", to, ErrInvalidTransition)
	}
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(rec.State, to) {
		return nil, fmt.Errorf("%s -> %s: %w", rec.State, to, ErrInvalidTransition)
	}
	return s.store.TransitionState(ctx, recordID, rec.State, to, actor)
}

// Query searches the tenant's records on behalf of app. The Results mode
// flag tells the caller whether the semantic or the degraded keyword path
// served the response.
func (s *Service) Query(ctx context.Context, tenant, appName, text string, limit int) (*Results, error) {
	app, err := s.store.EnsureApplication(ctx, tenant, appName)
	if err != nil {
		return nil, err
	}
	return s.router.Query(ctx, tenant, app, text, limit)
}

// ListRecords returns the tenant's active records visible to app, most recent
// first. Paused, archived, and deleted records are hidden, as are records of
// paused applications and records an explicit deny rule blocks.
func (s *Service) ListRecords(ctx context.Context, tenant, appName string) ([]Result, error) {
	app, err := s.store.EnsureApplication(ctx, tenant, appName)
	if err != nil {
		return nil, err
	}
	return s.router.List(ctx, tenant, app)
}

// GetRecord returns a record if it exists and app may see it. An inaccessible
// record is reported as ErrNotFound so its existence never leaks.
func (s *Service) GetRecord(ctx context.Context, recordID, tenant, appName string) (*Record, error) {
	app, err := s.store.EnsureApplication(ctx, tenant, appName)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	ok, err := s.eval.IsAccessible(ctx, rec, app)
	if err != nil {
		return nil, err
	}
	if !ok || rec.State == StateDeleted {
		return nil, ErrNotFound
	}
	return rec, nil
}

// CheckAccess reports whether (tenant, app) may see the record.
func (s *Service) CheckAccess(ctx context.Context, recordID, tenant, appName string) (bool, error) {
	app, err := s.store.EnsureApplication(ctx, tenant, appName)
	if err != nil {
		return false, err
	}
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.eval.IsAccessible(ctx, rec, app)
}

// SetAccessRule upserts the allow/deny override for (record, app). The app is
// named by its own tenant so cross-tenant allow rules can be granted.
func (s *Service) SetAccessRule(ctx context.Context, recordID, appTenant, appName string, effect Effect) error {
	if effect != EffectAllow && effect != EffectDeny {
		return fmt.Errorf("unknown access rule effect %q", effect)
	}
	if _, err := s.store.GetRecord(ctx, recordID); err != nil {
		return err
	}
	app, err := s.store.EnsureApplication(ctx, appTenant, appName)
	if err != nil {
		return err
	}
	rule := &AccessRule{
		ID:        uuid.New().String(),
		RecordID:  recordID,
		AppID:     app.ID,
		Effect:    effect,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SetAccessRule(ctx, rule); err != nil {
		return err
	}
	s.eval.Invalidate(recordID)
	return nil
}

// SetApplicationActive pauses or resumes an application. Paused applications
// cannot create records and their existing records disappear from read paths
// until resumed.
func (s *Service) SetApplicationActive(ctx context.Context, tenant, appName string, active bool) error {
	app, err := s.store.EnsureApplication(ctx, tenant, appName)
	if err != nil {
		return err
	}
	return s.store.SetApplicationActive(ctx, app.ID, active)
}

// TriggerSync runs an on-demand reconciliation pass. An empty tenant means
// every tenant. A pass already in flight for a tenant is coalesced; the
// report says so via Skipped.
func (s *Service) TriggerSync(ctx context.Context, tenant string) (*SyncReport, error) {
	if tenant == "" {
		return s.syncer.SyncAll(ctx)
	}
	return s.syncer.SyncTenant(ctx, tenant)
}

// SyncCheckpoint exposes the tenant's last successful sync checkpoint, or nil
// when no pass has completed.
func (s *Service) SyncCheckpoint(tenant string) *SyncCheckpoint {
	return s.syncer.Checkpoint(tenant)
}

// BulkReport summarizes a bulk state change.
type BulkReport struct {
	Affected int
	Errors   int
}

// DeleteAll transitions every record of the tenant that app may see into the
// deleted state. Per-record failures are isolated and counted; they never
// abort the batch. Deleted entries leave the search index on the next sync
// pass, and the router filters them out until then.
func (s *Service) DeleteAll(ctx context.Context, tenant, appName, actor string) (*BulkReport, error) {
	app, err := s.store.EnsureApplication(ctx, tenant, appName)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ListRecords(ctx, RecordFilter{
		Tenant: tenant,
		States: []State{StateActive, StatePaused, StateArchived},
	})
	if err != nil {
		return nil, err
	}
	accessible, err := s.eval.FilterAccessible(ctx, recs, app)
	if err != nil {
		return nil, err
	}

	report := &BulkReport{}
	var deleted []string
	for _, rec := range accessible {
		if _, err := s.store.TransitionState(ctx, rec.ID, rec.State, StateDeleted, actor); err != nil {
			log.Printf("[SERVICE] Bulk delete failed for record=%s: %v", rec.ID, err)
			report.Errors++
			continue
		}
		report.Affected++
		deleted = append(deleted, rec.ID)
	}
	s.router.logAccess(app, deleted, "delete_all", "")
	return report, nil
}

// History returns a record's audit trail, oldest first. An inaccessible
// record is reported as ErrNotFound, same as GetRecord.
func (s *Service) History(ctx context.Context, recordID, tenant, appName string) ([]*HistoryEntry, error) {
	app, err := s.store.EnsureApplication(ctx, tenant, appName)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	ok, err := s.eval.IsAccessible(ctx, rec, app)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return s.store.ListHistory(ctx, recordID)
}
