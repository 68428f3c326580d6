package memory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// SyncReport summarizes one sync pass for one tenant, or an aggregate over
// all tenants.
type SyncReport struct {
	Tenant   string
	Synced   int
	Errors   int
	Skipped  bool // a pass for the tenant was already in flight
	Duration time.Duration
}

// SyncConfig tunes the Syncer.
type SyncConfig struct {
	// Interval between scheduled passes. Zero disables the scheduler; on
	// demand syncs still work.
	Interval time.Duration

	// BatchSize is the number of entries per index upsert. A trade-off
	// between request overhead and per-call memory.
	BatchSize int

	// TenantTimeout bounds one tenant's pass. Exceeding it aborts the pass
	// exactly as a connectivity failure would.
	TenantTimeout time.Duration
}

// DefaultSyncConfig returns the baseline tuning.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:      5 * time.Minute,
		BatchSize:     100,
		TenantTimeout: 2 * time.Minute,
	}
}

// Syncer reconciles the record store into the search index, tenant by tenant.
// Each pass is a full replace: snapshot the tenant's active records, clear
// the tenant's partition, re-embed and batch-insert. A diff-based sync could
// silently orphan stale entries after an index restart with empty storage;
// full replace cannot, and it is idempotent by construction.
//
// Passes for different tenants run independently so one tenant's failure
// never blocks another's. A tenant never has two passes in flight: a trigger
// arriving while a pass runs is coalesced into a no-op (the report is marked
// Skipped), on the grounds that the running full replace already captures a
// superset of what the trigger would.
type Syncer struct {
	store    RecordStore
	index    SearchIndex
	embedder Embedder
	cfg      SyncConfig

	mu          sync.Mutex
	inflight    map[string]bool
	checkpoints map[string]*SyncCheckpoint

	stopOnce    sync.Once
	stop        chan struct{}
	loopStarted bool
	loopDone    chan struct{}
}

// NewSyncer wires a synchronization engine.
func NewSyncer(store RecordStore, index SearchIndex, embedder Embedder, cfg SyncConfig) *Syncer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSyncConfig().BatchSize
	}
	if cfg.TenantTimeout <= 0 {
		cfg.TenantTimeout = DefaultSyncConfig().TenantTimeout
	}
	return &Syncer{
		store:       store,
		index:       index,
		embedder:    embedder,
		cfg:         cfg,
		inflight:    make(map[string]bool),
		checkpoints: make(map[string]*SyncCheckpoint),
		stop:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
}

// Start launches the background scheduler. No-op when Interval is zero or the
// scheduler is already running.
func (s *Syncer) Start() {
	if s.cfg.Interval <= 0 {
		return
	}
	s.mu.Lock()
	if s.loopStarted {
		s.mu.Unlock()
		return
	}
	s.loopStarted = true
	s.mu.Unlock()
	go s.loop()
}

// Stop shuts the scheduler down and waits for the loop to exit. Safe to call
// even when Start never ran. In-flight tenant passes finish on their own
// timeouts.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	started := s.loopStarted
	s.mu.Unlock()
	if started {
		<-s.loopDone
	}
}

func (s *Syncer) loop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.SyncAll(context.Background()); err != nil {
				log.Printf("[SYNC] Scheduled pass failed: %v", err)
			}
		case <-s.stop:
			return
		}
	}
}

// SyncAll runs a pass for every tenant known to the record store. Per-tenant
// failures are isolated: they are logged, counted, and do not abort the
// remaining tenants. The returned aggregate sums all per-tenant reports.
func (s *Syncer) SyncAll(ctx context.Context) (*SyncReport, error) {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	start := time.Now()
	agg := &SyncReport{}
	for _, tenant := range tenants {
		report, err := s.SyncTenant(ctx, tenant)
		if err != nil {
			log.Printf("[SYNC] Pass failed for tenant=%s: %v", tenant, err)
			agg.Errors++
			continue
		}
		agg.Synced += report.Synced
		agg.Errors += report.Errors
	}
	agg.Duration = time.Since(start)
	log.Printf("[SYNC] Full pass complete: tenants=%d synced=%d errors=%d in %s",
		len(tenants), agg.Synced, agg.Errors, agg.Duration)
	return agg, nil
}

// SyncTenant runs one reconciliation pass for a single tenant. Per-record
// embedding failures are counted and skipped; partition-level failures abort
// the pass without touching the checkpoint's last-success timestamp.
func (s *Syncer) SyncTenant(ctx context.Context, tenant string) (*SyncReport, error) {
	if !s.begin(tenant) {
		log.Printf("[SYNC] Pass already in flight for tenant=%s, coalescing", tenant)
		return &SyncReport{Tenant: tenant, Skipped: true}, nil
	}
	defer s.end(tenant)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TenantTimeout)
	defer cancel()
	start := time.Now()

	snapshot, err := s.store.ListRecords(ctx, RecordFilter{Tenant: tenant, States: []State{StateActive}})
	if err != nil {
		return nil, fmt.Errorf("snapshot active records for tenant %s: %w", tenant, err)
	}

	// Full replace: clearing first guarantees entries for records that left
	// the active state disappear from the partition on this pass. If the
	// repopulation below fails the partition stays empty until the next
	// pass; the index is non-authoritative so no data is lost.
	if err := s.index.ClearPartition(ctx, tenant); err != nil {
		return nil, fmt.Errorf("clear partition for tenant %s: %w", tenant, err)
	}

	report := &SyncReport{Tenant: tenant}
	batch := make([]IndexEntry, 0, s.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.index.UpsertBatch(ctx, tenant, batch); err != nil {
			return fmt.Errorf("upsert batch for tenant %s: %w", tenant, err)
		}
		report.Synced += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, rec := range snapshot {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("pass for tenant %s aborted: %w", tenant, ctx.Err())
		}
		embedding, err := s.embedder.Embed(ctx, rec.Content)
		if err != nil {
			// A timeout aborts the pass like a connectivity failure; a
			// per-record provider failure is counted and skipped.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("pass for tenant %s aborted: %w", tenant, ctx.Err())
			}
			log.Printf("[SYNC] Embed failed for tenant=%s record=%s: %v", tenant, rec.ID, err)
			report.Errors++
			continue
		}
		batch = append(batch, IndexEntry{
			ID:        rec.ID,
			Embedding: embedding,
			Content:   rec.Content,
			Metadata: map[string]string{
				"tenant":     rec.Tenant,
				"app_id":     rec.AppID,
				"created_at": rec.CreatedAt.UTC().Format(time.RFC3339),
			},
		})
		if len(batch) >= s.cfg.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	report.Duration = time.Since(start)
	s.setCheckpoint(tenant, report)
	log.Printf("[SYNC] Tenant=%s synced=%d errors=%d in %s", tenant, report.Synced, report.Errors, report.Duration)
	return report, nil
}

// Checkpoint returns a copy of the tenant's last successful checkpoint, or
// nil when no pass has completed yet.
func (s *Syncer) Checkpoint(tenant string) *SyncCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[tenant]
	if !ok {
		return nil
	}
	copied := *cp
	return &copied
}

// begin claims the tenant's single-flight token.
func (s *Syncer) begin(tenant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[tenant] {
		return false
	}
	s.inflight[tenant] = true
	return true
}

func (s *Syncer) end(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, tenant)
}

func (s *Syncer) setCheckpoint(tenant string, report *SyncReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[tenant] = &SyncCheckpoint{
		Tenant:       tenant,
		LastSyncedAt: time.Now().UTC(),
		Synced:       report.Synced,
		Errors:       report.Errors,
	}
}
