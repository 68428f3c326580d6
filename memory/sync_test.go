package memory_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/openmemoryhq/openmemory-go/memory"
	"github.com/openmemoryhq/openmemory-go/memory/embedder/mock"
	"github.com/openmemoryhq/openmemory-go/memory/index/chromem"
)

func partitionIDs(t *testing.T, e *engine, tenant string) []string {
	t.Helper()
	probe, err := e.embedder.Embed(context.Background(), "probe")
	if err != nil {
		t.Fatalf("probe embed: %v", err)
	}
	hits, err := e.index.Search(context.Background(), tenant, probe, 1000)
	if err != nil {
		t.Fatalf("index search: %v", err)
	}
	ids := make([]string, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
	}
	sort.Strings(ids)
	return ids
}

func TestSyncProjectsActiveRecordsOnly(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	active := mustCreate(t, e.svc, "tenant-a", "app-1", "keep me")
	paused := mustCreate(t, e.svc, "tenant-a", "app-1", "pause me")
	if _, err := e.svc.TransitionState(ctx, paused.ID, memory.StatePaused, "tester"); err != nil {
		t.Fatalf("TransitionState: %v", err)
	}

	report := mustSync(t, e.svc, "tenant-a")
	if report.Synced != 1 || report.Errors != 0 {
		t.Fatalf("report = %+v, want 1 synced, 0 errors", report)
	}
	ids := partitionIDs(t, e, "tenant-a")
	if len(ids) != 1 || ids[0] != active.ID {
		t.Fatalf("partition = %v, want only %s", ids, active.ID)
	}
}

func TestSyncRemovesStaleEntries(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	rec := mustCreate(t, e.svc, "tenant-a", "app-1", "short lived")
	mustSync(t, e.svc, "tenant-a")

	if _, err := e.svc.TransitionState(ctx, rec.ID, memory.StateArchived, "tester"); err != nil {
		t.Fatalf("TransitionState: %v", err)
	}
	mustSync(t, e.svc, "tenant-a")

	if ids := partitionIDs(t, e, "tenant-a"); len(ids) != 0 {
		t.Fatalf("archived record still in partition: %v", ids)
	}
}

func TestSyncIdempotent(t *testing.T) {
	e := newEngine(t)

	mustCreate(t, e.svc, "tenant-a", "app-1", "alpha")
	mustCreate(t, e.svc, "tenant-a", "app-1", "beta")
	mustCreate(t, e.svc, "tenant-a", "app-1", "gamma")

	mustSync(t, e.svc, "tenant-a")
	first := partitionIDs(t, e, "tenant-a")

	mustSync(t, e.svc, "tenant-a")
	second := partitionIDs(t, e, "tenant-a")

	if len(first) != 3 {
		t.Fatalf("expected 3 entries after first pass, got %d", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("id sets differ between passes: %v vs %v", first, second)
		}
	}
}

func TestSyncIsolatesPerRecordErrors(t *testing.T) {
	e := newEngine(t)
	e.embedder.marker = "poison"

	good1 := mustCreate(t, e.svc, "tenant-a", "app-1", "healthy record one")
	mustCreate(t, e.svc, "tenant-a", "app-1", "poison pill record")
	good2 := mustCreate(t, e.svc, "tenant-a", "app-1", "healthy record two")

	report := mustSync(t, e.svc, "tenant-a")
	if report.Errors != 1 {
		t.Fatalf("report.Errors = %d, want 1", report.Errors)
	}
	if report.Synced != 2 {
		t.Fatalf("report.Synced = %d, want 2", report.Synced)
	}
	ids := partitionIDs(t, e, "tenant-a")
	want := []string{good1.ID, good2.ID}
	sort.Strings(want)
	if len(ids) != 2 || ids[0] != want[0] || ids[1] != want[1] {
		t.Fatalf("partition = %v, want %v", ids, want)
	}
}

func TestSyncAbortsWithoutCheckpointWhenIndexDown(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	mustCreate(t, e.svc, "tenant-a", "app-1", "something to sync")
	mustSync(t, e.svc, "tenant-a")

	before := e.svc.SyncCheckpoint("tenant-a")
	if before == nil {
		t.Fatal("expected a checkpoint after a successful pass")
	}

	e.index.setDown(true)
	if _, err := e.svc.TriggerSync(ctx, "tenant-a"); err == nil {
		t.Fatal("expected sync to fail with the index down")
	}

	after := e.svc.SyncCheckpoint("tenant-a")
	if after == nil || !after.LastSyncedAt.Equal(before.LastSyncedAt) {
		t.Error("failed pass must not advance the checkpoint's last-success timestamp")
	}
}

func TestSyncTenantIsolation(t *testing.T) {
	e := newEngine(t)
	e.embedder.marker = "poison"

	okRec := mustCreate(t, e.svc, "tenant-a", "app-1", "clean content")
	mustCreate(t, e.svc, "tenant-b", "app-9", "poison content")

	report := mustSync(t, e.svc, "") // all tenants
	if report.Synced != 1 || report.Errors != 1 {
		t.Fatalf("aggregate = %+v, want 1 synced / 1 error", report)
	}
	ids := partitionIDs(t, e, "tenant-a")
	if len(ids) != 1 || ids[0] != okRec.ID {
		t.Fatalf("tenant-a partition = %v, want only %s", ids, okRec.ID)
	}
}

func TestSyncSingleFlightCoalesces(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	app, err := store.EnsureApplication(ctx, "tenant-a", "app-1")
	if err != nil {
		t.Fatalf("EnsureApplication: %v", err)
	}
	rec := &memory.Record{
		ID: "r1", Tenant: "tenant-a", AppID: app.ID, Content: "slow record",
		State: memory.StateActive, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := store.CreateRecord(ctx, rec, "app-1"); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	gate := newGateEmbedder(mock.New(64))
	syncer := memory.NewSyncer(store, chromem.New(), gate, memory.SyncConfig{BatchSize: 10})

	done := make(chan *memory.SyncReport, 1)
	go func() {
		report, err := syncer.SyncTenant(ctx, "tenant-a")
		if err != nil {
			t.Errorf("first pass failed: %v", err)
		}
		done <- report
	}()

	<-gate.entered // first pass is now mid-flight

	coalesced, err := syncer.SyncTenant(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("concurrent trigger: %v", err)
	}
	if !coalesced.Skipped {
		t.Error("concurrent trigger should coalesce into a skipped no-op")
	}

	close(gate.release)
	first := <-done
	if first.Skipped || first.Synced != 1 {
		t.Fatalf("first pass report = %+v, want 1 synced", first)
	}
}

func TestSyncerStopWithoutStart(t *testing.T) {
	store := newStore(t)
	syncer := memory.NewSyncer(store, chromem.New(), mock.New(64), memory.SyncConfig{BatchSize: 10})

	done := make(chan struct{})
	go func() {
		syncer.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked even though the scheduler never ran")
	}
}

func TestSyncTenantTimeout(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	app, err := store.EnsureApplication(ctx, "tenant-a", "app-1")
	if err != nil {
		t.Fatalf("EnsureApplication: %v", err)
	}
	rec := &memory.Record{
		ID: "r1", Tenant: "tenant-a", AppID: app.ID, Content: "never embeds",
		State: memory.StateActive, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := store.CreateRecord(ctx, rec, "app-1"); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	gate := newGateEmbedder(mock.New(64)) // never released
	syncer := memory.NewSyncer(store, chromem.New(), gate, memory.SyncConfig{
		BatchSize:     10,
		TenantTimeout: 50 * time.Millisecond,
	})

	if _, err := syncer.SyncTenant(ctx, "tenant-a"); err == nil {
		t.Fatal("expected the pass to abort on tenant timeout")
	}
	if cp := syncer.Checkpoint("tenant-a"); cp != nil {
		t.Error("aborted pass must not write a checkpoint")
	}
}
