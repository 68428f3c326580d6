package memory_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/openmemoryhq/openmemory-go/memory"
	"github.com/openmemoryhq/openmemory-go/memory/embedder/mock"
	"github.com/openmemoryhq/openmemory-go/memory/index/chromem"
	"github.com/openmemoryhq/openmemory-go/memory/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// failingIndex wraps a real index and simulates connectivity loss on demand.
type failingIndex struct {
	inner memory.SearchIndex

	mu   sync.Mutex
	down bool
}

func (f *failingIndex) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *failingIndex) unavailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *failingIndex) ClearPartition(ctx context.Context, tenant string) error {
	if f.unavailable() {
		return memory.ErrIndexUnavailable
	}
	return f.inner.ClearPartition(ctx, tenant)
}

func (f *failingIndex) UpsertBatch(ctx context.Context, tenant string, entries []memory.IndexEntry) error {
	if f.unavailable() {
		return memory.ErrIndexUnavailable
	}
	return f.inner.UpsertBatch(ctx, tenant, entries)
}

func (f *failingIndex) Search(ctx context.Context, tenant string, embedding []float32, limit int) ([]memory.IndexHit, error) {
	if f.unavailable() {
		return nil, memory.ErrIndexUnavailable
	}
	return f.inner.Search(ctx, tenant, embedding, limit)
}

// flakyEmbedder fails with ErrRateLimited for content containing a marker
// substring and otherwise delegates to the mock embedder.
type flakyEmbedder struct {
	inner  memory.Embedder
	marker string
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.marker != "" && strings.Contains(text, f.marker) {
		return nil, memory.ErrRateLimited
	}
	return f.inner.Embed(ctx, text)
}

func (f *flakyEmbedder) Dimensions() int { return f.inner.Dimensions() }

// gateEmbedder blocks inside Embed until released; used to hold a sync pass
// in flight deterministically.
type gateEmbedder struct {
	inner   memory.Embedder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateEmbedder(inner memory.Embedder) *gateEmbedder {
	return &gateEmbedder{
		inner:   inner,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gateEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.Embed(ctx, text)
}

func (g *gateEmbedder) Dimensions() int { return g.inner.Dimensions() }

// engine bundles the wired components most tests need.
type engine struct {
	store    *sqlite.Store
	index    *failingIndex
	embedder *flakyEmbedder
	svc      *memory.Service
}

func newEngine(t *testing.T, opts ...memory.ServiceOption) *engine {
	t.Helper()
	store := newStore(t)
	index := &failingIndex{inner: chromem.New()}
	embedder := &flakyEmbedder{inner: mock.New(64)}

	opts = append([]memory.ServiceOption{
		memory.WithSyncConfig(memory.SyncConfig{Interval: 0, BatchSize: 10}),
	}, opts...)
	svc, err := memory.NewService(store, index, embedder, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Close)
	return &engine{store: store, index: index, embedder: embedder, svc: svc}
}

func mustCreate(t *testing.T, svc *memory.Service, tenant, app, content string) *memory.Record {
	t.Helper()
	rec, err := svc.CreateRecord(context.Background(), tenant, app, content, nil)
	if err != nil {
		t.Fatalf("CreateRecord(%q): %v", content, err)
	}
	return rec
}

func mustSync(t *testing.T, svc *memory.Service, tenant string) *memory.SyncReport {
	t.Helper()
	report, err := svc.TriggerSync(context.Background(), tenant)
	if err != nil {
		t.Fatalf("TriggerSync(%s): %v", tenant, err)
	}
	return report
}

func resultIDs(res *memory.Results) []string {
	ids := make([]string, len(res.Items))
	for i, item := range res.Items {
		ids[i] = item.ID
	}
	return ids
}

func containsID(res *memory.Results, id string) bool {
	for _, item := range res.Items {
		if item.ID == id {
			return true
		}
	}
	return false
}
