// Package chromem implements memory.SearchIndex on chromem-go, a pure Go
// embedded vector database. One chromem collection backs one tenant
// partition.
package chromem

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/openmemoryhq/openmemory-go/memory"
)

// Index is the chromem-backed search index.
type Index struct {
	db *chromem.DB
	mu sync.Mutex // serializes partition create/drop
}

// Compile-time interface check.
var _ memory.SearchIndex = (*Index)(nil)

// New creates an in-memory index. Contents are lost on restart; the sync
// engine rebuilds them from the record store.
func New() *Index {
	return &Index{db: chromem.NewDB()}
}

// NewPersistent creates an index persisted under path.
func NewPersistent(path string, compress bool) (*Index, error) {
	db, err := chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	return &Index{db: db}, nil
}

func collectionName(tenant string) string {
	if tenant == "" {
		return "global"
	}
	return "tenant_" + tenant
}

// ClearPartition drops the tenant's collection. Clearing an absent partition
// is a no-op.
func (i *Index) ClearPartition(ctx context.Context, tenant string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	name := collectionName(tenant)
	if err := i.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	log.Printf("[CHROMEM] Cleared partition for tenant=%s", tenant)
	return nil
}

// UpsertBatch inserts or replaces entries in the tenant's partition. Entries
// must carry embeddings; chromem never computes them here.
func (i *Index) UpsertBatch(ctx context.Context, tenant string, entries []memory.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	col, err := i.collection(tenant)
	if err != nil {
		return err
	}
	docs := make([]chromem.Document, len(entries))
	for n, e := range entries {
		docs[n] = chromem.Document{
			ID:        e.ID,
			Content:   e.Content,
			Embedding: e.Embedding,
			Metadata:  e.Metadata,
		}
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add documents to %s: %w", collectionName(tenant), err)
	}
	return nil
}

// Search returns up to limit hits ranked by cosine similarity. An absent or
// empty partition yields no hits, not an error.
func (i *Index) Search(ctx context.Context, tenant string, embedding []float32, limit int) ([]memory.IndexHit, error) {
	col := i.db.GetCollection(collectionName(tenant), nil)
	if col == nil {
		return nil, nil
	}
	// chromem requires nResults <= collection size.
	if count := col.Count(); count < limit {
		limit = count
	}
	if limit <= 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, embedding, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", collectionName(tenant), err)
	}
	hits := make([]memory.IndexHit, len(results))
	for n, res := range results {
		hits[n] = memory.IndexHit{ID: res.ID, Similarity: res.Similarity}
	}
	return hits, nil
}

// collection returns the tenant's collection, creating it on first use.
func (i *Index) collection(tenant string) (*chromem.Collection, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	// Embeddings are always supplied by the caller, so no embedding func is
	// registered.
	col, err := i.db.GetOrCreateCollection(collectionName(tenant), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get or create collection %s: %w", collectionName(tenant), err)
	}
	return col, nil
}
