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

// Mode identifies which backend served a query. Callers are always told;
// degradation is never silent.
type Mode string

const (
	// ModeSemantic means the search index served the query in relevance order.
	ModeSemantic Mode = "semantic"
	// ModeKeyword means the index was unavailable and the record store served
	// a substring match in recency order.
	ModeKeyword Mode = "keyword"
)

// Result is one record summary in a query response.
type Result struct {
	ID        string
	Content   string
	Metadata  map[string]any
	Score     float32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Results is an ordered query response plus the mode flag.
type Results struct {
	Mode  Mode
	Items []Result
}

// Router dispatches queries to the search index and falls back to a degraded
// substring search against the record store when the index (or the query
// embedding) is unavailable. Both paths apply the same access-control filter
// and append access-log entries best-effort off the request path.
type Router struct {
	store    RecordStore
	index    SearchIndex
	embedder Embedder
	eval     *Evaluator

	defaultLimit int
	logWG        sync.WaitGroup
}

// NewRouter wires a query router.
func NewRouter(store RecordStore, index SearchIndex, embedder Embedder, eval *Evaluator, defaultLimit int) *Router {
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	return &Router{store: store, index: index, embedder: embedder, eval: eval, defaultLimit: defaultLimit}
}

// Query runs a search for the tenant on behalf of app. The semantic path is
// tried first; any embedding or index failure degrades to the keyword path
// rather than failing the query. Record-store failures propagate.
func (r *Router) Query(ctx context.Context, tenant string, app *Application, text string, limit int) (*Results, error) {
	if limit <= 0 {
		limit = r.defaultLimit
	}

	items, err := r.semantic(ctx, tenant, app, text, limit)
	if err == nil {
		r.logAccess(app, itemIDs(items), "search", text)
		return &Results{Mode: ModeSemantic, Items: items}, nil
	}
	var degrade *degradeError
	if !errors.As(err, &degrade) {
		return nil, err
	}
	log.Printf("[ROUTER] Semantic path unavailable for tenant=%s, degrading to keyword search: %v", tenant, degrade.cause)

	items, err = r.keyword(ctx, tenant, app, text, limit)
	if err != nil {
		return nil, err
	}
	r.logAccess(app, itemIDs(items), "search", text)
	return &Results{Mode: ModeKeyword, Items: items}, nil
}

// List returns the tenant's active records visible to app, most recent first.
// Like Query it suppresses paused-app records, applies the access filter, and
// appends access-log entries off the request path.
func (r *Router) List(ctx context.Context, tenant string, app *Application) ([]Result, error) {
	recs, err := r.store.ListRecords(ctx, RecordFilter{Tenant: tenant, States: []State{StateActive}})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	recs, err = r.dropPausedApps(ctx, recs)
	if err != nil {
		return nil, err
	}
	accessible, err := r.eval.FilterAccessible(ctx, recs, app)
	if err != nil {
		return nil, err
	}
	items := make([]Result, 0, len(accessible))
	for _, rec := range accessible {
		items = append(items, toResult(rec, 0))
	}
	r.logAccess(app, itemIDs(items), "list", "")
	return items, nil
}

// Wait blocks until every in-flight access-log append has finished. Used on
// shutdown and in tests; queries never wait on it.
func (r *Router) Wait() {
	r.logWG.Wait()
}

// degradeError marks failures that should trigger the keyword fallback
// instead of failing the query.
type degradeError struct{ cause error }

func (e *degradeError) Error() string { return "degradable: " + e.cause.Error() }
func (e *degradeError) Unwrap() error { return e.cause }

// semantic runs the primary path: embed the query, search the tenant's index
// partition, hydrate hits from the record store, and filter. Hydration drops
// records that are no longer active (stale index entries after a missed sync)
// and records whose owning application is paused.
func (r *Router) semantic(ctx context.Context, tenant string, app *Application, text string, limit int) ([]Result, error) {
	embedding, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, &degradeError{cause: fmt.Errorf("embed query: %w", err)}
	}

	hits, err := r.index.Search(ctx, tenant, embedding, limit)
	if err != nil {
		return nil, &degradeError{cause: fmt.Errorf("index search: %w", err)}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
	}
	recs, err := r.store.GetRecords(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate search hits: %w", err)
	}
	byID := make(map[string]*Record, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
	}

	// Preserve the index's relevance order while dropping stale hits.
	ordered := make([]*Record, 0, len(hits))
	scores := make(map[string]float32, len(hits))
	for _, hit := range hits {
		rec, ok := byID[hit.ID]
		if !ok || rec.State != StateActive || rec.Tenant != tenant {
			continue
		}
		ordered = append(ordered, rec)
		scores[rec.ID] = hit.Similarity
	}

	ordered, err = r.dropPausedApps(ctx, ordered)
	if err != nil {
		return nil, err
	}
	accessible, err := r.eval.FilterAccessible(ctx, ordered, app)
	if err != nil {
		return nil, err
	}

	items := make([]Result, 0, len(accessible))
	for _, rec := range accessible {
		items = append(items, toResult(rec, scores[rec.ID]))
	}
	return items, nil
}

// keyword runs the degraded path: case-insensitive substring match over
// active records, most recent first. No relevance score exists, so scores are
// zero.
func (r *Router) keyword(ctx context.Context, tenant string, app *Application, text string, limit int) ([]Result, error) {
	recs, err := r.store.SearchContent(ctx, tenant, text, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	recs, err = r.dropPausedApps(ctx, recs)
	if err != nil {
		return nil, err
	}
	accessible, err := r.eval.FilterAccessible(ctx, recs, app)
	if err != nil {
		return nil, err
	}
	items := make([]Result, 0, len(accessible))
	for _, rec := range accessible {
		items = append(items, toResult(rec, 0))
	}
	return items, nil
}

// dropPausedApps removes records whose owning application is paused,
// preserving order. Owning apps for the candidate set are loaded in one call.
func (r *Router) dropPausedApps(ctx context.Context, recs []*Record) ([]*Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, 4)
	var appIDs []string
	for _, rec := range recs {
		if !seen[rec.AppID] {
			seen[rec.AppID] = true
			appIDs = append(appIDs, rec.AppID)
		}
	}
	apps, err := r.store.GetApplications(ctx, appIDs)
	if err != nil {
		return nil, fmt.Errorf("load owning apps: %w", err)
	}
	active := make(map[string]bool, len(apps))
	for _, a := range apps {
		active[a.ID] = a.IsActive
	}
	kept := recs[:0]
	for _, rec := range recs {
		if active[rec.AppID] {
			kept = append(kept, rec)
		}
	}
	return kept, nil
}

// logAccess appends one access-log entry per touched record in the
// background. A logging failure never fails the calling operation.
func (r *Router) logAccess(app *Application, recordIDs []string, accessType, query string) {
	if len(recordIDs) == 0 {
		return
	}
	meta := map[string]string{}
	if query != "" {
		meta["query"] = query
	}
	now := time.Now().UTC()
	entries := make([]*AccessLogEntry, len(recordIDs))
	for i, id := range recordIDs {
		entries[i] = &AccessLogEntry{
			ID:         uuid.New().String(),
			RecordID:   id,
			AppID:      app.ID,
			AccessType: accessType,
			Metadata:   meta,
			AccessedAt: now,
		}
	}
	r.logWG.Add(1)
	go func() {
		defer r.logWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.AppendAccessLogs(ctx, entries); err != nil {
			log.Printf("[ROUTER] Access log append failed for app=%s: %v", app.ID, err)
		}
	}()
}

func itemIDs(items []Result) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func toResult(rec *Record, score float32) Result {
	return Result{
		ID:        rec.ID,
		Content:   rec.Content,
		Metadata:  rec.Metadata,
		Score:     score,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}
