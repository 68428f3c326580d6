package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RuleSource is the slice of RecordStore the evaluator needs. Kept narrow so
// tests can stub rule loading without a full store.
type RuleSource interface {
	ListAccessRules(ctx context.Context, recordIDs []string) ([]*AccessRule, error)
}

// recordRules maps app id -> effect for one record. An empty map is cached
// too, so the absence of rules does not re-hit the store.
type recordRules map[string]Effect

// Evaluator answers "can this application see this record?". The default
// policy is asymmetric: the owning application always sees its records; other
// applications of the same tenant see them unless an explicit deny rule
// exists; applications of a different tenant see them only with an explicit
// allow rule.
//
// Evaluation itself is side-effect-free and in-memory. Rules for a candidate
// set are batch-loaded in a single store call and cached briefly, so filtering
// a page of search hits costs at most one store round trip.
type Evaluator struct {
	rules RuleSource
	cache *ristretto.Cache
	ttl   time.Duration
}

// EvaluatorOption configures NewEvaluator.
type EvaluatorOption func(*Evaluator)

// WithRuleTTL overrides how long a record's rule set stays cached.
func WithRuleTTL(ttl time.Duration) EvaluatorOption {
	return func(e *Evaluator) { e.ttl = ttl }
}

// NewEvaluator creates an evaluator backed by the given rule source.
func NewEvaluator(rules RuleSource, opts ...EvaluatorOption) (*Evaluator, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create rule cache: %w", err)
	}
	e := &Evaluator{rules: rules, cache: cache, ttl: 30 * time.Second}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// IsAccessible reports whether app may see rec.
func (e *Evaluator) IsAccessible(ctx context.Context, rec *Record, app *Application) (bool, error) {
	rules, err := e.rulesFor(ctx, []string{rec.ID})
	if err != nil {
		return false, err
	}
	return decide(rec, app, rules[rec.ID]), nil
}

// FilterAccessible returns the subset of recs visible to app, preserving
// order. Rules for the whole candidate set are loaded in one call.
func (e *Evaluator) FilterAccessible(ctx context.Context, recs []*Record, app *Application) ([]*Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	rules, err := e.rulesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	accessible := make([]*Record, 0, len(recs))
	for _, rec := range recs {
		if decide(rec, app, rules[rec.ID]) {
			accessible = append(accessible, rec)
		}
	}
	return accessible, nil
}

// Invalidate drops a record's cached rule set. Called after rule writes.
func (e *Evaluator) Invalidate(recordID string) {
	e.cache.Del(recordID)
}

// Close releases the rule cache.
func (e *Evaluator) Close() {
	e.cache.Close()
}

// rulesFor returns the rule set per record id, serving from cache where
// possible and batch-loading the misses.
func (e *Evaluator) rulesFor(ctx context.Context, recordIDs []string) (map[string]recordRules, error) {
	out := make(map[string]recordRules, len(recordIDs))
	var misses []string
	for _, id := range recordIDs {
		if v, ok := e.cache.Get(id); ok {
			out[id] = v.(recordRules)
			continue
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return out, nil
	}

	loaded, err := e.rules.ListAccessRules(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("load access rules: %w", err)
	}
	byRecord := make(map[string]recordRules, len(misses))
	for _, id := range misses {
		byRecord[id] = recordRules{}
	}
	for _, rule := range loaded {
		byRecord[rule.RecordID][rule.AppID] = rule.Effect
	}
	for id, rules := range byRecord {
		out[id] = rules
		e.cache.SetWithTTL(id, rules, int64(1+len(rules)), e.ttl)
	}
	return out, nil
}

// decide applies the default policy plus overrides. rules may be nil.
func decide(rec *Record, app *Application, rules recordRules) bool {
	if rec.AppID == app.ID {
		return true
	}
	effect, overridden := rules[app.ID]
	if rec.Tenant == app.Tenant {
		return !(overridden && effect == EffectDeny)
	}
	return overridden && effect == EffectAllow
}
