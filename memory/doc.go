// Package memory implements the dual-store consistency engine that keeps a
// relational record store (the source of truth) and a derived vector search
// index synchronized.
//
// The record store owns every record, its lifecycle state, and its audit
// trails. The search index holds a rebuildable projection of active records
// only, partitioned per tenant, and is never authoritative: it can be wiped
// and repopulated from the record store at any time.
//
// Architecture:
//   - RecordStore: durable relational storage (sqlite implementation in store/sqlite)
//   - SearchIndex: per-tenant vector partitions (chromem implementation in index/chromem)
//   - Embedder: text-to-vector conversion (openai for production, mock for tests)
//   - Categorizer: optional text labeling (anthropic implementation)
//   - Evaluator: per-record access control with batched rule loading
//   - Router: query dispatch with a degraded keyword fallback when the index is down
//   - Syncer: scheduled and on-demand record-store-to-index reconciliation
//   - Service: the public surface tying the above together
//
// Reads always pass through the Evaluator before results are returned, on
// both the semantic and the degraded path. Writes land in the record store
// first and reach the index asynchronously on the next sync pass, so callers
// must tolerate a bounded staleness window.
package memory
