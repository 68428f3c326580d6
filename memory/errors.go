package memory

import "errors"

// Error taxonomy for the engine. Callers branch with errors.Is; concrete
// backends wrap these sentinels with operation context.
var (
	// ErrNotFound means the record or application does not exist. Access
	// denials on single-record reads surface as ErrNotFound too, so an
	// inaccessible record is indistinguishable from an absent one.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition means the requested lifecycle move is not allowed.
	// No history entry is produced.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAccessDenied is the evaluator's internal verdict. It never reaches
	// callers of the public surface; see ErrNotFound.
	ErrAccessDenied = errors.New("access denied")

	// ErrAppPaused means the owning application is paused and rejects new
	// records.
	ErrAppPaused = errors.New("application is paused")

	// ErrIndexUnavailable means the search index cannot be reached. It
	// triggers the degraded query path and is not a user-visible failure.
	ErrIndexUnavailable = errors.New("search index unavailable")

	// ErrProviderUnavailable means an external capability (embedding,
	// categorization) cannot be reached.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrRateLimited means an external capability rejected the call due to
	// rate limiting. Sync counts the affected record as an error and moves on.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrStoreUnavailable means the record store cannot serve the operation.
	// Fatal for the current operation only; retryable by the caller.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrConflict means an optimistic-concurrency write lost to a concurrent
	// committer. Retryable after re-reading the record.
	ErrConflict = errors.New("concurrent modification")
)
