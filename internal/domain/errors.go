package domain

import "errors"

// Error taxonomy (sentinels). Adapters wrap storage and provider errors with
// these so the pipeline can branch on kind without knowing the engine.
var (
	// ErrAuthRequired: missing or expired credential with no refresh path.
	// Non-retryable from the pipeline; surfaced as a reauthorize action.
	ErrAuthRequired = errors.New("authorization required")
	// ErrAlreadyRunning: a sync is in progress for this user.
	ErrAlreadyRunning = errors.New("sync already running")
	// ErrTransientProvider: 429/5xx or TLS/OS blips; retried with backoff.
	ErrTransientProvider = errors.New("transient provider error")
	// ErrCursorTooOld: the provider no longer honors the history cursor.
	ErrCursorTooOld = errors.New("history cursor too old")
	// ErrMalformed: un-decodable message or invalid LLM JSON. Counted per
	// message; never aborts a sync.
	ErrMalformed = errors.New("malformed input")
	// ErrContention: storage busy/locked; retried at commit boundaries.
	ErrContention = errors.New("storage contention")
	// ErrConflict: unique-index violation (duplicate insert race).
	ErrConflict = errors.New("conflict")
	// ErrNotFound: entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConfig: missing required configuration; returned synchronously.
	ErrConfig = errors.New("invalid configuration")
	// ErrInvalidArgument: caller passed bad input.
	ErrInvalidArgument = errors.New("invalid argument")
)
