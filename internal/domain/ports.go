package domain

import "time"

// Repositories (ports)

// UserRepository manages principals.
type UserRepository interface {
	Create(ctx Context, u User) (int64, error)
	GetByID(ctx Context, id int64) (User, error)
	GetByEmail(ctx Context, email string) (User, error)
	// UpsertByGoogleID links or creates a user for a third-party sign-in.
	UpsertByGoogleID(ctx Context, googleID, email string) (User, error)
}

// ApplicationRepository reads applications outside the ingestion transaction.
// New inserts happen only through the ingestion loop's IngestTx.
type ApplicationRepository interface {
	CountByUser(ctx Context, userID int64) (int64, error)
	ListByUser(ctx Context, userID int64, offset, limit int) ([]Application, error)
	Get(ctx Context, userID, id int64) (Application, error)
	// Update persists a reclassification over an existing application.
	Update(ctx Context, app Application) error
}

// SyncStateRepository owns the one-row-per-user sync state.
type SyncStateRepository interface {
	Get(ctx Context, userID int64) (SyncState, error)
	// BeginRun transitions idle/error -> syncing, clearing counters and the
	// previous error. Returns ErrAlreadyRunning when status is syncing.
	BeginRun(ctx Context, userID int64) error
	UpdateProgress(ctx Context, userID int64, processed, total int, message string) error
	// Finish transitions syncing -> idle with final counters and timestamps.
	Finish(ctx Context, userID int64, st SyncState) error
	SetError(ctx Context, userID int64, errMsg string) error
}

// ReprocessStateRepository mirrors SyncStateRepository for reclassification runs.
type ReprocessStateRepository interface {
	Get(ctx Context, userID int64) (ReprocessState, error)
	BeginRun(ctx Context, userID int64) error
	UpdateProgress(ctx Context, userID int64, processed, total, updated, errs int, message string) error
	Finish(ctx Context, userID int64, st ReprocessState) error
	SetError(ctx Context, userID int64, errMsg string) error
}

// ClassificationCacheRepository is the durable (L2) cache tier.
type ClassificationCacheRepository interface {
	Get(ctx Context, userID int64, contentHash string) (ClassificationCacheRow, error)
	// Upsert overwrites the row for (userID, contentHash), inserting when
	// absent. Insert races resolve to update-in-place.
	Upsert(ctx Context, row ClassificationCacheRow) error
}

// ClassificationL1Cache is the optional fast tier. Implementations must be
// best-effort: availability failures degrade performance, never correctness.
type ClassificationL1Cache interface {
	Get(ctx Context, userID int64, contentHash string) ([]byte, bool)
	Set(ctx Context, userID int64, contentHash string, payload []byte)
	Delete(ctx Context, userID int64, contentHash string)
}

// OAuthStateRepository stores short-lived single-use CSRF state tokens.
type OAuthStateRepository interface {
	Put(ctx Context, st OAuthState) error
	// Consume validates TTL, deletes the row, and returns the state.
	// Unknown or expired tokens return ErrNotFound.
	Consume(ctx Context, token string) (OAuthState, error)
}

// Token vault (port)

// TokenVault stores one opaque credential blob per user. Written only by the
// OAuth callback; read by the fetcher.
type TokenVault interface {
	Put(ctx Context, userID int64, blob []byte) error
	// Get returns the blob, refreshing it first when expired and refreshable.
	// A missing blob or failed refresh returns ErrAuthRequired.
	Get(ctx Context, userID int64) ([]byte, error)
	Delete(ctx Context, userID int64) error
}

// Mailbox provider (ports)

// HistoryPage is one page of the provider history listing.
type HistoryPage struct {
	AddedIDs      []string
	DeletedIDs    []string
	NewCursor     string
	NextPageToken string
}

// MailboxClient is a single-threaded handle to the mailbox provider. The
// underlying SDKs are not safe for concurrent use; parallel fetches must
// construct one client per worker via MailboxClientFactory.
type MailboxClient interface {
	// Profile returns the user's current history cursor.
	Profile(ctx Context) (string, error)
	// ListMessages lists message ids matching query, paginated.
	ListMessages(ctx Context, query, pageToken string, pageSize int) (ids []string, nextToken string, err error)
	// GetMessage fetches one full message, decoded to its parts.
	GetMessage(ctx Context, id string) (EmailMessage, error)
	// ListHistory walks the delta log from startCursor. Returns
	// ErrCursorTooOld when the provider rejects the cursor.
	ListHistory(ctx Context, startCursor, pageToken string, pageSize int) (HistoryPage, error)
}

// MailboxClientFactory builds an authorized client for a user. Called once
// per fetch worker.
type MailboxClientFactory func(ctx Context, userID int64) (MailboxClient, error)

// LLM provider (port)

// LLMClient abstracts the chat-completion endpoint used for classification.
type LLMClient interface {
	// ChatJSON requests a strict-JSON completion and returns the raw content.
	ChatJSON(ctx Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
	// Model returns the configured model identifier, recorded on each
	// application as processed_by.
	Model() string
}

// Ingestion storage (ports)

// CompanyTitle is one (company, title) pair for the in-memory duplicate map.
type CompanyTitle struct {
	Company string
	Title   string
}

// IngestOps are the writes and reads available inside an open ingestion
// transaction or savepoint.
type IngestOps interface {
	ApplicationExists(ctx Context, userID int64, sourceMessageID string) (bool, error)
	InsertApplication(ctx Context, app *Application) error
	InsertEmailLog(ctx Context, log EmailLog) error
	UpsertClassificationCache(ctx Context, row ClassificationCacheRow) error
	RecentApplicationPairs(ctx Context, userID int64, since time.Time) ([]CompanyTitle, error)
	SaveSyncCursor(ctx Context, userID int64, cursor string, fullSync bool, at time.Time) error
}

// IngestSavepoint is a nested transaction scope. Release commits the
// savepoint; Rollback abandons it without aborting the outer transaction.
type IngestSavepoint interface {
	IngestOps
	Release(ctx Context) error
	Rollback(ctx Context) error
}

// IngestTx is the outer ingestion transaction held by the single writer.
type IngestTx interface {
	IngestOps
	Savepoint(ctx Context) (IngestSavepoint, error)
	Commit(ctx Context) error
	Rollback(ctx Context) error
}

// IngestWriter opens ingestion transactions. The storage session is owned by
// the writer goroutine and never shared with classification workers.
type IngestWriter interface {
	Begin(ctx Context) (IngestTx, error)
}
