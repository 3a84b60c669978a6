package usecase_test

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// fakeLLM answers classification prompts from a subject -> result script.
type fakeLLM struct {
	mu      sync.Mutex
	calls   int
	results map[string]string // subject substring -> single-result JSON
	err     error
}

func (f *fakeLLM) Model() string { return "test-model" }

func (f *fakeLLM) ChatJSON(_ domain.Context, _, userPrompt string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	for needle, resp := range f.results {
		if strings.Contains(userPrompt, needle) {
			return resp, nil
		}
	}
	return `{"class":"promotional_marketing","confidence":0.9,"reasoning":"default","company":"Unknown","job_title":"","seniority":""}`, nil
}

func classificationJSON(class string, confidence float64, company, title string) string {
	b, _ := json.Marshal(map[string]any{
		"class": class, "confidence": confidence, "reasoning": "scripted",
		"company": company, "job_title": title, "seniority": "",
	})
	return string(b)
}

// fakeStore is an in-memory IngestWriter with savepoint staging.
type fakeStore struct {
	mu          sync.Mutex
	apps        map[string]domain.Application // userID:sourceMessageID
	logs        []domain.EmailLog
	cacheRows   map[string]domain.ClassificationCacheRow // userID:hash
	recent      []domain.CompanyTitle
	cursorSaves []cursorSave
	commits     int
	// contentionInserts fails this many application inserts with
	// ErrContention before succeeding.
	contentionInserts int
}

type cursorSave struct {
	Cursor   string
	FullSync bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		apps:      make(map[string]domain.Application),
		cacheRows: make(map[string]domain.ClassificationCacheRow),
	}
}

func appKey(userID int64, msgID string) string { return fmt.Sprintf("%d:%s", userID, msgID) }

func (s *fakeStore) Begin(domain.Context) (domain.IngestTx, error) {
	return &fakeTx{fakeOps: fakeOps{s: s}, s: s}, nil
}

func (s *fakeStore) createdApps() []domain.Application {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Application, 0, len(s.apps))
	for _, a := range s.apps {
		out = append(out, a)
	}
	return out
}

// fakeOps implements the reads and direct writes shared by tx and savepoint.
type fakeOps struct{ s *fakeStore }

func (o fakeOps) ApplicationExists(_ domain.Context, userID int64, msgID string) (bool, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	_, ok := o.s.apps[appKey(userID, msgID)]
	return ok, nil
}

func (o fakeOps) InsertApplication(_ domain.Context, app *domain.Application) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if o.s.contentionInserts > 0 {
		o.s.contentionInserts--
		return fmt.Errorf("op=fake.insert: %w", domain.ErrContention)
	}
	key := appKey(app.UserID, app.SourceMessageID)
	if _, exists := o.s.apps[key]; exists {
		return fmt.Errorf("op=fake.insert: %w", domain.ErrConflict)
	}
	app.ID = int64(len(o.s.apps) + 1)
	o.s.apps[key] = *app
	return nil
}

func (o fakeOps) InsertEmailLog(_ domain.Context, log domain.EmailLog) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	o.s.logs = append(o.s.logs, log)
	return nil
}

func (o fakeOps) UpsertClassificationCache(_ domain.Context, row domain.ClassificationCacheRow) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	o.s.cacheRows[appKey(row.UserID, row.ContentHash)] = row
	return nil
}

func (o fakeOps) RecentApplicationPairs(_ domain.Context, _ int64, _ time.Time) ([]domain.CompanyTitle, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	return append([]domain.CompanyTitle(nil), o.s.recent...), nil
}

func (o fakeOps) SaveSyncCursor(_ domain.Context, _ int64, cursor string, fullSync bool, _ time.Time) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	o.s.cursorSaves = append(o.s.cursorSaves, cursorSave{Cursor: cursor, FullSync: fullSync})
	return nil
}

type fakeTx struct {
	fakeOps
	s *fakeStore
}

func (t *fakeTx) Savepoint(domain.Context) (domain.IngestSavepoint, error) {
	return &fakeSavepoint{fakeOps: fakeOps{s: t.s}}, nil
}

func (t *fakeTx) Commit(domain.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.commits++
	return nil
}

func (t *fakeTx) Rollback(domain.Context) error { return nil }

// fakeSavepoint applies writes immediately; Rollback is a no-op because the
// loop only rolls back after a failed write, which the fake never staged.
type fakeSavepoint struct {
	fakeOps
}

func (sp *fakeSavepoint) Release(domain.Context) error  { return nil }
func (sp *fakeSavepoint) Rollback(domain.Context) error { return nil }

// fakeCacheRepo is an in-memory L2 tier.
type fakeCacheRepo struct {
	mu   sync.Mutex
	rows map[string]domain.ClassificationCacheRow
}

func newFakeCacheRepo() *fakeCacheRepo {
	return &fakeCacheRepo{rows: make(map[string]domain.ClassificationCacheRow)}
}

func (r *fakeCacheRepo) Get(_ domain.Context, userID int64, hash string) (domain.ClassificationCacheRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[appKey(userID, hash)]
	if !ok {
		return domain.ClassificationCacheRow{}, fmt.Errorf("op=fake.cache_get: %w", domain.ErrNotFound)
	}
	return row, nil
}

func (r *fakeCacheRepo) Upsert(_ domain.Context, row domain.ClassificationCacheRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[appKey(row.UserID, row.ContentHash)] = row
	return nil
}

// fakeL1 is an in-memory L1 tier.
type fakeL1 struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeL1() *fakeL1 { return &fakeL1{data: make(map[string][]byte)} }

func (c *fakeL1) Get(_ domain.Context, userID int64, hash string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[appKey(userID, hash)]
	return b, ok
}

func (c *fakeL1) Set(_ domain.Context, userID int64, hash string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[appKey(userID, hash)] = payload
}

func (c *fakeL1) Delete(_ domain.Context, userID int64, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, appKey(userID, hash))
}

// fakeSyncRepo is an in-memory SyncStateRepository.
type fakeSyncRepo struct {
	mu     sync.Mutex
	states map[int64]domain.SyncState
}

func newFakeSyncRepo() *fakeSyncRepo {
	return &fakeSyncRepo{states: make(map[int64]domain.SyncState)}
}

func (r *fakeSyncRepo) Get(_ domain.Context, userID int64) (domain.SyncState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[userID]
	if !ok {
		return domain.SyncState{UserID: userID, Status: domain.SyncIdle}, nil
	}
	return st, nil
}

func (r *fakeSyncRepo) BeginRun(_ domain.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[userID]
	if st.Status == domain.SyncRunning {
		return domain.ErrAlreadyRunning
	}
	st.UserID = userID
	st.Status = domain.SyncRunning
	st.Processed, st.Total, st.Created, st.Skipped, st.Errors = 0, 0, 0, 0, 0
	st.Message, st.Error = "", ""
	r.states[userID] = st
	return nil
}

func (r *fakeSyncRepo) UpdateProgress(_ domain.Context, userID int64, processed, total int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[userID]
	st.Processed, st.Total, st.Message = processed, total, message
	r.states[userID] = st
	return nil
}

func (r *fakeSyncRepo) Finish(_ domain.Context, userID int64, final domain.SyncState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[userID]
	st.Status = domain.SyncIdle
	st.Processed, st.Total = final.Processed, final.Total
	st.Created, st.Skipped, st.Errors = final.Created, final.Skipped, final.Errors
	st.Message, st.Error = final.Message, ""
	st.LastSyncedAt = final.LastSyncedAt
	if final.LastFullSyncAt != nil {
		st.LastFullSyncAt = final.LastFullSyncAt
	}
	if final.HistoryCursor != "" {
		st.HistoryCursor = final.HistoryCursor
	}
	r.states[userID] = st
	return nil
}

func (r *fakeSyncRepo) SetError(_ domain.Context, userID int64, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[userID]
	st.Status = domain.SyncError
	st.Error = errMsg
	r.states[userID] = st
	return nil
}

func (r *fakeSyncRepo) setCursor(userID int64, cursor string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[userID]
	st.UserID = userID
	st.HistoryCursor = cursor
	r.states[userID] = st
}

// fakeAppsRepo covers the coordinator's count check and the reprocess reads.
type fakeAppsRepo struct {
	mu   sync.Mutex
	apps []domain.Application
}

func (r *fakeAppsRepo) CountByUser(_ domain.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, a := range r.apps {
		if a.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r *fakeAppsRepo) ListByUser(_ domain.Context, userID int64, offset, limit int) ([]domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var mine []domain.Application
	for _, a := range r.apps {
		if a.UserID == userID {
			mine = append(mine, a)
		}
	}
	if offset >= len(mine) {
		return nil, nil
	}
	end := offset + limit
	if end > len(mine) {
		end = len(mine)
	}
	return mine[offset:end], nil
}

func (r *fakeAppsRepo) Get(_ domain.Context, _ int64, id int64) (domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.apps {
		if a.ID == id {
			return a, nil
		}
	}
	return domain.Application{}, domain.ErrNotFound
}

func (r *fakeAppsRepo) Update(_ domain.Context, app domain.Application) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range r.apps {
		if a.ID == app.ID {
			r.apps[i] = app
			return nil
		}
	}
	return domain.ErrNotFound
}

// fakeVault satisfies TokenVault with an in-memory blob map.
type fakeVault struct {
	mu    sync.Mutex
	blobs map[int64][]byte
}

func newFakeVault(userIDs ...int64) *fakeVault {
	v := &fakeVault{blobs: make(map[int64][]byte)}
	for _, id := range userIDs {
		v.blobs[id] = []byte(`{"access_token":"t"}`)
	}
	return v
}

func (v *fakeVault) Put(_ domain.Context, userID int64, blob []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.blobs[userID] = blob
	return nil
}

func (v *fakeVault) Get(_ domain.Context, userID int64) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	blob, ok := v.blobs[userID]
	if !ok {
		return nil, domain.ErrAuthRequired
	}
	return blob, nil
}

func (v *fakeVault) Delete(_ domain.Context, userID int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.blobs, userID)
	return nil
}

// fakeMailbox scripts the provider for coordinator tests. Safe for
// concurrent use so one instance can back every fetch worker.
type fakeMailbox struct {
	mu            sync.Mutex
	listQueries   []string
	historyCalls  int
	profileCalls  int
	cursorTooOld  bool
	deltaAdded    []string
	msgs          map[string]domain.EmailMessage
	profileCursor string
}

func (m *fakeMailbox) Profile(domain.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profileCalls++
	return m.profileCursor, nil
}

func (m *fakeMailbox) ListMessages(_ domain.Context, query, pageToken string, _ int) ([]string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listQueries = append(m.listQueries, query)
	if pageToken != "" {
		return nil, "", nil
	}
	ids := make([]string, 0, len(m.msgs))
	for id := range m.msgs {
		ids = append(ids, id)
	}
	return ids, "", nil
}

func (m *fakeMailbox) GetMessage(_ domain.Context, id string) (domain.EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok {
		return domain.EmailMessage{}, domain.ErrNotFound
	}
	return msg, nil
}

func (m *fakeMailbox) ListHistory(_ domain.Context, _, _ string, _ int) (domain.HistoryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyCalls++
	if m.cursorTooOld {
		return domain.HistoryPage{}, fmt.Errorf("op=fake.history: %w", domain.ErrCursorTooOld)
	}
	return domain.HistoryPage{AddedIDs: m.deltaAdded, NewCursor: "h-new"}, nil
}
