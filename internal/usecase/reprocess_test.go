package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobmail-tracker/internal/classify"
	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
	"github.com/fairyhunter13/jobmail-tracker/internal/usecase"
)

// fakeReprocessRepo is an in-memory ReprocessStateRepository.
type fakeReprocessRepo struct {
	mu     sync.Mutex
	states map[int64]domain.ReprocessState
}

func newFakeReprocessRepo() *fakeReprocessRepo {
	return &fakeReprocessRepo{states: make(map[int64]domain.ReprocessState)}
}

func (r *fakeReprocessRepo) Get(_ domain.Context, userID int64) (domain.ReprocessState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[userID]
	if !ok {
		return domain.ReprocessState{UserID: userID, Status: domain.SyncIdle}, nil
	}
	return st, nil
}

func (r *fakeReprocessRepo) BeginRun(_ domain.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[userID]
	if st.Status == domain.SyncRunning {
		return domain.ErrAlreadyRunning
	}
	st.UserID = userID
	st.Status = domain.SyncRunning
	r.states[userID] = st
	return nil
}

func (r *fakeReprocessRepo) UpdateProgress(_ domain.Context, userID int64, processed, total, updated, errs int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[userID]
	st.Processed, st.Total, st.Updated, st.Errors, st.Message = processed, total, updated, errs, message
	r.states[userID] = st
	return nil
}

func (r *fakeReprocessRepo) Finish(_ domain.Context, userID int64, final domain.ReprocessState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	final.UserID = userID
	final.Status = domain.SyncIdle
	r.states[userID] = final
	return nil
}

func (r *fakeReprocessRepo) SetError(_ domain.Context, userID int64, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[userID]
	st.Status = domain.SyncError
	st.Error = errMsg
	r.states[userID] = st
	return nil
}

func TestReprocess_ReclassifiesStoredApplications(t *testing.T) {
	apps := &fakeAppsRepo{apps: []domain.Application{
		{
			ID: 1, UserID: testUser, SourceMessageID: "m1",
			CompanyName: "Acme", Category: domain.CategoryApplicationConfirmation,
			Stage: domain.StageApplied, Status: domain.StatusApplied,
			EmailSubject: "Update on your application",
			EmailFrom:    "hr@acme.com",
			EmailBody:    "reclass-marker unfortunately we will not proceed",
			ReceivedAt:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		},
	}}
	llm := &fakeLLM{results: map[string]string{
		"reclass-marker": classificationJSON("job_rejection", 0.9, "Acme", ""),
	}}
	graph := classify.New(llm, classify.Options{UseBatch: false})
	svc := usecase.NewReprocessService(newFakeReprocessRepo(), apps, graph, usecase.NewCacheService(nil, newFakeCacheRepo()))

	st, err := svc.Run(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Processed)
	assert.Equal(t, 1, st.Updated)
	assert.Equal(t, 0, st.Errors)

	got, err := apps.Get(context.Background(), testUser, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryRejection, got.Category)
	assert.Equal(t, domain.StageRejected, got.Stage)
	assert.Equal(t, domain.StatusRejected, got.Status)
	require.NotNil(t, got.RejectedAt)
	assert.Contains(t, got.ProcessedBy, "reprocess")
}

func TestReprocess_StartGatesConcurrentRuns(t *testing.T) {
	repo := newFakeReprocessRepo()
	require.NoError(t, repo.BeginRun(context.Background(), testUser))

	svc := usecase.NewReprocessService(repo, &fakeAppsRepo{}, classify.New(&fakeLLM{}, classify.Options{}), usecase.NewCacheService(nil, newFakeCacheRepo()))
	err := svc.Start(context.Background(), testUser)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
}
