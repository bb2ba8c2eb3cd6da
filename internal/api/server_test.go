package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KingPyrox/Legal-Lens/internal/config"
	"github.com/KingPyrox/Legal-Lens/internal/models"
	"github.com/KingPyrox/Legal-Lens/internal/queue"
	"github.com/KingPyrox/Legal-Lens/internal/store"
)

// apiJobStore is an in-memory JobStore for router tests.
type apiJobStore struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]*models.Job
}

func newAPIJobStore() *apiJobStore {
	return &apiJobStore{jobs: make(map[string]*models.Job)}
}

func (s *apiJobStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	state := models.StateWaiting
	if p.DelayUntil != nil && p.DelayUntil.After(time.Now()) {
		state = models.StateDelayed
	}
	job := models.Job{
		ID:          fmt.Sprintf("job-%d", s.seq),
		QueueName:   p.QueueName,
		Payload:     p.Payload,
		Priority:    p.Priority,
		State:       state,
		MaxAttempts: p.MaxAttempts,
		BackoffBase: p.BackoffBase,
		DelayUntil:  p.DelayUntil,
		OrgID:       p.OrgID,
		CreatedAt:   time.Now().UTC(),
	}
	s.jobs[job.ID] = &job
	return job, nil
}

func (s *apiJobStore) GetJob(_ context.Context, queueName, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.QueueName != queueName {
		return models.Job{}, store.ErrJobNotFound
	}
	return *job, nil
}

func (s *apiJobStore) ListJobsByState(_ context.Context, queueName, state string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Job, 0)
	for _, job := range s.jobs {
		if job.QueueName == queueName && job.State == state {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *apiJobStore) MarkActive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.State = models.StateActive
		return nil
	}
	return store.ErrJobNotFound
}

func (s *apiJobStore) MarkWaiting(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.State = models.StateWaiting
		return nil
	}
	return store.ErrJobNotFound
}

func (s *apiJobStore) RetryJob(_ context.Context, queueName, id string, fullReset bool) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.QueueName != queueName {
		return models.Job{}, store.ErrJobNotFound
	}
	if job.State != models.StateFailed {
		return models.Job{}, fmt.Errorf("retry %s job: %w", job.State, store.ErrInvalidState)
	}
	job.State = models.StateWaiting
	if fullReset {
		job.Attempt = 0
	}
	return *job, nil
}

func (s *apiJobStore) DeleteJob(_ context.Context, queueName, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.QueueName != queueName {
		return store.ErrJobNotFound
	}
	if job.State == models.StateActive {
		return fmt.Errorf("remove active job: %w", store.ErrInvalidState)
	}
	delete(s.jobs, id)
	return nil
}

func (s *apiJobStore) QueueStats(_ context.Context, queueName string) (models.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats models.QueueStats
	for _, job := range s.jobs {
		if job.QueueName != queueName {
			continue
		}
		switch job.State {
		case models.StateWaiting, models.StateDelayed:
			stats.Waiting++
		case models.StateActive:
			stats.Active++
		case models.StateCompleted:
			stats.Completed++
		case models.StateFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *apiJobStore) StaleActiveJobs(_ context.Context, _ time.Duration) ([]models.Job, error) {
	return nil, nil
}

// fakeReporting backs the usage and analytics endpoints.
type fakeReporting struct {
	events   []models.SpendEvent
	summary  models.AnalyticsSummary
	analyses map[string]models.Analysis
}

func (f *fakeReporting) SpendEventsSince(_ context.Context, orgID string, from time.Time) ([]models.SpendEvent, error) {
	var out []models.SpendEvent
	for _, ev := range f.events {
		if ev.OrgID == orgID && !ev.CreatedAt.Before(from) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeReporting) AnalyticsSummary(_ context.Context, _ string) (models.AnalyticsSummary, error) {
	return f.summary, nil
}

func (f *fakeReporting) GetAnalysis(_ context.Context, id string) (models.Analysis, error) {
	a, ok := f.analyses[id]
	if !ok {
		return models.Analysis{}, store.ErrAnalysisNotFound
	}
	return a, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *apiJobStore, *fakeReporting) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	jobs := newAPIJobStore()
	svc := queue.NewService(queue.NewRedisBroker(client), jobs, log)
	reporting := &fakeReporting{analyses: make(map[string]models.Analysis)}

	srv := New(config.Config{}, svc, reporting, time.UTC, log)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, jobs, reporting
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestEnqueueAccepted(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/jobs/document-processing", map[string]any{
		"payload": map[string]any{"documentId": "d1", "orgId": "o1", "fileKey": "uploads/a.txt"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body enqueueResponse
	decodeBody(t, resp, &body)
	assert.NotEmpty(t, body.JobID)
	assert.Equal(t, models.StateWaiting, body.Status)
}

func TestEnqueueDelayedReportsDelayedState(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/jobs/notifications", map[string]any{
		"payload":  map[string]any{"type": "email", "userId": "u1", "subject": "s", "message": "m"},
		"delay_ms": 60000,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body enqueueResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, models.StateDelayed, body.Status)
}

func TestEnqueueValidationFailure(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/jobs/document-processing", map[string]any{
		"payload": map[string]any{"documentId": "d1"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnqueueUnknownQueue(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/jobs/image-processing", map[string]any{
		"payload": map[string]any{},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetJobNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/jobs/notifications/nope", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryNonFailedJobConflicts(t *testing.T) {
	ts, jobs, _ := newTestServer(t)

	job, err := jobs.CreateJob(context.Background(), store.CreateJobParams{
		QueueName:   models.QueueNotifications,
		Payload:     map[string]any{"type": "email"},
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	resp := do(t, http.MethodPatch, ts.URL+"/jobs/notifications/"+job.ID+"/retry", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRemoveWaitingJob(t *testing.T) {
	ts, jobs, _ := newTestServer(t)

	job, err := jobs.CreateJob(context.Background(), store.CreateJobParams{
		QueueName:   models.QueueNotifications,
		Payload:     map[string]any{"type": "email"},
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	resp := do(t, http.MethodDelete, ts.URL+"/jobs/notifications/"+job.ID, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/jobs/notifications/"+job.ID, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsAllQueues(t *testing.T) {
	ts, jobs, _ := newTestServer(t)

	_, err := jobs.CreateJob(context.Background(), store.CreateJobParams{
		QueueName:   models.QueueDocumentProcessing,
		Payload:     map[string]any{},
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	resp := do(t, http.MethodGet, ts.URL+"/jobs/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]models.QueueStats
	decodeBody(t, resp, &stats)
	require.Len(t, stats, len(models.QueueNames))
	assert.Equal(t, int64(1), stats[models.QueueDocumentProcessing].Waiting)
	assert.Zero(t, stats[models.QueueAIAnalysis].Waiting)
}

func TestQueueStatsUnknownQueue(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/jobs/stats/image-processing", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUsageEndpointSummarizes(t *testing.T) {
	ts, _, reporting := newTestServer(t)

	now := time.Now().UTC()
	reporting.events = []models.SpendEvent{
		{OrgID: "org-1", Cost: decimal.RequireFromString("0.10"), InputUnits: 100, OutputUnits: 50, CreatedAt: now.Add(-time.Hour)},
		{OrgID: "org-1", Cost: decimal.RequireFromString("0.30"), InputUnits: 200, OutputUnits: 50, CreatedAt: now.Add(-2 * time.Hour)},
		{OrgID: "org-2", Cost: decimal.RequireFromString("9.99"), CreatedAt: now.Add(-time.Hour)},
	}

	resp := do(t, http.MethodGet, ts.URL+"/usage/org-1?days=7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		TotalCost    string `json:"totalCost"`
		TotalTokens  int64  `json:"totalTokens"`
		RequestCount int64  `json:"requestCount"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "0.4", body.TotalCost)
	assert.Equal(t, int64(400), body.TotalTokens)
	assert.Equal(t, int64(2), body.RequestCount, "another org's spend must not leak in")
}

func TestAnalysisDetail(t *testing.T) {
	ts, _, reporting := newTestServer(t)
	reporting.analyses["a1"] = models.Analysis{
		ID:           "a1",
		DocumentID:   "d1",
		Status:       models.AnalysisCompleted,
		ResultSource: models.ResultSourceFallback,
	}

	resp := do(t, http.MethodGet, ts.URL+"/analyses/detail/a1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var a models.Analysis
	decodeBody(t, resp, &a)
	assert.Equal(t, models.AnalysisCompleted, a.Status)
	assert.Equal(t, models.ResultSourceFallback, a.ResultSource)

	resp = do(t, http.MethodGet, ts.URL+"/analyses/detail/missing", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/healthz", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
