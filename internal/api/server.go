package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/KingPyrox/Legal-Lens/internal/config"
	"github.com/KingPyrox/Legal-Lens/internal/models"
	"github.com/KingPyrox/Legal-Lens/internal/queue"
	"github.com/KingPyrox/Legal-Lens/internal/spend"
	"github.com/KingPyrox/Legal-Lens/internal/store"
	"github.com/KingPyrox/Legal-Lens/internal/telemetry"
)

// ReportingStore is the slice of the persistent store the API reads for
// usage and analytics endpoints.
type ReportingStore interface {
	SpendEventsSince(ctx context.Context, orgID string, from time.Time) ([]models.SpendEvent, error)
	AnalyticsSummary(ctx context.Context, orgID string) (models.AnalyticsSummary, error)
	GetAnalysis(ctx context.Context, id string) (models.Analysis, error)
}

// Server wires HTTP handlers for the producer and observability API.
type Server struct {
	cfg       config.Config
	queues    *queue.Service
	reporting ReportingStore
	loc       *time.Location
	log       *logrus.Logger
}

// New constructs the API server. loc is the timezone usage days group by.
func New(cfg config.Config, queues *queue.Service, reporting ReportingStore, loc *time.Location, log *logrus.Logger) *Server {
	if loc == nil {
		loc = time.Local
	}
	return &Server{cfg: cfg, queues: queues, reporting: reporting, loc: loc, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/stats", s.handleAllStats)
		r.Get("/stats/{queueName}", s.handleQueueStats)
		r.Post("/{queueName}", s.handleEnqueue)
		r.Get("/{queueName}", s.handleListJobs)
		r.Get("/{queueName}/{jobID}", s.handleGetJob)
		r.Delete("/{queueName}/{jobID}", s.handleRemoveJob)
		r.Patch("/{queueName}/{jobID}/retry", s.handleRetryJob)
	})

	r.Get("/usage/{orgID}", s.handleUsage)
	r.Get("/analyses/{orgID}/summary", s.handleAnalyticsSummary)
	r.Get("/analyses/detail/{analysisID}", s.handleGetAnalysis)

	return r
}

type enqueueRequest struct {
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	DelayMs     int64          `json:"delay_ms"`
	MaxAttempts int            `json:"max_attempts"`
	OrgID       string         `json:"org_id"`
}

type enqueueResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queueName")
	if !models.KnownQueue(queueName) {
		writeError(w, http.StatusNotFound, "queue not found")
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	if err := ValidatePayload(queueName, req.Payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orgID := req.OrgID
	if orgID == "" {
		if v, ok := req.Payload["orgId"].(string); ok {
			orgID = v
		}
	}

	job, err := s.queues.Enqueue(r.Context(), queueName, req.Payload, queue.EnqueueOptions{
		Priority:    req.Priority,
		Delay:       time.Duration(req.DelayMs) * time.Millisecond,
		MaxAttempts: req.MaxAttempts,
		OrgID:       orgID,
	})
	if err != nil {
		s.log.WithError(err).WithField("queue", queueName).Error("enqueue failed")
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	telemetry.EnqueueCounter.WithLabelValues(queueName).Inc()
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID, Status: job.State})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queueName")
	status := r.URL.Query().Get("status")

	states := []string{models.StateWaiting, models.StateActive, models.StateCompleted, models.StateFailed}
	if status != "" {
		states = []string{status}
	}

	jobs := make([]models.Job, 0)
	for _, state := range states {
		batch, err := s.queues.ListByState(r.Context(), queueName, state)
		if err != nil {
			s.writeQueueError(w, err)
			return
		}
		jobs = append(jobs, batch...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleAllStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]models.QueueStats, len(models.QueueNames))
	for _, queueName := range models.QueueNames {
		qs, err := s.queues.Stats(r.Context(), queueName)
		if err != nil {
			s.writeQueueError(w, err)
			return
		}
		stats[queueName] = qs
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queues.Stats(r.Context(), chi.URLParam(r, "queueName"))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queues.GetJob(r.Context(), chi.URLParam(r, "queueName"), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	err := s.queues.RemoveJob(r.Context(), chi.URLParam(r, "queueName"), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "job removed"})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	fullReset := r.URL.Query().Get("reset") == "true"
	job, err := s.queues.RetryJob(r.Context(), chi.URLParam(r, "queueName"), chi.URLParam(r, "jobID"), fullReset)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "job retry initiated", "job": job})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			days = n
		}
	}
	from := time.Now().In(s.loc).AddDate(0, 0, -days)
	events, err := s.reporting.SpendEventsSince(r.Context(), orgID, from)
	if err != nil {
		s.log.WithError(err).Error("usage query failed")
		writeError(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	writeJSON(w, http.StatusOK, spend.Summarize(events, s.loc))
}

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reporting.AnalyticsSummary(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		s.log.WithError(err).Error("analytics summary failed")
		writeError(w, http.StatusInternalServerError, "analytics summary failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.reporting.GetAnalysis(r.Context(), chi.URLParam(r, "analysisID"))
	if err != nil {
		if errors.Is(err, store.ErrAnalysisNotFound) {
			writeError(w, http.StatusNotFound, "analysis not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "analysis query failed")
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// writeQueueError maps operator-action errors onto HTTP statuses.
func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrQueueNotFound):
		writeError(w, http.StatusNotFound, "queue not found")
	case errors.Is(err, store.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).Error("queue operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parsePositiveInt(v string) (int, error) {
	var n int
	if err := json.Unmarshal([]byte(v), &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
