package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/KingPyrox/Legal-Lens/internal/models"
	"github.com/KingPyrox/Legal-Lens/internal/queue"
)

// StageResult is the success value a stage handler returns. The coordinator
// stores any analysis output it carries and enqueues the next stage from it.
type StageResult struct {
	AnalysisID   string
	OrgID        string
	Result       map[string]any // analysis output to persist, if any
	ResultSource string         // model | fallback
	Next         map[string]any // payload for the next stage; nil ends the chain
	NextPriority int
}

// Enqueuer is the slice of the queue service the coordinator drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload map[string]any, opts queue.EnqueueOptions) (models.Job, error)
}

// AnalysisStore is the slice of the persistent store the coordinator needs.
type AnalysisStore interface {
	MarkAnalysisRunning(ctx context.Context, id string) error
	SetAnalysisResult(ctx context.Context, id string, result map[string]any, source string) error
	CompleteAnalysis(ctx context.Context, id string) error
	FailAnalysis(ctx context.Context, id, stage, lastErr string) error
}

// nextQueue is the fixed stage sequence; notifications is the fan-out leaf.
var nextQueue = map[string]string{
	models.QueueDocumentProcessing: models.QueueAIAnalysis,
	models.QueueAIAnalysis:         models.QueuePDFGeneration,
	models.QueuePDFGeneration:      models.QueueNotifications,
}

// NextStage returns the queue that follows queueName in the pipeline.
func NextStage(queueName string) (string, bool) {
	next, ok := nextQueue[queueName]
	return next, ok
}

// Coordinator maps stage boundaries to next-stage enqueues and terminal
// outcomes to analysis status transitions. A stage for one analysis is never
// enqueued before its predecessor's success hook has run, because the hook
// itself performs the enqueue.
type Coordinator struct {
	jobs  Enqueuer
	store AnalysisStore
	log   *logrus.Logger
}

// NewCoordinator wires a coordinator.
func NewCoordinator(jobs Enqueuer, store AnalysisStore, log *logrus.Logger) *Coordinator {
	return &Coordinator{jobs: jobs, store: store, log: log}
}

// OnStageClaimed moves the owning analysis from QUEUED to RUNNING the first
// time any of its stage jobs is claimed. Later claims are no-ops.
func (c *Coordinator) OnStageClaimed(ctx context.Context, job models.Job) {
	analysisID := payloadAnalysisID(job.Payload)
	if analysisID == "" {
		return
	}
	if err := c.store.MarkAnalysisRunning(ctx, analysisID); err != nil {
		c.log.WithError(err).WithField("analysis_id", analysisID).Warn("mark analysis running")
	}
}

// OnStageSuccess persists any analysis output the stage produced and
// enqueues the next stage. The notifications leaf completes the analysis.
func (c *Coordinator) OnStageSuccess(ctx context.Context, job models.Job, res StageResult) error {
	if res.AnalysisID != "" && res.Result != nil {
		if err := c.store.SetAnalysisResult(ctx, res.AnalysisID, res.Result, res.ResultSource); err != nil {
			return err
		}
	}

	if job.QueueName == models.QueueNotifications {
		if res.AnalysisID != "" {
			if err := c.store.CompleteAnalysis(ctx, res.AnalysisID); err != nil {
				return err
			}
			c.log.WithFields(logrus.Fields{
				"analysis_id": res.AnalysisID,
				"source":      res.ResultSource,
			}).Info("analysis completed")
		}
		return nil
	}

	next, ok := nextQueue[job.QueueName]
	if !ok || res.Next == nil {
		return nil
	}
	_, err := c.jobs.Enqueue(ctx, next, res.Next, queue.EnqueueOptions{
		Priority: res.NextPriority,
		OrgID:    res.OrgID,
	})
	return err
}

// OnStageFailure fails the owning analysis with the failing stage and its
// last error. No further stages are enqueued.
func (c *Coordinator) OnStageFailure(ctx context.Context, job models.Job, lastErr string) {
	analysisID := payloadAnalysisID(job.Payload)
	if analysisID == "" {
		return
	}
	if err := c.store.FailAnalysis(ctx, analysisID, job.QueueName, lastErr); err != nil {
		c.log.WithError(err).WithField("analysis_id", analysisID).Error("fail analysis")
		return
	}
	c.log.WithFields(logrus.Fields{
		"analysis_id": analysisID,
		"stage":       job.QueueName,
		"last_error":  lastErr,
	}).Warn("analysis failed")
}

// payloadAnalysisID finds the owning analysis id in a stage payload. Most
// stages carry it top-level; the notifications payload nests it under
// metadata so the recipient-facing fields stay flat.
func payloadAnalysisID(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload["analysisId"].(string); ok {
		return v
	}
	if meta, ok := payload["metadata"].(map[string]any); ok {
		if v, ok := meta["analysisId"].(string); ok {
			return v
		}
	}
	return ""
}
