package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KingPyrox/Legal-Lens/internal/models"
	"github.com/KingPyrox/Legal-Lens/internal/pipeline"
	"github.com/KingPyrox/Legal-Lens/internal/storage"
)

// AnalysisCreator creates the analysis record the rest of the pipeline
// reports into.
type AnalysisCreator interface {
	CreateAnalysis(ctx context.Context, documentID, orgID string) (models.Analysis, error)
}

// DocumentHandler serves the document-processing queue: it pulls the
// uploaded document from blob storage, derives basic text stats, opens an
// analysis, and hands the pipeline to the AI stage.
type DocumentHandler struct {
	blobs    storage.BlobStore
	analyses AnalysisCreator
	timeout  time.Duration
	log      *logrus.Logger
}

// NewDocumentHandler wires the handler.
func NewDocumentHandler(blobs storage.BlobStore, analyses AnalysisCreator, timeout time.Duration, log *logrus.Logger) *DocumentHandler {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &DocumentHandler{blobs: blobs, analyses: analyses, timeout: timeout, log: log}
}

// Handle processes one document job.
func (h *DocumentHandler) Handle(ctx context.Context, job models.Job) (pipeline.StageResult, error) {
	var payload models.DocumentProcessingPayload
	if err := decodePayload(job, &payload); err != nil {
		return pipeline.StageResult{}, Permanent(err)
	}
	if payload.DocumentID == "" || payload.FileKey == "" {
		return pipeline.StageResult{}, Permanent(errors.New("documentId and fileKey are required"))
	}

	dlCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	body, err := h.blobs.Download(dlCtx, payload.FileKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return pipeline.StageResult{}, Permanent(err)
		}
		return pipeline.StageResult{}, Transient(err)
	}

	text := string(body)
	pageCount := strings.Count(text, "\f") + 1
	h.log.WithFields(logrus.Fields{
		"document_id": payload.DocumentID,
		"chars":       len(text),
		"pages":       pageCount,
	}).Info("document processed")

	analysis, err := h.analyses.CreateAnalysis(ctx, payload.DocumentID, payload.OrgID)
	if err != nil {
		return pipeline.StageResult{}, Transient(err)
	}

	return pipeline.StageResult{
		AnalysisID: analysis.ID,
		OrgID:      payload.OrgID,
		Next: map[string]any{
			"documentId":   payload.DocumentID,
			"analysisId":   analysis.ID,
			"analysisType": "full",
			"orgId":        payload.OrgID,
			"options": map[string]any{
				"fileKey": payload.FileKey,
				"userId":  payload.UserID,
			},
		},
		NextPriority: job.Priority,
	}, nil
}

// decodePayload round-trips the generic payload map into a typed struct.
func decodePayload(job models.Job, out any) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
