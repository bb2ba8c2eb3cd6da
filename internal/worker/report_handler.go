package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KingPyrox/Legal-Lens/internal/models"
	"github.com/KingPyrox/Legal-Lens/internal/pipeline"
	"github.com/KingPyrox/Legal-Lens/internal/storage"
	"github.com/KingPyrox/Legal-Lens/internal/store"
)

// AnalysisGetter fetches the analysis a report is rendered from.
type AnalysisGetter interface {
	GetAnalysis(ctx context.Context, id string) (models.Analysis, error)
}

// ReportHandler serves the pdf-generation queue: it renders a report from
// the stored analysis result and uploads it to blob storage.
type ReportHandler struct {
	blobs    storage.BlobStore
	analyses AnalysisGetter
	timeout  time.Duration
	log      *logrus.Logger
}

// NewReportHandler wires the handler.
func NewReportHandler(blobs storage.BlobStore, analyses AnalysisGetter, timeout time.Duration, log *logrus.Logger) *ReportHandler {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ReportHandler{blobs: blobs, analyses: analyses, timeout: timeout, log: log}
}

// Handle renders and stores one report.
func (h *ReportHandler) Handle(ctx context.Context, job models.Job) (pipeline.StageResult, error) {
	var payload models.PDFGenerationPayload
	if err := decodePayload(job, &payload); err != nil {
		return pipeline.StageResult{}, Permanent(err)
	}
	if payload.AnalysisID == "" {
		return pipeline.StageResult{}, Permanent(errors.New("analysisId is required"))
	}

	analysis, err := h.analyses.GetAnalysis(ctx, payload.AnalysisID)
	if err != nil {
		if errors.Is(err, store.ErrAnalysisNotFound) {
			return pipeline.StageResult{}, Permanent(err)
		}
		return pipeline.StageResult{}, Transient(err)
	}

	report := renderReport(analysis, payload.TemplateType)
	key := fmt.Sprintf("reports/%s.pdf", payload.AnalysisID)

	upCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	location, err := h.blobs.Upload(upCtx, key, []byte(report), "application/pdf")
	if err != nil {
		return pipeline.StageResult{}, Transient(fmt.Errorf("upload report: %w", err))
	}

	h.log.WithFields(logrus.Fields{
		"analysis_id": payload.AnalysisID,
		"location":    location,
	}).Info("report generated")

	subject := "Your contract analysis is ready"
	message := fmt.Sprintf("The analysis report for document %s has been generated.", analysis.DocumentID)
	if analysis.ResultSource == models.ResultSourceFallback {
		message += " Note: parts of this analysis used fallback content due to AI availability limits."
	}

	return pipeline.StageResult{
		AnalysisID: payload.AnalysisID,
		OrgID:      payload.OrgID,
		Next: map[string]any{
			"type":    "in-app",
			"userId":  payload.OrgID,
			"subject": subject,
			"message": message,
			"metadata": map[string]any{
				"analysisId": payload.AnalysisID,
				"reportKey":  key,
			},
		},
		NextPriority: job.Priority,
	}, nil
}

func renderReport(a models.Analysis, templateType string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Legal Lens Analysis Report (%s)\n", templateType)
	fmt.Fprintf(&b, "Analysis: %s\nDocument: %s\nStatus: %s\n", a.ID, a.DocumentID, a.Status)
	if a.ResultSource != "" {
		fmt.Fprintf(&b, "Result source: %s\n", a.ResultSource)
	}
	if risks, ok := a.Result["risks"].(map[string]any); ok {
		b.WriteString("\nRisk summary:\n")
		for clauseType, v := range risks {
			risk := "UNKNOWN"
			if r, ok := v.(map[string]any); ok {
				if lvl, ok := r["risk"].(string); ok {
					risk = lvl
				}
			}
			fmt.Fprintf(&b, "  - %s: %s\n", clauseType, risk)
		}
	}
	return b.String()
}
