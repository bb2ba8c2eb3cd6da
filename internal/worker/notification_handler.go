package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/KingPyrox/Legal-Lens/internal/models"
	"github.com/KingPyrox/Legal-Lens/internal/pipeline"
)

// NotificationSink persists delivered notifications.
type NotificationSink interface {
	InsertNotification(ctx context.Context, n models.NotificationPayload) error
}

// NotificationHandler serves the notifications queue, the pipeline's
// fan-out leaf with no downstream stage.
type NotificationHandler struct {
	sink NotificationSink
	log  *logrus.Logger
}

// NewNotificationHandler wires the handler.
func NewNotificationHandler(sink NotificationSink, log *logrus.Logger) *NotificationHandler {
	return &NotificationHandler{sink: sink, log: log}
}

// Handle delivers one notification.
func (h *NotificationHandler) Handle(ctx context.Context, job models.Job) (pipeline.StageResult, error) {
	var payload models.NotificationPayload
	if err := decodePayload(job, &payload); err != nil {
		return pipeline.StageResult{}, Permanent(err)
	}
	if payload.UserID == "" {
		return pipeline.StageResult{}, Permanent(errors.New("userId is required"))
	}
	if payload.Type != "email" && payload.Type != "in-app" {
		return pipeline.StageResult{}, Permanent(fmt.Errorf("unknown notification type %q", payload.Type))
	}

	if err := h.sink.InsertNotification(ctx, payload); err != nil {
		return pipeline.StageResult{}, Transient(err)
	}

	entry := h.log.WithFields(logrus.Fields{
		"type":    payload.Type,
		"user_id": payload.UserID,
		"subject": payload.Subject,
	})
	if payload.Type == "email" {
		// Actual delivery is the mail collaborator's problem; we hand off.
		entry.Info("email notification handed off")
	} else {
		entry.Info("in-app notification stored")
	}

	analysisID, _ := payload.Metadata["analysisId"].(string)
	return pipeline.StageResult{AnalysisID: analysisID}, nil
}
