package api

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/KingPyrox/Legal-Lens/internal/models"
)

// ValidatePayload checks the queue-specific payload shape before a job is
// accepted, so malformed requests fail at the API instead of burning a
// worker attempt.
func ValidatePayload(queueName string, payload map[string]any) error {
	switch queueName {
	case models.QueueDocumentProcessing:
		return validation.Validate(payload,
			validation.Map(
				validation.Key("documentId", validation.Required),
				validation.Key("orgId", validation.Required),
				validation.Key("fileKey", validation.Required),
				validation.Key("userId"),
				validation.Key("fileName"),
			).AllowExtraKeys(),
		)
	case models.QueueAIAnalysis:
		return validation.Validate(payload,
			validation.Map(
				validation.Key("documentId", validation.Required),
				validation.Key("analysisId", validation.Required),
				validation.Key("analysisType"),
				validation.Key("orgId"),
				validation.Key("options"),
			).AllowExtraKeys(),
		)
	case models.QueuePDFGeneration:
		return validation.Validate(payload,
			validation.Map(
				validation.Key("analysisId", validation.Required),
				validation.Key("templateType"),
				validation.Key("orgId", validation.Required),
			).AllowExtraKeys(),
		)
	case models.QueueNotifications:
		return validation.Validate(payload,
			validation.Map(
				validation.Key("type", validation.Required, validation.In("email", "in-app")),
				validation.Key("userId", validation.Required),
				validation.Key("subject", validation.Required),
				validation.Key("message", validation.Required),
				validation.Key("metadata"),
			).AllowExtraKeys(),
		)
	default:
		return fmt.Errorf("unknown queue %q", queueName)
	}
}
