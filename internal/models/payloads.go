package models

// Queue-specific payload shapes. These mirror what producers post and what
// stage handlers decode; they travel as JSON through the job payload column.

// DocumentProcessingPayload is the payload for the document-processing queue.
type DocumentProcessingPayload struct {
	DocumentID string `json:"documentId"`
	OrgID      string `json:"orgId"`
	UserID     string `json:"userId"`
	FileName   string `json:"fileName,omitempty"`
	FileKey    string `json:"fileKey"`
}

// AIAnalysisPayload is the payload for the ai-analysis queue.
type AIAnalysisPayload struct {
	DocumentID   string         `json:"documentId"`
	AnalysisID   string         `json:"analysisId"`
	AnalysisType string         `json:"analysisType"`
	OrgID        string         `json:"orgId"`
	Options      map[string]any `json:"options,omitempty"`
}

// PDFGenerationPayload is the payload for the pdf-generation queue.
type PDFGenerationPayload struct {
	AnalysisID   string `json:"analysisId"`
	TemplateType string `json:"templateType"`
	OrgID        string `json:"orgId"`
}

// NotificationPayload is the payload for the notifications queue.
type NotificationPayload struct {
	Type     string         `json:"type"` // email | in-app
	UserID   string         `json:"userId"`
	Subject  string         `json:"subject"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
