package server

import (
	"runline/internal/domain"
)

type CreateRunRequest struct {
	PluginID       string         `json:"plugin_id" example:"media.transcode"`
	EntryID        string         `json:"entry_id" example:"video_to_audio"`
	Args           map[string]any `json:"args,omitempty" jsonschema:"type=object,additionalProperties=true"`
	TaskID         string         `json:"task_id,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type CancelRunRequest struct {
	Reason string `json:"reason,omitempty" example:"user pressed stop"`
}

type UpdateRunRequest struct {
	Progress   *float64       `json:"progress,omitempty" minimum:"0" maximum:"1"`
	Stage      *string        `json:"stage,omitempty"`
	Message    *string        `json:"message,omitempty"`
	Step       *int           `json:"step,omitempty"`
	StepTotal  *int           `json:"step_total,omitempty"`
	ETASeconds *float64       `json:"eta_seconds,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type PushExportRequest struct {
	Type        domain.ExportType `json:"type" enum:"text,url,binary_url,binary"`
	Description string            `json:"description,omitempty"`
	Text        string            `json:"text,omitempty"`
	URL         string            `json:"url,omitempty"`
	// Binary carries base64-encoded payload bytes.
	Binary   string         `json:"binary,omitempty"`
	Mime     string         `json:"mime,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedRuns struct {
	Items      []domain.RunRecord `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type exportPage struct {
	Items []domain.ExportItem `json:"items"`
	// NextAfter is the cursor to continue from; zero when the page reached
	// the end of the log.
	NextAfter int64 `json:"next_after"`
}

type RunTokenResponse struct {
	Token     string  `json:"token"`
	RunID     string  `json:"run_id"`
	ExpiresAt float64 `json:"expires_at"`
}

type CreateUploadRequest struct {
	Mime string `json:"mime,omitempty"`
}

type UploadSessionResponse struct {
	UploadID string `json:"upload_id"`
}

type FinalizeUploadResponse struct {
	BlobID    string `json:"blob_id"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
}
