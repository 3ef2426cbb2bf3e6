package domain

// RunStatus is the closed set of run lifecycle states.
type RunStatus string

const (
	StatusQueued          RunStatus = "queued"
	StatusRunning         RunStatus = "running"
	StatusCancelRequested RunStatus = "cancel_requested"
	StatusSucceeded       RunStatus = "succeeded"
	StatusFailed          RunStatus = "failed"
	StatusCanceled        RunStatus = "canceled"
	StatusTimeout         RunStatus = "timeout"
)

// Terminal reports whether the status freezes the run record.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusTimeout:
		return true
	}
	return false
}

func (s RunStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCancelRequested,
		StatusSucceeded, StatusFailed, StatusCanceled, StatusTimeout:
		return true
	}
	return false
}

// ExportType tags the payload variant of an export item.
type ExportType string

const (
	ExportText      ExportType = "text"
	ExportURL       ExportType = "url"
	ExportBinaryURL ExportType = "binary_url"
	ExportBinary    ExportType = "binary"
)

func (t ExportType) Valid() bool {
	switch t {
	case ExportText, ExportURL, ExportBinaryURL, ExportBinary:
		return true
	}
	return false
}

// Error codes surfaced on terminal runs and API responses.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeTimeout    = "TIMEOUT"
	CodeCanceled   = "CANCELED"
	CodePlugin     = "PLUGIN_ERROR"
	CodeTransport  = "TRANSPORT_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"
	CodeInternal   = "INTERNAL"
)

// RunError is the structured error attached to failed/timeout/canceled runs.
type RunError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *RunError) Error() string {
	return e.Code + ": " + e.Message
}

// RunRecord is the authoritative state of one execution attempt of a plugin
// entry. Timestamps are Unix seconds with fraction. Only the Controller
// mutates records; once a terminal status is committed the record is frozen.
type RunRecord struct {
	RunID    string         `json:"run_id"`
	PluginID string         `json:"plugin_id"`
	EntryID  string         `json:"entry_id"`
	Args     map[string]any `json:"args,omitempty"`
	Status   RunStatus      `json:"status" enum:"queued,running,cancel_requested,succeeded,failed,canceled,timeout"`

	CreatedAt float64 `json:"created_at"`
	UpdatedAt float64 `json:"updated_at"`

	// Retry-chain correlation. RootRunID is stable across retries; Attempt
	// starts at 1 and increments per retry; ParentRunID is set only on runs
	// created through retry.
	RootRunID   string  `json:"root_run_id"`
	ParentRunID *string `json:"parent_run_id,omitempty"`
	Attempt     int     `json:"attempt"`

	TaskID         *string `json:"task_id,omitempty"`
	TraceID        *string `json:"trace_id,omitempty"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`

	StartedAt  *float64 `json:"started_at,omitempty"`
	FinishedAt *float64 `json:"finished_at,omitempty"`

	Progress   *float64       `json:"progress,omitempty" minimum:"0" maximum:"1"`
	Stage      *string        `json:"stage,omitempty"`
	Message    *string        `json:"message,omitempty"`
	Step       *int           `json:"step,omitempty"`
	StepTotal  *int           `json:"step_total,omitempty"`
	ETASeconds *float64       `json:"eta_seconds,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`

	CancelRequested   bool     `json:"cancel_requested"`
	CancelReason      *string  `json:"cancel_reason,omitempty"`
	CancelRequestedAt *float64 `json:"cancel_requested_at,omitempty"`

	Error      *RunError `json:"error,omitempty"`
	ResultRefs []string  `json:"result_refs"`
}

// ExportItem is one append-only unit of user-facing run output. Seq is the
// replay cursor: strictly increasing in append order.
type ExportItem struct {
	Seq          int64      `json:"seq"`
	ExportItemID string     `json:"export_item_id"`
	RunID        string     `json:"run_id"`
	Type         ExportType `json:"type" enum:"text,url,binary_url,binary"`
	CreatedAt    float64    `json:"created_at"`

	Description *string        `json:"description,omitempty"`
	Text        *string        `json:"text,omitempty"`
	URL         *string        `json:"url,omitempty"`
	BinaryURL   *string        `json:"binary_url,omitempty"`
	Binary      *string        `json:"binary,omitempty"`
	Mime        *string        `json:"mime,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Delta ops on the live channels.
const (
	OpAdd    = "add"
	OpChange = "change"
)

// RunDelta is one notification on the runs channel. Non-authoritative: a
// missed delta is recoverable via the run record itself.
type RunDelta struct {
	Op        string    `json:"op" enum:"add,change"`
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	Progress  *float64  `json:"progress,omitempty"`
	Stage     *string   `json:"stage,omitempty"`
	Message   *string   `json:"message,omitempty"`
	Step      *int      `json:"step,omitempty"`
	StepTotal *int      `json:"step_total,omitempty"`
	UpdatedAt float64   `json:"updated_at"`
	Rev       int64     `json:"rev"`
	PluginID  string    `json:"plugin_id"`
	EntryID   string    `json:"entry_id"`
	TaskID    *string   `json:"task_id,omitempty"`
}

// ExportDelta is one notification on the export channel. The referenced item
// is always persisted before the delta publishes.
type ExportDelta struct {
	Op           string     `json:"op" enum:"add"`
	RunID        string     `json:"run_id"`
	ExportItemID string     `json:"export_item_id"`
	Seq          int64      `json:"seq"`
	Type         ExportType `json:"type"`
	CreatedAt    float64    `json:"created_at"`
	Rev          int64      `json:"rev"`
	PluginID     string     `json:"plugin_id"`
}
