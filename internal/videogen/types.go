package videogen

// Status is the normalized state of an upstream video generation task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether the task will not change state again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// normalizeStatus maps the provider's status strings onto Status.
// Unknown strings are treated as still processing so the poll loop's
// own deadline bounds them.
func normalizeStatus(raw string) Status {
	switch raw {
	case "pending", "submitted", "queued", "PENDING":
		return StatusPending
	case "processing", "running", "in_progress", "RUNNING":
		return StatusProcessing
	case "completed", "succeeded", "SUCCESS", "COMPLETED":
		return StatusCompleted
	case "failed", "error", "FAILURE", "FAILED":
		return StatusFailed
	default:
		return StatusProcessing
	}
}

// SubmitRequest describes one clip generation job.
type SubmitRequest struct {
	Prompt      string
	ImageURL    string
	AspectRatio string
	Duration    int
}

// PollResult is the outcome of one status query.
type PollResult struct {
	Status   Status
	VideoURL string
	Error    string
}

type submitPayload struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	ImageURL    string `json:"image_url,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Duration    int    `json:"duration,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	ID     string `json:"id"`
	Error  string `json:"error"`
}

func (r submitResponse) taskID() string {
	if r.TaskID != "" {
		return r.TaskID
	}
	return r.ID
}

type statusResponse struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url"`
	Output   struct {
		VideoURL string `json:"video_url"`
	} `json:"output"`
	Error string `json:"error"`
}

func (r statusResponse) videoURL() string {
	if r.VideoURL != "" {
		return r.VideoURL
	}
	return r.Output.VideoURL
}
