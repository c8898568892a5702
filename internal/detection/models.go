// Package detection tracks runs of the external scene detector and commits
// their results as durable scenes.
package detection

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/scene"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var activeStatuses = []Status{StatusPending, StatusProcessing}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Active() bool {
	return slices.Contains(activeStatuses, s)
}

type Job struct {
	ID          string `json:"id"`
	ContentID   string `json:"content_id"`
	WorkspaceID string `json:"workspace_id"`
	OwnerID     string `json:"owner_id,omitempty"`
	SourceRef   string `json:"source_ref,omitempty"`

	Status      Status       `json:"status"`
	Progress    int          `json:"progress"`
	CurrentStep string       `json:"current_step,omitempty"`
	Parameters  scene.Params `json:"parameters"`

	SceneCount    int     `json:"scene_count"`
	MediaDuration float64 `json:"media_duration"`
	Error         string  `json:"error,omitempty"`

	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (j *Job) MarshalJSON() ([]byte, error) {
	type alias Job
	return json.Marshal(struct {
		*alias
		DurationMS *int64 `json:"duration_ms,omitempty"`
	}{(*alias)(j), j.durationMS()})
}

func (j *Job) durationMS() *int64 {
	if !j.Status.Terminal() {
		return nil
	}
	ms := j.Duration.Milliseconds()
	return &ms
}

// finish moves the job into a terminal status and derives its duration.
func (j *Job) finish(status Status, now time.Time) {
	j.Status = status
	j.CompletedAt = &now
	j.UpdatedAt = now
	start := j.CreatedAt
	if j.StartedAt != nil {
		start = *j.StartedAt
	}
	j.Duration = now.Sub(start)
}

// Request describes one detection submission. Params must already be
// resolved.
type Request struct {
	ContentID   string
	WorkspaceID string
	OwnerID     string
	SourceRef   string
	Params      scene.Params
}

func (r Request) validate() error {
	var problems []string
	if r.ContentID == "" {
		problems = append(problems, "content_id is required")
	}
	if r.WorkspaceID == "" {
		problems = append(problems, "workspace_id is required")
	}
	if len(problems) > 0 {
		return scene.NewValidationError(problems...)
	}
	return r.Params.Validate()
}

// Result is what the external detector returns.
type Result struct {
	Scenes []scene.Candidate `json:"scenes"`
	// MediaDuration is the number of seconds of media analyzed. Zero means
	// unknown, in which case the end of the last candidate is used.
	MediaDuration float64 `json:"media_duration,omitempty"`
}

func (r *Result) mediaDuration() float64 {
	if r.MediaDuration > 0 {
		return r.MediaDuration
	}
	var end float64
	for _, c := range r.Scenes {
		end = max(end, c.End)
	}
	return end
}

// Filter narrows job listings. Zero fields match everything.
type Filter struct {
	ContentID   string
	WorkspaceID string
	Status      Status
	Since       time.Time
	Limit       int
}
