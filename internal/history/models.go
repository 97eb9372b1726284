package history

import (
	"time"

	"hookdeploy/internal/deployment"
	"hookdeploy/internal/event"
)

// DeploymentRecord is one finished deployment.
type DeploymentRecord struct {
	ID              int64      `json:"id"`
	TaskID          string     `json:"task_id"`
	Project         string     `json:"project"`
	Branch          string     `json:"branch"`
	Ref             string     `json:"ref"`
	Status          string     `json:"status"` // a deployment.Kind
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	CommitHash      *string    `json:"commit_hash,omitempty"`
	DeliveryID      *string    `json:"delivery_id,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	Output          *string    `json:"output,omitempty"`
}

// DeploymentStatus is the /status payload for one project.
type DeploymentStatus struct {
	Project          string             `json:"project"`
	LatestDeployment *DeploymentRecord  `json:"latest_deployment,omitempty"`
	RecentHistory    []DeploymentRecord `json:"recent_history"`
}

// NewRecord converts a runner outcome into a history row.
func NewRecord(projectKey, taskID string, ev *event.NormalizedEvent, outcome deployment.Outcome) *DeploymentRecord {
	completed := outcome.StartedAt.Add(outcome.Duration)
	duration := outcome.Duration.Seconds()
	exitCode := outcome.ExitCode

	record := &DeploymentRecord{
		TaskID:          taskID,
		Project:         projectKey,
		Branch:          ev.Branch,
		Ref:             ev.Ref,
		Status:          string(outcome.Kind),
		StartedAt:       outcome.StartedAt,
		CompletedAt:     &completed,
		DurationSeconds: &duration,
		ExitCode:        &exitCode,
		CommitHash:      stringPtrOrNil(ev.CommitID, event.NotAvailable),
		DeliveryID:      stringPtrOrNil(ev.DeliveryID, ""),
		ErrorMessage:    stringPtrOrNil(outcome.Err, ""),
		Output:          stringPtrOrNil(outcome.Detail(), ""),
	}
	return record
}

func stringPtrOrNil(s, empty string) *string {
	if s == "" || s == empty {
		return nil
	}
	return &s
}
