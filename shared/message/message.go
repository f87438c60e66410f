package message

import (
	"time"

	"buildstatus/shared/model"
)

const (
	TopicBuildRequests = "build-requests"
	TopicBuildStatus   = "build-status"
	// TopicBuildUpdates carries a build's state after the orchestrator has
	// stored it. Readers of the store should follow this topic, not
	// build-status, which may run ahead of the store.
	TopicBuildUpdates = "build-updates"
)

// BuildRequestMessage asks the orchestrator to queue a build for a branch.
type BuildRequestMessage struct {
	MessageID  string    `json:"message_id"`
	ProjectID  int64     `json:"project_id"`
	Branch     string    `json:"branch"`
	CommitHash string    `json:"commit_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// BuildStatusMessage announces a status transition. Executors publish running
// and finished transitions; the orchestrator publishes new and skipped ones.
// The same payload is used on build-updates.
type BuildStatusMessage struct {
	MessageID  string            `json:"message_id"`
	BuildID    int64             `json:"build_id"`
	ProjectID  int64             `json:"project_id"`
	Branch     string            `json:"branch"`
	Status     model.BuildStatus `json:"status"`
	Message    string            `json:"message,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}
