package model

import (
	"fmt"
	"strings"
	"time"
)

type BuildStatus int

const (
	StatusNew BuildStatus = iota
	StatusRunning
	StatusSuccess
	StatusFailed
	StatusSkipped
)

// FinishedStatuses are the statuses of builds that produced a result.
var FinishedStatuses = []BuildStatus{StatusSuccess, StatusFailed}

var statusNames = map[BuildStatus]string{
	StatusNew:     "new",
	StatusRunning: "running",
	StatusSuccess: "success",
	StatusFailed:  "failed",
	StatusSkipped: "skipped",
}

func (s BuildStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// IsFinished reports whether s is in FinishedStatuses.
func (s BuildStatus) IsFinished() bool {
	return s.In(FinishedStatuses...)
}

func (s BuildStatus) In(statuses ...BuildStatus) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

func (s BuildStatus) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown build status %d", int(s))
	}
	return []byte(name), nil
}

func (s *BuildStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseBuildStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseBuildStatus accepts the lower-case status names used on the wire.
func ParseBuildStatus(name string) (BuildStatus, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for status, candidate := range statusNames {
		if candidate == needle {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown build status %q", name)
}

type Build struct {
	ID         int64       `json:"id"`
	ProjectID  int64       `json:"project_id"`
	Branch     string      `json:"branch"`
	CommitHash string      `json:"commit_hash,omitempty"`
	Status     BuildStatus `json:"status"`
	Message    string      `json:"message,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

func (b *Build) IsFinished() bool {
	return b != nil && b.Status.IsFinished()
}
