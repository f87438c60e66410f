package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"buildstatus/shared/kafka"
	"buildstatus/shared/message"
	"buildstatus/shared/model"
	"buildstatus/shared/status"
	"buildstatus/shared/store"
)

// Publisher sends JSON messages to a topic. *kafka.Producer satisfies it.
type Publisher interface {
	SendMessage(topic string, key string, value interface{}) error
}

const statusUpdateAttempts = 3

type BuildOrchestrator struct {
	store     *store.Store
	dedup     *status.Deduplicator
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewBuildOrchestrator(s *store.Store, publisher Publisher, logger zerolog.Logger) *BuildOrchestrator {
	bo := &BuildOrchestrator{
		store:     s,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
	bo.dedup = status.NewDeduplicator(s, s,
		status.WithNotifier(bo),
		status.WithLogger(logger.With().Str("component", "dedup").Logger()),
	)
	return bo
}

// HandleMessage routes a consumed Kafka message by topic.
func (bo *BuildOrchestrator) HandleMessage(ctx context.Context, topic string, value []byte) error {
	switch topic {
	case message.TopicBuildRequests:
		var req message.BuildRequestMessage
		if err := kafka.UnmarshalMessage(value, &req); err != nil {
			return fmt.Errorf("decode build request: %w", err)
		}
		_, err := bo.ProcessBuildRequest(ctx, req)
		return err
	case message.TopicBuildStatus:
		var statusMsg message.BuildStatusMessage
		if err := kafka.UnmarshalMessage(value, &statusMsg); err != nil {
			return fmt.Errorf("decode build status: %w", err)
		}
		return bo.ProcessBuildStatus(ctx, statusMsg)
	}

	bo.logger.Warn().Str("topic", topic).Msg("⚠️ received message on unknown topic")
	return nil
}

// ProcessBuildRequest queues a new build and skips the project's older queued
// builds on the same branch.
func (bo *BuildOrchestrator) ProcessBuildRequest(ctx context.Context, req message.BuildRequestMessage) (*model.Build, error) {
	bo.logger.Info().Int64("project_id", req.ProjectID).Str("branch", req.Branch).Msg("🔄 processing build request")

	if req.Branch == "" {
		return nil, fmt.Errorf("build request for project %d: branch is required", req.ProjectID)
	}
	if _, err := bo.store.GetProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}

	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = bo.now()
	}

	build := &model.Build{
		ProjectID:  req.ProjectID,
		Branch:     req.Branch,
		CommitHash: req.CommitHash,
		Status:     model.StatusNew,
		Message:    "Build queued for processing",
		CreatedAt:  createdAt.UTC(),
	}
	if err := bo.store.CreateBuild(ctx, build); err != nil {
		bo.logger.Error().Err(err).Msg("❌ failed to store build")
		return nil, err
	}

	if err := bo.publishStatus(build); err != nil {
		bo.logger.Error().Err(err).Int64("build_id", build.ID).Msg("❌ failed to send status update")
		return nil, err
	}
	if err := bo.publishUpdate(build); err != nil {
		bo.logger.Warn().Err(err).Int64("build_id", build.ID).Msg("failed to publish build update")
	}

	result, err := bo.SkipPending(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		bo.logger.Warn().Err(err).Int64("project_id", req.ProjectID).Msg("some intermediate builds could not be skipped")
	}

	bo.logger.Info().Int64("build_id", build.ID).Msg("✅ build created and queued")
	return build, nil
}

// SkipPending collapses the project's queued builds to the newest per branch.
func (bo *BuildOrchestrator) SkipPending(ctx context.Context, projectID int64) (*status.SkipResult, error) {
	pending, err := bo.store.PendingBuilds(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load pending builds of project %d: %w", projectID, err)
	}

	refs := make([]status.BuildRef, 0, len(pending))
	for _, b := range pending {
		refs = append(refs, status.RefOf(b))
	}
	return bo.dedup.SkipIntermediateBuilds(ctx, refs)
}

// ProcessBuildStatus applies a status update reported by an executor.
// Updates that would move a build backwards are ignored. The stored build is
// only overwritten if nobody changed it since it was read; otherwise the
// update is checked again against the fresh record.
func (bo *BuildOrchestrator) ProcessBuildStatus(ctx context.Context, statusMsg message.BuildStatusMessage) error {
	for attempt := 0; ; attempt++ {
		build, applied, err := bo.applyStatus(ctx, statusMsg)
		if errors.Is(err, status.ErrBuildChanged) && attempt < statusUpdateAttempts-1 {
			continue
		}
		if err != nil {
			bo.logger.Error().Err(err).Int64("build_id", statusMsg.BuildID).Msg("❌ failed to update build status")
			return err
		}
		if !applied {
			return nil
		}

		bo.logger.Info().Int64("build_id", build.ID).Stringer("status", build.Status).Msg("📊 build status updated")
		if err := bo.publishUpdate(build); err != nil {
			bo.logger.Warn().Err(err).Int64("build_id", build.ID).Msg("failed to publish build update")
		}
		return nil
	}
}

func (bo *BuildOrchestrator) applyStatus(ctx context.Context, statusMsg message.BuildStatusMessage) (*model.Build, bool, error) {
	build, err := bo.store.GetBuild(ctx, statusMsg.BuildID)
	if err != nil {
		return nil, false, err
	}

	if build.Status == statusMsg.Status {
		return build, false, nil
	}
	if !canTransition(build.Status, statusMsg.Status) {
		bo.logger.Debug().
			Int64("build_id", build.ID).
			Stringer("from", build.Status).
			Stringer("to", statusMsg.Status).
			Msg("ignoring status update")
		return build, false, nil
	}

	updatedAt := statusMsg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = bo.now()
	}
	updatedAt = updatedAt.UTC()

	loaded := build.Status
	build.Status = statusMsg.Status
	build.UpdatedAt = updatedAt
	if statusMsg.Message != "" {
		build.Message = statusMsg.Message
	}

	switch {
	case statusMsg.Status == model.StatusRunning && build.StartedAt == nil:
		build.StartedAt = &updatedAt
	case statusMsg.Status.IsFinished():
		finishedAt := updatedAt
		if statusMsg.FinishedAt != nil {
			finishedAt = statusMsg.FinishedAt.UTC()
		}
		build.FinishedAt = &finishedAt
	}

	if err := bo.store.SaveBuildIf(ctx, build, loaded); err != nil {
		return nil, false, err
	}
	return build, true, nil
}

// canTransition allows new -> running/success/failed/skipped and
// running -> success/failed/skipped. Finished and skipped builds are final.
func canTransition(from, to model.BuildStatus) bool {
	switch from {
	case model.StatusNew:
		return to.In(model.StatusRunning, model.StatusSuccess, model.StatusFailed, model.StatusSkipped)
	case model.StatusRunning:
		return to.In(model.StatusSuccess, model.StatusFailed, model.StatusSkipped)
	}
	return false
}

// BuildSkipped announces a build the deduplicator marked skipped and saved.
func (bo *BuildOrchestrator) BuildSkipped(_ context.Context, b *model.Build) error {
	if err := bo.publishStatus(b); err != nil {
		return err
	}
	return bo.publishUpdate(b)
}

// publishStatus tells executors about a transition the orchestrator made.
func (bo *BuildOrchestrator) publishStatus(b *model.Build) error {
	return bo.publisher.SendMessage(message.TopicBuildStatus, strconv.FormatInt(b.ID, 10), statusMessage(b))
}

// publishUpdate announces a build state that is already stored.
func (bo *BuildOrchestrator) publishUpdate(b *model.Build) error {
	return bo.publisher.SendMessage(message.TopicBuildUpdates, strconv.FormatInt(b.ID, 10), statusMessage(b))
}

func statusMessage(b *model.Build) message.BuildStatusMessage {
	return message.BuildStatusMessage{
		MessageID:  uuid.New().String(),
		BuildID:    b.ID,
		ProjectID:  b.ProjectID,
		Branch:     b.Branch,
		Status:     b.Status,
		Message:    statusText(b.Status),
		UpdatedAt:  b.UpdatedAt,
		FinishedAt: b.FinishedAt,
	}
}

func statusText(s model.BuildStatus) string {
	switch s {
	case model.StatusNew:
		return "Build queued for processing"
	case model.StatusSkipped:
		return "Build skipped: a newer build is queued on the same branch"
	}
	return fmt.Sprintf("Build %s", s)
}
