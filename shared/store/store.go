// Package store persists projects and builds in Redis.
//
// Layout:
//
//	project:<id>                          project JSON
//	projects                              ZSET of project ids
//	build:<id>                            build JSON
//	builds:by_date                        ZSET of build ids scored by creation time
//	project:<pid>:branch:<branch>:builds  ZSET of build ids scored by id
//	project:<pid>:branches                SET of branch names
//	project:<pid>:pending                 SET of ids of builds in status new
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"buildstatus/shared/model"
	"buildstatus/shared/status"
)

var (
	ErrBuildNotFound   = errors.New("build not found")
	ErrProjectNotFound = errors.New("project not found")
	ErrInvalidBuild    = errors.New("invalid build")
)

const (
	projectSeqKey = "project:next_id"
	buildSeqKey   = "build:next_id"
	projectsKey   = "projects"
	buildsByDate  = "builds:by_date"

	latestBuildPageSize     = 25
	conditionalSaveAttempts = 3
)

func projectKey(id int64) string { return fmt.Sprintf("project:%d", id) }
func buildKey(id int64) string   { return fmt.Sprintf("build:%d", id) }

func branchBuildsKey(projectID int64, branch string) string {
	return fmt.Sprintf("project:%d:branch:%s:builds", projectID, branch)
}

func branchesKey(projectID int64) string { return fmt.Sprintf("project:%d:branches", projectID) }
func pendingKey(projectID int64) string  { return fmt.Sprintf("project:%d:pending", projectID) }

type Store struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

type Option func(*Store)

// WithRetention expires build records after d. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) CreateProject(ctx context.Context, title string) (*model.Project, error) {
	id, err := s.client.Incr(ctx, projectSeqKey).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate project id: %w", err)
	}

	project := &model.Project{ID: id, Title: title, CreatedAt: s.now().UTC()}
	projectJSON, err := json.Marshal(project)
	if err != nil {
		return nil, err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, projectKey(id), projectJSON, 0)
	pipe.ZAdd(ctx, projectsKey, &redis.Z{Score: float64(id), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store project %d: %w", id, err)
	}
	return project, nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	projectJSON, err := s.client.Get(ctx, projectKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %d", ErrProjectNotFound, id)
		}
		return nil, err
	}

	var project model.Project
	if err := json.Unmarshal(projectJSON, &project); err != nil {
		return nil, fmt.Errorf("decode project %d: %w", id, err)
	}
	return &project, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]*model.Project, error) {
	ids, err := s.client.ZRange(ctx, projectsKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	projects := make([]*model.Project, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		project, err := s.GetProject(ctx, id)
		if errors.Is(err, ErrProjectNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, nil
}

// CreateBuild allocates an id for b and stores it. A zero CreatedAt is set to now.
func (s *Store) CreateBuild(ctx context.Context, b *model.Build) error {
	if b.ProjectID == 0 || b.Branch == "" {
		return fmt.Errorf("%w: project and branch are required", ErrInvalidBuild)
	}

	id, err := s.client.Incr(ctx, buildSeqKey).Result()
	if err != nil {
		return fmt.Errorf("allocate build id: %w", err)
	}
	b.ID = id
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now().UTC()
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = b.CreatedAt
	}
	return s.SaveBuild(ctx, b)
}

// SaveBuild writes b and keeps the branch, date and pending indexes in step.
func (s *Store) SaveBuild(ctx context.Context, b *model.Build) error {
	if b == nil || b.ID == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidBuild)
	}

	buildJSON, err := json.Marshal(b)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	s.queueBuildWrite(ctx, pipe, b, buildJSON)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store build %d: %w", b.ID, err)
	}
	return nil
}

// SaveBuildIf writes b like SaveBuild, but only while the stored record still
// has status expected. Otherwise it returns status.ErrBuildChanged and leaves
// the record alone.
func (s *Store) SaveBuildIf(ctx context.Context, b *model.Build, expected model.BuildStatus) error {
	if b == nil || b.ID == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidBuild)
	}

	buildJSON, err := json.Marshal(b)
	if err != nil {
		return err
	}

	key := buildKey(b.ID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("%w: %d", ErrBuildNotFound, b.ID)
			}
			return err
		}
		current, err := decodeBuild(b.ID, raw)
		if err != nil {
			return err
		}
		if current.Status != expected {
			return fmt.Errorf("%w: build %d is %s, expected %s", status.ErrBuildChanged, b.ID, current.Status, expected)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.queueBuildWrite(ctx, pipe, b, buildJSON)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < conditionalSaveAttempts; attempt++ {
		err = s.client.Watch(ctx, txf, key)
		if err != redis.TxFailedErr {
			if err != nil {
				return fmt.Errorf("store build %d: %w", b.ID, err)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: build %d kept changing", status.ErrBuildChanged, b.ID)
}

func (s *Store) queueBuildWrite(ctx context.Context, pipe redis.Pipeliner, b *model.Build, buildJSON []byte) {
	pipe.Set(ctx, buildKey(b.ID), buildJSON, s.retention)
	pipe.ZAdd(ctx, buildsByDate, &redis.Z{
		Score:  float64(b.CreatedAt.Unix()),
		Member: b.ID,
	})
	pipe.ZAdd(ctx, branchBuildsKey(b.ProjectID, b.Branch), &redis.Z{
		Score:  float64(b.ID),
		Member: b.ID,
	})
	pipe.SAdd(ctx, branchesKey(b.ProjectID), b.Branch)
	if b.Status == model.StatusNew {
		pipe.SAdd(ctx, pendingKey(b.ProjectID), b.ID)
	} else {
		pipe.SRem(ctx, pendingKey(b.ProjectID), b.ID)
	}
}

func (s *Store) GetBuild(ctx context.Context, id int64) (*model.Build, error) {
	buildJSON, err := s.client.Get(ctx, buildKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %d", ErrBuildNotFound, id)
		}
		return nil, err
	}
	return decodeBuild(id, buildJSON)
}

// Build hydrates a reference into a full record. A reference that already
// carries a loaded build is returned as is.
func (s *Store) Build(ctx context.Context, ref status.BuildRef) (*model.Build, error) {
	if ref.Build != nil {
		return ref.Build, nil
	}
	return s.GetBuild(ctx, ref.ID)
}

// ListBuilds returns up to limit builds, newest first.
func (s *Store) ListBuilds(ctx context.Context, limit int64) ([]*model.Build, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, buildsByDate, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadBuilds(ctx, ids)
}

// LatestBuild returns the newest build on branch whose status is one of
// statuses, or any status when none are given. It returns nil when no build
// matches.
func (s *Store) LatestBuild(ctx context.Context, projectID int64, branch string, statuses ...model.BuildStatus) (*model.Build, error) {
	key := branchBuildsKey(projectID, branch)

	for start := int64(0); ; start += latestBuildPageSize {
		ids, err := s.client.ZRevRange(ctx, key, start, start+latestBuildPageSize-1).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}

		builds, err := s.loadBuilds(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, b := range builds {
			if len(statuses) == 0 || b.Status.In(statuses...) {
				return b, nil
			}
		}

		if int64(len(ids)) < latestBuildPageSize {
			return nil, nil
		}
	}
}

func (s *Store) Branches(ctx context.Context, projectID int64) ([]string, error) {
	branches, err := s.client.SMembers(ctx, branchesKey(projectID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(branches)
	return branches, nil
}

// PendingBuilds returns the project's builds in status new, ordered by id.
func (s *Store) PendingBuilds(ctx context.Context, projectID int64) ([]*model.Build, error) {
	ids, err := s.client.SMembers(ctx, pendingKey(projectID)).Result()
	if err != nil {
		return nil, err
	}
	builds, err := s.loadBuilds(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].ID < builds[j].ID })
	return builds, nil
}

// loadBuilds fetches ids in one round trip, preserving order and dropping
// expired records.
func (s *Store) loadBuilds(ctx context.Context, ids []string) ([]*model.Build, error) {
	if len(ids) == 0 {
		return []*model.Build{}, nil
	}

	keys := make([]string, 0, len(ids))
	parsed := make([]int64, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, buildKey(id))
		parsed = append(parsed, id)
	}
	if len(keys) == 0 {
		return []*model.Build{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	builds := make([]*model.Build, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		b, err := decodeBuild(parsed[i], []byte(raw))
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, nil
}

func decodeBuild(id int64, raw []byte) (*model.Build, error) {
	var b model.Build
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode build %d: %w", id, err)
	}
	return &b, nil
}
