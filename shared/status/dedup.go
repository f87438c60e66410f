package status

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"buildstatus/shared/model"
)

// BuildRef points at a build by id. Build may carry an already loaded record.
type BuildRef struct {
	ID    int64
	Build *model.Build
}

func RefOf(b *model.Build) BuildRef {
	return BuildRef{ID: b.ID, Build: b}
}

// BuildFactory hydrates references into full build records.
type BuildFactory interface {
	Build(ctx context.Context, ref BuildRef) (*model.Build, error)
}

type BuildSaver interface {
	SaveBuild(ctx context.Context, b *model.Build) error
}

// ErrBuildChanged reports that a stored build no longer has the status it was
// loaded with.
var ErrBuildChanged = errors.New("build changed since it was loaded")

// ConditionalSaver saves b only while the stored record still has status
// expected, and returns ErrBuildChanged otherwise. When the BuildSaver
// implements it, skips go through SaveBuildIf.
type ConditionalSaver interface {
	SaveBuildIf(ctx context.Context, b *model.Build, expected model.BuildStatus) error
}

// Notifier is told about every build that was marked skipped and saved.
type Notifier interface {
	BuildSkipped(ctx context.Context, b *model.Build) error
}

type SkipFailure struct {
	Build *model.Build
	Err   error
}

func (f SkipFailure) Error() string {
	return fmt.Sprintf("skip build %d: %v", f.Build.ID, f.Err)
}

func (f SkipFailure) Unwrap() error { return f.Err }

type SkipResult struct {
	// Survivors holds the newest build per branch.
	Survivors map[string]*model.Build
	// Skipped holds builds that were marked skipped and saved in this pass.
	Skipped []*model.Build
	// Changed holds builds left alone because the store moved them on
	// after they were loaded, e.g. an executor started or finished them.
	Changed  []*model.Build
	Failures []SkipFailure
}

// Err folds all per-build failures into one error, or returns nil.
func (r *SkipResult) Err() error {
	var merr *multierror.Error
	for _, f := range r.Failures {
		merr = multierror.Append(merr, f)
	}
	return merr.ErrorOrNil()
}

type Deduplicator struct {
	factory  BuildFactory
	saver    BuildSaver
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*branchLock
}

// branchLock serializes passes over one project/branch pair. refs counts
// holders and waiters so idle entries can be dropped.
type branchLock struct {
	mu   sync.Mutex
	refs int
}

type DeduplicatorOption func(*Deduplicator)

func WithNotifier(n Notifier) DeduplicatorOption {
	return func(d *Deduplicator) { d.notifier = n }
}

func WithLogger(logger zerolog.Logger) DeduplicatorOption {
	return func(d *Deduplicator) { d.logger = logger }
}

func NewDeduplicator(factory BuildFactory, saver BuildSaver, opts ...DeduplicatorOption) *Deduplicator {
	d := &Deduplicator{
		factory: factory,
		saver:   saver,
		logger:  zerolog.Nop(),
		now:     time.Now,
		locks:   make(map[string]*branchLock),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func lockKey(projectID int64, branch string) string {
	return strconv.FormatInt(projectID, 10) + "/" + branch
}

// lockBranches locks every key in sorted order and returns the unlock func.
// Keys must be unique.
func (d *Deduplicator) lockBranches(keys []string) func() {
	sort.Strings(keys)

	d.mu.Lock()
	held := make([]*branchLock, 0, len(keys))
	for _, key := range keys {
		lock, ok := d.locks[key]
		if !ok {
			lock = &branchLock{}
			d.locks[key] = lock
		}
		lock.refs++
		held = append(held, lock)
	}
	d.mu.Unlock()

	for _, lock := range held {
		lock.mu.Lock()
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		for i, key := range keys {
			held[i].refs--
			if held[i].refs == 0 {
				delete(d.locks, key)
			}
		}
	}
}

// SkipIntermediateBuilds keeps the highest id build of every branch in refs
// and marks the others skipped. Each skipped build is saved on its own; a
// failed save is recorded in the result and does not stop the rest.
// An error is returned only when a reference cannot be hydrated, in which
// case nothing has been modified.
func (d *Deduplicator) SkipIntermediateBuilds(ctx context.Context, refs []BuildRef) (*SkipResult, error) {
	perBranch := make(map[string]map[int64]*model.Build)
	var branches []string

	for _, ref := range refs {
		b, err := d.factory.Build(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("load build %d: %w", ref.ID, err)
		}

		group, ok := perBranch[b.Branch]
		if !ok {
			group = make(map[int64]*model.Build)
			perBranch[b.Branch] = group
			branches = append(branches, b.Branch)
		}
		group[b.ID] = b
	}

	result := &SkipResult{Survivors: make(map[string]*model.Build, len(perBranch))}
	for _, branch := range branches {
		d.skipBranch(ctx, branch, perBranch[branch], result)
	}
	return result, nil
}

func (d *Deduplicator) skipBranch(ctx context.Context, branch string, group map[int64]*model.Build, result *SkipResult) {
	builds := make([]*model.Build, 0, len(group))
	var keys []string
	seen := make(map[string]bool)
	for _, b := range group {
		builds = append(builds, b)
		if key := lockKey(b.ProjectID, branch); !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	unlock := d.lockBranches(keys)
	defer unlock()

	// Highest id first; ids are unique per store.
	sort.Slice(builds, func(i, j int) bool { return builds[i].ID > builds[j].ID })

	survivor := builds[0]
	result.Survivors[branch] = survivor

	for _, b := range builds[1:] {
		if b.Status == model.StatusSkipped {
			continue
		}

		previousStatus, previousUpdatedAt := b.Status, b.UpdatedAt
		b.Status = model.StatusSkipped
		b.UpdatedAt = d.now().UTC()

		if err := d.save(ctx, b, previousStatus); err != nil {
			b.Status, b.UpdatedAt = previousStatus, previousUpdatedAt

			if errors.Is(err, ErrBuildChanged) {
				d.logger.Info().
					Int64("build_id", b.ID).
					Str("branch", branch).
					Msg("build changed since it was loaded, not skipping it")
				result.Changed = append(result.Changed, b)
				continue
			}

			d.logger.Error().Err(err).
				Int64("build_id", b.ID).
				Str("branch", branch).
				Msg("failed to mark build skipped")
			result.Failures = append(result.Failures, SkipFailure{Build: b, Err: err})
			continue
		}

		d.logger.Info().
			Int64("build_id", b.ID).
			Int64("survivor_id", survivor.ID).
			Str("branch", branch).
			Msg("skipped intermediate build")
		result.Skipped = append(result.Skipped, b)

		if d.notifier != nil {
			if err := d.notifier.BuildSkipped(ctx, b); err != nil {
				d.logger.Warn().Err(err).Int64("build_id", b.ID).Msg("failed to announce skipped build")
			}
		}
	}
}

func (d *Deduplicator) save(ctx context.Context, b *model.Build, expected model.BuildStatus) error {
	if conditional, ok := d.saver.(ConditionalSaver); ok {
		return conditional.SaveBuildIf(ctx, b, expected)
	}
	return d.saver.SaveBuild(ctx, b)
}
