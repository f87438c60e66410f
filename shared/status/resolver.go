// Package status turns builds into the summaries shown on dashboards and
// CCTray feeds, and collapses queued builds down to the newest per branch.
package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"buildstatus/shared/model"
)

var (
	// ErrNoBuild is returned by accessors that need the resolver's own build
	// when the branch has none yet.
	ErrNoBuild = errors.New("no build on branch")

	ErrNoProject = errors.New("project is required")
)

// TimeLayout is the CCTray lastBuildTime format: ISO-8601 with a numeric offset.
const TimeLayout = "2006-01-02T15:04:05-0700"

type Activity string

const (
	ActivitySleeping Activity = "Sleeping"
	ActivityPending  Activity = "Pending"
	ActivityBuilding Activity = "Building"
	ActivityUnknown  Activity = "Unknown"
)

// Project is the part of a project the resolver reads.
type Project interface {
	Title() string
	// LatestBuild returns the newest build on branch with one of statuses
	// (any status when none are given), or nil when there is none.
	LatestBuild(ctx context.Context, branch string, statuses ...model.BuildStatus) (*model.Build, error)
}

type Source int

const (
	SourceNone Source = iota
	SourceSelf
	SourceAncestor
)

// FinishedBuild is the build the "last build" fields describe: the resolver's
// own build when it has finished, otherwise the newest finished build on the
// same branch.
type FinishedBuild struct {
	Source Source
	Build  *model.Build
}

type Resolver struct {
	branch   string
	project  Project
	build    *model.Build
	baseURL  string
	finished FinishedBuild
	ancestor *Resolver
}

type Option func(*Resolver)

// WithBaseURL sets the prefix of BuildURL. It is used verbatim.
func WithBaseURL(url string) Option {
	return func(r *Resolver) { r.baseURL = url }
}

// NewResolver wraps build, which may be nil when the branch has no builds.
// When build has not finished yet the project is asked once for the latest
// finished build on the branch; that build backs the "last build" fields.
func NewResolver(ctx context.Context, branch string, project Project, build *model.Build, opts ...Option) (*Resolver, error) {
	r, err := newResolver(branch, project, build, opts)
	if err != nil {
		return nil, err
	}

	if build == nil || build.IsFinished() {
		return r, nil
	}

	last, err := project.LatestBuild(ctx, branch, model.FinishedStatuses...)
	if err != nil {
		return nil, fmt.Errorf("load last finished build of %q: %w", branch, err)
	}
	if last == nil {
		return r, nil
	}

	// The ancestor is built directly so it never looks further back.
	ancestor, err := newResolver(branch, project, last, opts)
	if err != nil {
		return nil, err
	}
	r.ancestor = ancestor
	r.finished = FinishedBuild{Source: SourceAncestor, Build: ancestor.build}
	return r, nil
}

// ResolveBranch wraps the newest build on branch, whatever its status.
func ResolveBranch(ctx context.Context, project Project, branch string, opts ...Option) (*Resolver, error) {
	if project == nil {
		return nil, ErrNoProject
	}
	latest, err := project.LatestBuild(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("load latest build of %q: %w", branch, err)
	}
	return NewResolver(ctx, branch, project, latest, opts...)
}

func newResolver(branch string, project Project, build *model.Build, opts []Option) (*Resolver, error) {
	if project == nil {
		return nil, ErrNoProject
	}

	r := &Resolver{branch: branch, project: project, build: build}
	for _, opt := range opts {
		opt(r)
	}
	if build.IsFinished() {
		r.finished = FinishedBuild{Source: SourceSelf, Build: build}
	}
	return r, nil
}

func (r *Resolver) Build() *model.Build { return r.build }

func (r *Resolver) Branch() string { return r.branch }

// Ancestor is the resolver of the newest finished build, or nil.
func (r *Resolver) Ancestor() *Resolver { return r.ancestor }

func (r *Resolver) Activity() (Activity, error) {
	if r.build == nil {
		return "", ErrNoBuild
	}

	switch {
	case r.build.Status.IsFinished():
		return ActivitySleeping, nil
	case r.build.Status == model.StatusNew:
		return ActivityPending, nil
	case r.build.Status == model.StatusRunning:
		return ActivityBuilding, nil
	}
	return ActivityUnknown, nil
}

func (r *Resolver) Name() string {
	return r.project.Title() + " / " + r.branch
}

func (r *Resolver) IsFinished() bool {
	return r.build.IsFinished()
}

// FinishedBuildInfo returns the build behind the "last build" fields, or nil.
func (r *Resolver) FinishedBuildInfo() *model.Build {
	return r.finished.Build
}

func (r *Resolver) FinishedBuild() FinishedBuild {
	return r.finished
}

func (r *Resolver) LastBuildLabel() string {
	b := r.FinishedBuildInfo()
	if b == nil {
		return ""
	}
	return strconv.FormatInt(b.ID, 10)
}

func (r *Resolver) LastBuildTime() string {
	b := r.FinishedBuildInfo()
	if b == nil || b.FinishedAt == nil {
		return ""
	}
	return b.FinishedAt.Format(TimeLayout)
}

// BuildStatusLabel maps a build's status to its CCTray label.
func BuildStatusLabel(b *model.Build) string {
	if b == nil {
		return "Unknown"
	}

	switch b.Status {
	case model.StatusSuccess:
		return "Success"
	case model.StatusFailed:
		return "Failure"
	case model.StatusSkipped:
		return "Skipped"
	}
	return "Unknown"
}

func (r *Resolver) LastBuildStatus() string {
	b := r.FinishedBuildInfo()
	if b == nil {
		return ""
	}
	return BuildStatusLabel(b)
}

func (r *Resolver) BuildURL() (string, error) {
	if r.build == nil {
		return "", ErrNoBuild
	}
	return r.baseURL + "build/view/" + strconv.FormatInt(r.build.ID, 10), nil
}
