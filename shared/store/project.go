package store

import (
	"context"

	"buildstatus/shared/model"
)

// Project binds a project record to the store so its build history can be
// queried. It satisfies status.Project.
type Project struct {
	record *model.Project
	store  *Store
}

func (s *Store) Project(ctx context.Context, id int64) (*Project, error) {
	record, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Project{record: record, store: s}, nil
}

func (p *Project) ID() int64              { return p.record.ID }
func (p *Project) Title() string          { return p.record.Title }
func (p *Project) Record() *model.Project { return p.record }

func (p *Project) LatestBuild(ctx context.Context, branch string, statuses ...model.BuildStatus) (*model.Build, error) {
	return p.store.LatestBuild(ctx, p.record.ID, branch, statuses...)
}

func (p *Project) Branches(ctx context.Context) ([]string, error) {
	return p.store.Branches(ctx, p.record.ID)
}
