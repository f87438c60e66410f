package main

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildstatus/shared/model"
	"buildstatus/shared/store"
)

type fixture struct {
	api     *StatusDashboardAPI
	store   *store.Store
	project *model.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := store.New(client)
	project, err := s.CreateProject(context.Background(), "PHPCI")
	require.NoError(t, err)

	return &fixture{
		api:     NewStatusDashboardAPI(s, "http://phpci.local/", zerolog.Nop()),
		store:   s,
		project: project,
	}
}

func (f *fixture) addBuild(t *testing.T, branch string, st model.BuildStatus, finished *time.Time) *model.Build {
	t.Helper()
	b := &model.Build{ProjectID: f.project.ID, Branch: branch, Status: st, FinishedAt: finished}
	require.NoError(t, f.store.CreateBuild(context.Background(), b))
	return b
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.api.Router().ServeHTTP(rec, req)
	return rec
}

func TestGetBranchStatus_FallsBackToLastFinishedBuild(t *testing.T) {
	f := newFixture(t)
	finished := time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)
	f.addBuild(t, "main", model.StatusSuccess, &finished)
	f.addBuild(t, "main", model.StatusRunning, nil)

	rec := f.get(t, "/api/projects/1/branches/main/status")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{
		"name": "PHPCI / main",
		"activity": "Building",
		"lastBuildLabel": "1",
		"lastBuildStatus": "Success",
		"lastBuildTime": "2024-01-05T10:00:00+0000",
		"webUrl": "http://phpci.local/build/view/2"
	}`, rec.Body.String())
}

func TestGetBranchStatus_BranchWithSlash(t *testing.T) {
	f := newFixture(t)
	f.addBuild(t, "feature/cctray", model.StatusFailed, nil)

	rec := f.get(t, "/api/projects/1/branches/feature/cctray/status")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "PHPCI / feature/cctray", body["name"])
	assert.Equal(t, "Failure", body["lastBuildStatus"])
	assert.Equal(t, "", body["lastBuildTime"])
}

func TestGetBranchStatus_NoBuildsYieldsEmptyRecord(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/projects/1/branches/main/status")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
}

func TestGetBranchStatus_UnknownProject(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/projects/42/branches/main/status")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetProjectStatus(t *testing.T) {
	f := newFixture(t)
	f.addBuild(t, "main", model.StatusSuccess, nil)
	f.addBuild(t, "develop", model.StatusNew, nil)

	rec := f.get(t, "/api/projects/1/status")

	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, "PHPCI / develop", summaries[0]["name"])
	assert.Equal(t, "Pending", summaries[0]["activity"])
	assert.Equal(t, "", summaries[0]["lastBuildLabel"])
	assert.Equal(t, "PHPCI / main", summaries[1]["name"])
	assert.Equal(t, "Sleeping", summaries[1]["activity"])
}

func TestGetCCTray(t *testing.T) {
	f := newFixture(t)
	finished := time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)
	f.addBuild(t, "main", model.StatusFailed, &finished)

	rec := f.get(t, "/api/projects/1/cctray.xml")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))

	var feed cctrayProjects
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &feed))
	require.Len(t, feed.Projects, 1)
	assert.Equal(t, cctrayProject{
		Name:            "PHPCI / main",
		Activity:        "Sleeping",
		LastBuildLabel:  "1",
		LastBuildStatus: "Failure",
		LastBuildTime:   "2024-01-05T10:00:00+0000",
		WebURL:          "http://phpci.local/build/view/1",
	}, feed.Projects[0])
}

func TestGetProjects(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/projects")

	require.Equal(t, http.StatusOK, rec.Code)
	var projects []model.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &projects))
	require.Len(t, projects, 1)
	assert.Equal(t, "PHPCI", projects[0].Title)
}

func TestGetBuilds(t *testing.T) {
	f := newFixture(t)
	f.addBuild(t, "main", model.StatusNew, nil)
	f.addBuild(t, "main", model.StatusNew, nil)

	rec := f.get(t, "/api/builds?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var builds []model.Build
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &builds))
	assert.Len(t, builds, 1)

	rec = f.get(t, "/api/builds?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBuild(t *testing.T) {
	f := newFixture(t)
	b := f.addBuild(t, "main", model.StatusRunning, nil)

	rec := f.get(t, "/api/builds/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var loaded model.Build
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loaded))
	assert.Equal(t, b.ID, loaded.ID)
	assert.Equal(t, model.StatusRunning, loaded.Status)

	rec = f.get(t, "/api/builds/404")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/projects", nil)
	rec := httptest.NewRecorder()
	f.api.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
