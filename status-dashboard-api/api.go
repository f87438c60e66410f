package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"buildstatus/shared/model"
	"buildstatus/shared/status"
	"buildstatus/shared/store"
)

type StatusDashboardAPI struct {
	store   *store.Store
	baseURL string
	logger  zerolog.Logger
}

func NewStatusDashboardAPI(s *store.Store, baseURL string, logger zerolog.Logger) *StatusDashboardAPI {
	return &StatusDashboardAPI{
		store:   s,
		baseURL: baseURL,
		logger:  logger,
	}
}

func (api *StatusDashboardAPI) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(corsMiddleware)

	r.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		w.WriteHeader(http.StatusOK)
	})

	r.HandleFunc("/api/projects", api.GetProjects).Methods("GET")
	r.HandleFunc("/api/projects/{projectId:[0-9]+}/status", api.GetProjectStatus).Methods("GET")
	r.HandleFunc("/api/projects/{projectId:[0-9]+}/cctray.xml", api.GetCCTray).Methods("GET")
	r.HandleFunc("/api/projects/{projectId:[0-9]+}/branches/{branch:.+}/status", api.GetBranchStatus).Methods("GET")
	r.HandleFunc("/api/builds", api.GetBuilds).Methods("GET")
	r.HandleFunc("/api/builds/{buildId:[0-9]+}", api.GetBuild).Methods("GET")

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

func (api *StatusDashboardAPI) GetProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := api.store.ListProjects(r.Context())
	if err != nil {
		api.logger.Error().Err(err).Msg("failed to list projects")
		http.Error(w, "Failed to list projects", http.StatusInternalServerError)
		return
	}
	writeJSON(w, projects)
}

func (api *StatusDashboardAPI) GetBranchStatus(w http.ResponseWriter, r *http.Request) {
	project, ok := api.loadProject(w, r)
	if !ok {
		return
	}
	branch := mux.Vars(r)["branch"]

	summary, err := api.branchSummary(r.Context(), project, branch)
	if err != nil {
		api.logger.Error().Err(err).Int64("project_id", project.ID()).Str("branch", branch).Msg("failed to resolve branch status")
		http.Error(w, "Failed to resolve branch status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, summary)
}

// GetProjectStatus returns one summary per branch that has builds.
func (api *StatusDashboardAPI) GetProjectStatus(w http.ResponseWriter, r *http.Request) {
	project, ok := api.loadProject(w, r)
	if !ok {
		return
	}

	summaries, err := api.projectSummaries(r.Context(), project)
	if err != nil {
		api.logger.Error().Err(err).Int64("project_id", project.ID()).Msg("failed to resolve project status")
		http.Error(w, "Failed to resolve project status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, summaries)
}

func (api *StatusDashboardAPI) GetCCTray(w http.ResponseWriter, r *http.Request) {
	project, ok := api.loadProject(w, r)
	if !ok {
		return
	}

	summaries, err := api.projectSummaries(r.Context(), project)
	if err != nil {
		api.logger.Error().Err(err).Int64("project_id", project.ID()).Msg("failed to build cctray feed")
		http.Error(w, "Failed to build cctray feed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	if err := writeCCTray(w, summaries); err != nil {
		api.logger.Error().Err(err).Msg("failed to write cctray feed")
	}
}

func (api *StatusDashboardAPI) GetBuilds(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	builds, err := api.store.ListBuilds(r.Context(), limit)
	if err != nil {
		api.logger.Error().Err(err).Msg("failed to list builds")
		builds = []*model.Build{}
	}
	writeJSON(w, builds)
}

func (api *StatusDashboardAPI) GetBuild(w http.ResponseWriter, r *http.Request) {
	buildID, _ := strconv.ParseInt(mux.Vars(r)["buildId"], 10, 64)

	build, err := api.store.GetBuild(r.Context(), buildID)
	if err != nil {
		if errors.Is(err, store.ErrBuildNotFound) {
			http.Error(w, "Build not found", http.StatusNotFound)
			return
		}
		api.logger.Error().Err(err).Int64("build_id", buildID).Msg("failed to retrieve build")
		http.Error(w, "Failed to retrieve build", http.StatusInternalServerError)
		return
	}
	writeJSON(w, build)
}

func (api *StatusDashboardAPI) loadProject(w http.ResponseWriter, r *http.Request) (*store.Project, bool) {
	projectID, _ := strconv.ParseInt(mux.Vars(r)["projectId"], 10, 64)

	project, err := api.store.Project(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			http.Error(w, "Project not found", http.StatusNotFound)
			return nil, false
		}
		api.logger.Error().Err(err).Int64("project_id", projectID).Msg("failed to retrieve project")
		http.Error(w, "Failed to retrieve project", http.StatusInternalServerError)
		return nil, false
	}
	return project, true
}

func (api *StatusDashboardAPI) branchSummary(ctx context.Context, project *store.Project, branch string) (status.Summary, error) {
	resolver, err := status.ResolveBranch(ctx, project, branch, status.WithBaseURL(api.baseURL))
	if err != nil {
		return status.Summary{}, err
	}
	return resolver.Summary(), nil
}

func (api *StatusDashboardAPI) projectSummaries(ctx context.Context, project *store.Project) ([]status.Summary, error) {
	branches, err := project.Branches(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]status.Summary, 0, len(branches))
	for _, branch := range branches {
		summary, err := api.branchSummary(ctx, project, branch)
		if err != nil {
			return nil, err
		}
		if summary.IsEmpty() {
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
