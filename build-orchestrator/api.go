package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"buildstatus/shared/message"
	"buildstatus/shared/model"
	"buildstatus/shared/status"
	"buildstatus/shared/store"
)

type CreateProjectRequest struct {
	Title string `json:"title"`
}

type SkipFailureResponse struct {
	BuildID int64  `json:"build_id"`
	Branch  string `json:"branch"`
	Error   string `json:"error"`
}

type SkipResponse struct {
	Survivors map[string]*model.Build `json:"survivors"`
	Skipped   []int64                 `json:"skipped"`
	Changed   []int64                 `json:"changed,omitempty"`
	Failures  []SkipFailureResponse   `json:"failures,omitempty"`
}

func newSkipResponse(result *status.SkipResult) SkipResponse {
	resp := SkipResponse{
		Survivors: result.Survivors,
		Skipped:   make([]int64, 0, len(result.Skipped)),
	}
	for _, b := range result.Skipped {
		resp.Skipped = append(resp.Skipped, b.ID)
	}
	for _, b := range result.Changed {
		resp.Changed = append(resp.Changed, b.ID)
	}
	for _, f := range result.Failures {
		resp.Failures = append(resp.Failures, SkipFailureResponse{
			BuildID: f.Build.ID,
			Branch:  f.Build.Branch,
			Error:   f.Err.Error(),
		})
	}
	return resp
}

func (bo *BuildOrchestrator) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/projects", bo.handleCreateProject).Methods("POST")
	r.HandleFunc("/api/projects/{projectId:[0-9]+}/builds", bo.handleQueueBuild).Methods("POST")
	r.HandleFunc("/api/projects/{projectId:[0-9]+}/skip-intermediate", bo.handleSkipIntermediate).Methods("POST")
	r.HandleFunc("/api/builds/{buildId:[0-9]+}", bo.handleGetBuild).Methods("GET")

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

func (bo *BuildOrchestrator) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		http.Error(w, "Title is required", http.StatusBadRequest)
		return
	}

	project, err := bo.store.CreateProject(r.Context(), req.Title)
	if err != nil {
		bo.logger.Error().Err(err).Msg("❌ failed to create project")
		http.Error(w, "Failed to create project", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(project)
}

// handleQueueBuild is the HTTP twin of a build-requests message.
func (bo *BuildOrchestrator) handleQueueBuild(w http.ResponseWriter, r *http.Request) {
	projectID, _ := strconv.ParseInt(mux.Vars(r)["projectId"], 10, 64)

	var req message.BuildRequestMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.ProjectID = projectID
	if req.Branch == "" {
		http.Error(w, "Branch is required", http.StatusBadRequest)
		return
	}

	build, err := bo.ProcessBuildRequest(r.Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			http.Error(w, "Project not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to queue build", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(build)
}

func (bo *BuildOrchestrator) handleSkipIntermediate(w http.ResponseWriter, r *http.Request) {
	projectID, _ := strconv.ParseInt(mux.Vars(r)["projectId"], 10, 64)

	if _, err := bo.store.GetProject(r.Context(), projectID); err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			http.Error(w, "Project not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to retrieve project", http.StatusInternalServerError)
		return
	}

	result, err := bo.SkipPending(r.Context(), projectID)
	if err != nil {
		bo.logger.Error().Err(err).Int64("project_id", projectID).Msg("❌ failed to skip intermediate builds")
		http.Error(w, "Failed to skip intermediate builds", http.StatusInternalServerError)
		return
	}

	code := http.StatusOK
	if len(result.Failures) > 0 {
		code = http.StatusMultiStatus
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(newSkipResponse(result))
}

func (bo *BuildOrchestrator) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	buildID, _ := strconv.ParseInt(mux.Vars(r)["buildId"], 10, 64)

	build, err := bo.store.GetBuild(r.Context(), buildID)
	if err != nil {
		if errors.Is(err, store.ErrBuildNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to retrieve build", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(build)
}
