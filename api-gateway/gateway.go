package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"buildstatus/shared/message"
	"buildstatus/shared/store"
)

// Publisher sends JSON messages to a topic. *kafka.Producer satisfies it.
type Publisher interface {
	SendMessage(topic string, key string, value interface{}) error
}

type BuildRequest struct {
	ProjectID  int64  `json:"project_id"`
	Branch     string `json:"branch"`
	CommitHash string `json:"commit_hash"`
}

type BuildResponse struct {
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
}

type Gateway struct {
	store                *store.Store
	publisher            Publisher
	buildOrchestratorURL string
	statusDashboardURL   string
	client               *http.Client
	logger               zerolog.Logger
	now                  func() time.Time
}

func NewGateway(s *store.Store, publisher Publisher, buildOrchestratorURL, statusDashboardURL string, logger zerolog.Logger) *Gateway {
	return &Gateway{
		store:                s,
		publisher:            publisher,
		buildOrchestratorURL: strings.TrimSuffix(buildOrchestratorURL, "/"),
		statusDashboardURL:   strings.TrimSuffix(statusDashboardURL, "/"),
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger,
		now:    time.Now,
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(corsMiddleware)

	r.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.HandleFunc("/api/builds", g.handleBuildRequest).Methods("POST")

	r.HandleFunc("/api/builds/{buildId:[0-9]+}", g.forwardTo(g.buildOrchestratorURL)).Methods("GET")
	r.HandleFunc("/api/projects/{projectId:[0-9]+}/skip-intermediate", g.forwardTo(g.buildOrchestratorURL)).Methods("POST")
	r.HandleFunc("/api/projects", g.forwardTo(g.buildOrchestratorURL)).Methods("POST")

	r.HandleFunc("/api/builds", g.forwardTo(g.statusDashboardURL)).Methods("GET")
	r.PathPrefix("/api/projects").HandlerFunc(g.forwardTo(g.statusDashboardURL)).Methods("GET")

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

// handleBuildRequest publishes a build request for the orchestrator. The
// message is keyed by project so one project's requests stay ordered.
func (g *Gateway) handleBuildRequest(w http.ResponseWriter, r *http.Request) {
	g.logger.Info().Msg("🏗️ received build request")

	var buildReq BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&buildReq); err != nil {
		g.logger.Warn().Err(err).Msg("❌ invalid build request body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if buildReq.ProjectID <= 0 || strings.TrimSpace(buildReq.Branch) == "" {
		http.Error(w, "project_id and branch are required", http.StatusBadRequest)
		return
	}

	if _, err := g.store.GetProject(r.Context(), buildReq.ProjectID); err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			http.Error(w, "Project not found", http.StatusNotFound)
			return
		}
		g.logger.Error().Err(err).Int64("project_id", buildReq.ProjectID).Msg("❌ failed to look up project")
		http.Error(w, "Failed to process build request", http.StatusInternalServerError)
		return
	}

	buildMsg := message.BuildRequestMessage{
		MessageID:  uuid.New().String(),
		ProjectID:  buildReq.ProjectID,
		Branch:     buildReq.Branch,
		CommitHash: buildReq.CommitHash,
		CreatedAt:  g.now().UTC(),
	}

	key := strconv.FormatInt(buildReq.ProjectID, 10)
	if err := g.publisher.SendMessage(message.TopicBuildRequests, key, buildMsg); err != nil {
		g.logger.Error().Err(err).Msg("❌ failed to send build request to Kafka")
		http.Error(w, "Failed to process build request", http.StatusInternalServerError)
		return
	}

	g.logger.Info().
		Str("message_id", buildMsg.MessageID).
		Int64("project_id", buildMsg.ProjectID).
		Str("branch", buildMsg.Branch).
		Msg("✅ build request sent")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(BuildResponse{
		MessageID: buildMsg.MessageID,
		Message:   "Build request submitted successfully",
	})
}

// forwardTo relays the request to the same path and query on upstream and
// copies the answer back. The path is sent escaped, so branch names holding
// "?" or "#" stay part of the path.
func (g *Gateway) forwardTo(upstream string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := upstream + r.URL.EscapedPath()
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}

		req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
		if err != nil {
			http.Error(w, "Bad gateway request", http.StatusInternalServerError)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "" {
			req.Header.Set("Content-Type", ct)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			g.logger.Error().Err(err).Str("upstream", upstream).Str("path", r.URL.Path).Msg("❌ upstream request failed")
			http.Error(w, "Upstream unavailable", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			g.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("failed to relay upstream response")
		}
	}
}
