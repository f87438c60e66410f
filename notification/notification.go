package main

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"buildstatus/shared/kafka"
	"buildstatus/shared/message"
	"buildstatus/shared/status"
	"buildstatus/shared/store"
)

type WebSocketClient struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	clientID  string
	projectID int64  // 0 receives every project
	branch    string // empty receives every branch
}

func (c *WebSocketClient) wants(projectID int64, branch string) bool {
	if c.projectID != 0 && c.projectID != projectID {
		return false
	}
	return c.branch == "" || c.branch == branch
}

func (c *WebSocketClient) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// SummaryMessage is pushed to subscribers whenever a branch's status changes.
type SummaryMessage struct {
	Type      string         `json:"type"`
	ProjectID int64          `json:"projectId"`
	Branch    string         `json:"branch"`
	Summary   status.Summary `json:"summary"`
}

type NotificationService struct {
	store        *store.Store
	baseURL      string
	logger       zerolog.Logger
	clients      map[string]*WebSocketClient
	clientsMutex sync.RWMutex
	upgrader     websocket.Upgrader
}

func NewNotificationService(s *store.Store, baseURL string, logger zerolog.Logger) *NotificationService {
	return &NotificationService{
		store:   s,
		baseURL: baseURL,
		logger:  logger,
		clients: make(map[string]*WebSocketClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (ns *NotificationService) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws", ns.HandleWebSocket)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

func (ns *NotificationService) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var projectID int64
	if raw := query.Get("projectId"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid projectId", http.StatusBadRequest)
			return
		}
		projectID = parsed
	}

	clientID := query.Get("clientId")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	conn, err := ns.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ns.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &WebSocketClient{
		conn:      conn,
		clientID:  clientID,
		projectID: projectID,
		branch:    query.Get("branch"),
	}

	ns.clientsMutex.Lock()
	ns.clients[clientID] = client
	ns.clientsMutex.Unlock()

	defer func() {
		ns.clientsMutex.Lock()
		delete(ns.clients, clientID)
		ns.clientsMutex.Unlock()
		conn.Close()
	}()

	// A client watching one branch gets its current state straight away.
	if projectID != 0 && client.branch != "" {
		if msg, err := ns.summaryMessage(r.Context(), projectID, client.branch); err != nil {
			ns.logger.Warn().Err(err).Str("client_id", clientID).Msg("failed to resolve initial summary")
		} else if err := client.send(msg); err != nil {
			return
		}
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ns.logger.Warn().Err(err).Str("client_id", clientID).Msg("websocket error")
			}
			return
		}
	}
}

// HandleMessage processes a consumed build-updates message. Raw build-status
// events are ignored: they can arrive before the orchestrator stored them.
func (ns *NotificationService) HandleMessage(ctx context.Context, topic string, value []byte) error {
	if topic != message.TopicBuildUpdates {
		return nil
	}
	var statusMsg message.BuildStatusMessage
	if err := kafka.UnmarshalMessage(value, &statusMsg); err != nil {
		return err
	}
	return ns.ProcessBuildStatus(ctx, statusMsg)
}

// ProcessBuildStatus recomputes the summary of the branch a stored build
// update belongs to and broadcasts it.
func (ns *NotificationService) ProcessBuildStatus(ctx context.Context, statusMsg message.BuildStatusMessage) error {
	projectID, branch := statusMsg.ProjectID, statusMsg.Branch
	if projectID == 0 || branch == "" {
		build, err := ns.store.GetBuild(ctx, statusMsg.BuildID)
		if err != nil {
			return err
		}
		projectID, branch = build.ProjectID, build.Branch
	}

	msg, err := ns.summaryMessage(ctx, projectID, branch)
	if err != nil {
		return err
	}
	ns.BroadcastSummary(msg)
	return nil
}

func (ns *NotificationService) summaryMessage(ctx context.Context, projectID int64, branch string) (SummaryMessage, error) {
	project, err := ns.store.Project(ctx, projectID)
	if err != nil {
		return SummaryMessage{}, err
	}
	resolver, err := status.ResolveBranch(ctx, project, branch, status.WithBaseURL(ns.baseURL))
	if err != nil {
		return SummaryMessage{}, err
	}
	return SummaryMessage{
		Type:      "summary",
		ProjectID: projectID,
		Branch:    branch,
		Summary:   resolver.Summary(),
	}, nil
}

func (ns *NotificationService) BroadcastSummary(msg SummaryMessage) {
	ns.clientsMutex.RLock()
	defer ns.clientsMutex.RUnlock()

	sent := 0
	for clientID, client := range ns.clients {
		if !client.wants(msg.ProjectID, msg.Branch) {
			continue
		}
		if err := client.send(msg); err != nil {
			// The connection handler cleans the client up
			ns.logger.Warn().Err(err).Str("client_id", clientID).Msg("failed to send summary")
			continue
		}
		sent++
	}

	ns.logger.Debug().
		Int64("project_id", msg.ProjectID).
		Str("branch", msg.Branch).
		Int("clients", sent).
		Msg("broadcasted summary")
}
