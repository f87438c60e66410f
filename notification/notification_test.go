package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildstatus/shared/message"
	"buildstatus/shared/model"
	"buildstatus/shared/status"
	"buildstatus/shared/store"
)

func newTestService(t *testing.T) (*NotificationService, *store.Store, *httptest.Server) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := store.New(client)
	_, err := s.CreateProject(context.Background(), "PHPCI")
	require.NoError(t, err)

	ns := NewNotificationService(s, "http://ci.example.com/", zerolog.Nop())
	server := httptest.NewServer(ns.Router())
	t.Cleanup(server.Close)
	return ns, s, server
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readSummary(t *testing.T, conn *websocket.Conn) SummaryMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg SummaryMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandleWebSocket_PushesSummaries(t *testing.T) {
	ns, s, server := newTestService(t)
	ctx := context.Background()

	finished := time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)
	done := &model.Build{ProjectID: 1, Branch: "main", Status: model.StatusSuccess, FinishedAt: &finished}
	require.NoError(t, s.CreateBuild(ctx, done))

	conn := dial(t, server, "projectId=1&branch=main&clientId=dashboard")

	initial := readSummary(t, conn)
	assert.Equal(t, "summary", initial.Type)
	assert.EqualValues(t, 1, initial.ProjectID)
	assert.Equal(t, "main", initial.Branch)
	assert.Equal(t, status.ActivitySleeping, initial.Summary.Activity)
	assert.Equal(t, "Success", initial.Summary.LastBuildStatus)

	running := &model.Build{ProjectID: 1, Branch: "main", Status: model.StatusRunning}
	require.NoError(t, s.CreateBuild(ctx, running))
	require.NoError(t, ns.ProcessBuildStatus(ctx, message.BuildStatusMessage{
		BuildID: running.ID, ProjectID: 1, Branch: "main", Status: model.StatusRunning,
	}))

	update := readSummary(t, conn)
	assert.Equal(t, status.ActivityBuilding, update.Summary.Activity)
	assert.Equal(t, "Success", update.Summary.LastBuildStatus)
	assert.Equal(t, "PHPCI / main", update.Summary.Name)
	assert.Equal(t, "http://ci.example.com/build/view/2", update.Summary.WebURL)
}

func TestProcessBuildStatus_LooksUpBranchFromBuild(t *testing.T) {
	ns, s, server := newTestService(t)
	ctx := context.Background()

	// No branch filter, so no initial summary is sent.
	conn := dial(t, server, "projectId=1")
	require.Eventually(t, func() bool {
		ns.clientsMutex.RLock()
		defer ns.clientsMutex.RUnlock()
		return len(ns.clients) == 1
	}, time.Second, 10*time.Millisecond)

	b := &model.Build{ProjectID: 1, Branch: "feature/x", Status: model.StatusNew}
	require.NoError(t, s.CreateBuild(ctx, b))
	require.NoError(t, ns.ProcessBuildStatus(ctx, message.BuildStatusMessage{BuildID: b.ID, Status: model.StatusNew}))

	msg := readSummary(t, conn)
	assert.Equal(t, "feature/x", msg.Branch)
	assert.Equal(t, status.ActivityPending, msg.Summary.Activity)
}

func TestProcessBuildStatus_UnknownBuild(t *testing.T) {
	ns, _, _ := newTestService(t)

	err := ns.ProcessBuildStatus(context.Background(), message.BuildStatusMessage{BuildID: 42})

	require.ErrorIs(t, err, store.ErrBuildNotFound)
}

func TestHandleMessage_IgnoresOtherTopics(t *testing.T) {
	ns, _, _ := newTestService(t)

	assert.NoError(t, ns.HandleMessage(context.Background(), "build-logs", []byte(`not json`)))
	assert.NoError(t, ns.HandleMessage(context.Background(), message.TopicBuildStatus, []byte(`not json`)))
	assert.Error(t, ns.HandleMessage(context.Background(), message.TopicBuildUpdates, []byte(`not json`)))
}

func TestHandleMessage_WaitsForStoredUpdate(t *testing.T) {
	ns, s, server := newTestService(t)
	ctx := context.Background()

	b := &model.Build{ProjectID: 1, Branch: "main", Status: model.StatusNew}
	require.NoError(t, s.CreateBuild(ctx, b))

	conn := dial(t, server, "projectId=1&branch=main")
	assert.Equal(t, status.ActivityPending, readSummary(t, conn).Summary.Activity)

	// The executor's event arrives while the store still says new.
	running := message.BuildStatusMessage{BuildID: b.ID, ProjectID: 1, Branch: "main", Status: model.StatusRunning}
	payload, err := json.Marshal(running)
	require.NoError(t, err)
	require.NoError(t, ns.HandleMessage(ctx, message.TopicBuildStatus, payload))

	// The orchestrator stores the transition and announces it.
	b.Status = model.StatusRunning
	require.NoError(t, s.SaveBuild(ctx, b))
	require.NoError(t, ns.HandleMessage(ctx, message.TopicBuildUpdates, payload))

	update := readSummary(t, conn)
	assert.Equal(t, status.ActivityBuilding, update.Summary.Activity)
}

func TestWebSocketClient_Wants(t *testing.T) {
	t.Parallel()

	all := &WebSocketClient{}
	assert.True(t, all.wants(3, "main"))

	project := &WebSocketClient{projectID: 1}
	assert.True(t, project.wants(1, "develop"))
	assert.False(t, project.wants(2, "develop"))

	branch := &WebSocketClient{projectID: 1, branch: "main"}
	assert.True(t, branch.wants(1, "main"))
	assert.False(t, branch.wants(1, "develop"))
}

func TestHandleWebSocket_RejectsBadProjectID(t *testing.T) {
	_, _, server := newTestService(t)

	resp, err := http.Get(server.URL + "/ws?projectId=abc")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
