package events

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStreamServer(t *testing.T, p *Publisher) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	NewStreamHandler(p, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamHandler_SSE(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	srv := newStreamServer(t, p)

	resp, err := http.Get(srv.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return p.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	p.Publish(domain.TransitionEvent{IncidentID: "inc-1", From: domain.IncidentStatusOpen, To: domain.IncidentStatusDiagnosing})

	reader := bufio.NewReader(resp.Body)
	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}

	var got domain.TransitionEvent
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, "inc-1", got.IncidentID)
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, domain.IncidentStatusDiagnosing, got.To)
}

func TestStreamHandler_WebSocket(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	srv := newStreamServer(t, p)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return p.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	p.Publish(domain.TransitionEvent{IncidentID: "inc-2", From: domain.IncidentStatusDiagnosed, To: domain.IncidentStatusRemediating})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got domain.TransitionEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "inc-2", got.IncidentID)
	assert.Equal(t, domain.IncidentStatusRemediating, got.To)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return p.SubscriberCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://dash.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://dash.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
}
