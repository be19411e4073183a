package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"frame-recorder/config"
	"frame-recorder/recorder"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Client goroutines may log after a test returns, so these tests log to
// stderr instead of through t
func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

type fakeSource struct {
	status recorder.Status
}

func (f *fakeSource) Status() recorder.Status {
	return f.status
}

func newTestSource() *fakeSource {
	cfg := config.Default()
	return &fakeSource{status: recorder.Status{
		Output:  cfg.Session.OutputPath(),
		Width:   640,
		Height:  480,
		Session: cfg.Session,
		Stats: recorder.Stats{
			SessionID: "test-session",
			State:     "grabbing",
			NumImages: 72000,
			Grabbed:   120,
			Written:   118,
		},
	}}
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHandlers(t *testing.T) {
	cfg := config.Default()
	server := NewServer(cfg, newTestSource(), testLogger())
	handler := server.Handler()

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		decodeJSON(t, rec, &body)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "grabbing", body["state"])
		assert.EqualValues(t, 0, body["websocket_clients"])
	})

	t.Run("status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var status recorder.Status
		decodeJSON(t, rec, &status)
		assert.Equal(t, "test-session", status.Stats.SessionID)
		assert.Equal(t, uint64(118), status.Stats.Written)
		assert.Equal(t, 640, status.Width)
		assert.Equal(t, 120.0, status.Session.FrameRate)
	})

	t.Run("config", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var got config.Config
		decodeJSON(t, rec, &got)
		assert.Equal(t, cfg.Session, got.Session)
		assert.Equal(t, cfg.Encoder.Codec, got.Encoder.Codec)
	})

	t.Run("stats", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Timestamp string         `json:"timestamp"`
			Session   recorder.Stats `json:"session"`
		}
		decodeJSON(t, rec, &body)
		assert.NotEmpty(t, body.Timestamp)
		assert.Equal(t, uint64(120), body.Session.Grabbed)
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/status", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("preflight", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/status", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestHandlersWithoutSession(t *testing.T) {
	server := NewServer(config.Default(), nil, testLogger())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		requestOrigin  string
		wantAllowed    bool
	}{
		{
			name:           "wildcard allows all",
			allowedOrigins: []string{"*"},
			requestOrigin:  "http://example.com",
			wantAllowed:    true,
		},
		{
			name:           "listed origin",
			allowedOrigins: []string{"http://localhost:3000"},
			requestOrigin:  "http://localhost:3000",
			wantAllowed:    true,
		},
		{
			name:           "unlisted origin",
			allowedOrigins: []string{"http://localhost:3000"},
			requestOrigin:  "http://example.com",
			wantAllowed:    false,
		},
		{
			name:           "no origin header",
			allowedOrigins: []string{"http://localhost:3000"},
			requestOrigin:  "",
			wantAllowed:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(nil, tt.allowedOrigins, 0, testLogger())
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			if got := hub.checkOrigin(req); got != tt.wantAllowed {
				t.Errorf("checkOrigin() = %v, want %v", got, tt.wantAllowed)
			}
		})
	}
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketRequests(t *testing.T) {
	server := NewServer(config.Default(), newTestSource(), testLogger())
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	defer server.hub.Close()

	conn := dialWS(t, strings.TrimPrefix(ts.URL, "http://"))
	require.Eventually(t, func() bool { return server.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "status"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "progress", msg.Type)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "basler_video.avi", data["output"])

	require.NoError(t, conn.WriteJSON(Message{Type: "offer"}))
	assert.Equal(t, "error", readMessage(t, conn).Type)

	conn.Close()
	require.Eventually(t, func() bool { return server.hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServerBroadcastsProgress(t *testing.T) {
	cfg := config.Default()
	cfg.Monitor.BindIP = "127.0.0.1"
	cfg.Monitor.Port = 0
	cfg.Monitor.BroadcastIntervalMs = 20

	server := NewServer(cfg, newTestSource(), testLogger())
	require.NoError(t, server.Start())
	require.NotEmpty(t, server.Addr())

	conn := dialWS(t, server.Addr())

	msg := readMessage(t, conn)
	assert.Equal(t, "progress", msg.Type)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	stats, ok := data["stats"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "test-session", stats["session_id"])

	require.NoError(t, server.Stop())
	assert.Zero(t, server.hub.ClientCount())
}
