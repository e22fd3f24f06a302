package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	grammars := filepath.Join(dir, "grammars")
	require.NoError(t, os.MkdirAll(grammars, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(grammars, "digits.gram"), []byte("#JSGF V1.0;"), 0o644))

	cfg := config.Default()
	cfg.Recognizer.GrammarDir = grammars
	cfg.EventStore.RetentionMode = "session"
	cfg.EventStore.Path = filepath.Join(dir, "events.db")

	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, rt.setup(context.Background()))
	srv := httptest.NewServer(rt.router())
	t.Cleanup(func() {
		srv.Close()
		_ = rt.sessions.Shutdown(context.Background())
		rt.teardown()
	})
	return rt, srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndReadiness(t *testing.T) {
	rt, srv := newTestRuntime(t)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/readyz", nil))

	rt.ready.Store(true)
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/readyz", nil))
}

func TestGrammarsPreloaded(t *testing.T) {
	_, srv := newTestRuntime(t)

	var body struct {
		Default string   `json:"default"`
		Loaded  []string `json:"loaded"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/grammars", &body))
	require.Equal(t, "digits", body.Default)
	require.Equal(t, []string{"digits"}, body.Loaded)
}

func TestWebSocketSessionIsRecorded(t *testing.T) {
	_, srv := newTestRuntime(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?grammar=digits"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ready protocol.Event
	require.NoError(t, conn.ReadJSON(&ready))
	require.Equal(t, protocol.EventReady, ready.Type)

	var live struct {
		Sessions []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"sessions"`
	}
	getJSON(t, srv.URL+"/sessions", &live)
	require.Len(t, live.Sessions, 1)
	require.Equal(t, ready.SessionID, live.Sessions[0].ID)
	require.Equal(t, "listening", live.Sessions[0].State)

	require.NoError(t, conn.Close())

	var history struct {
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	require.Eventually(t, func() bool {
		history.Events = nil
		getJSON(t, srv.URL+"/sessions/"+ready.SessionID+"/events", &history)
		return len(history.Events) == 2
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, string(protocol.EventReady), history.Events[0].Type)
	require.Equal(t, string(protocol.EventStopped), history.Events[1].Type)

	var nodes struct {
		Nodes []any `json:"nodes"`
	}
	getJSON(t, srv.URL+"/nodes", &nodes)
	require.Empty(t, nodes.Nodes)
}
