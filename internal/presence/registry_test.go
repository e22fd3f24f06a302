package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/natsserver"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestRegistryAnnouncesLoad(t *testing.T) {
	client := connect(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	load := func() Load { return Load{ActiveSessions: 2, Grammars: []string{"digits"}} }
	reg, err := NewRegistry(context.Background(), config.NodeConfig{ID: "asr-a", Role: "asr", HeartbeatInterval: 50}, client, load, log)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	require.True(t, reg.Healthy())
	nodes := reg.Nodes()
	require.Len(t, nodes, 1)
	require.Equal(t, "asr", nodes[0].Role)
	require.Equal(t, 2, nodes[0].Load.ActiveSessions)
	require.Equal(t, []string{"digits"}, nodes[0].Load.Grammars)
}

func TestRegistryTracksPeers(t *testing.T) {
	client := connect(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := NewRegistry(context.Background(), config.NodeConfig{ID: "asr-a", Role: "asr", HeartbeatInterval: 50}, client, nil, log)
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	require.NoError(t, client.Conn().Flush())

	require.NoError(t, client.PublishJSON(protocol.SubjectNodeAnnounce, announceMessage{
		NodeID: "asr-b",
		Role:   "asr",
		Load:   Load{ActiveSessions: 5},
	}))

	require.Eventually(t, func() bool {
		for _, node := range reg.Nodes() {
			if node.ID == "asr-b" && node.Load.ActiveSessions == 5 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// asr-b never heartbeats, so it goes stale while asr-a stays healthy
	require.Eventually(t, func() bool {
		for _, node := range reg.Nodes() {
			if node.ID == "asr-b" {
				return !node.Healthy
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
	require.True(t, reg.Healthy())
}
