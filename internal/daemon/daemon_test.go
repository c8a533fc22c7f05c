package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/ranya-bridge/internal/config"
	"github.com/harun/ranya-bridge/internal/logger"
	"github.com/harun/ranya-bridge/pkg/channels"
	"github.com/harun/ranya-bridge/pkg/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Agent.APIKey = "sk-test-key"
	cfg.Logging.AuditFile = filepath.Join(tmpDir, "audit.log")
	cfg.Diagnostics.ListenAddr = "127.0.0.1:0"
	cfg.Socket.Enabled = true
	cfg.Socket.ListenAddr = "127.0.0.1:0"
	cfg.Socket.AuthToken = "socket-token"
	return cfg
}

// createTestDaemon creates a daemon with only the socket channel enabled.
func createTestDaemon(t *testing.T, cfg *config.Config, opts ...Option) *Daemon {
	t.Helper()
	log, err := logger.New(logger.Config{
		Level: "debug",
		File:  filepath.Join(cfg.DataDir, "logs", "bridge.log"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log, opts...)
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	assert.NotNil(t, d.store)
	assert.NotNil(t, d.cursors)
	assert.NotNil(t, d.executor)
	assert.NotNil(t, d.lifecycle)
	assert.NotNil(t, d.reporter)
	assert.NotNil(t, d.diagnostics)
	assert.Nil(t, d.watcher)
	assert.Equal(t, []channels.ChannelKind{channels.KindSelfHostedSocket}, d.GetChannelRegistry().Kinds())
	d.closeStorage()
}

func TestNew_RequiresAgentKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.APIKey = ""

	log, err := logger.New(logger.Config{Level: "error", File: filepath.Join(cfg.DataDir, "bridge.log")})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.Error(t, err)
}

func TestNew_InvalidChannelConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Webhook.Enabled = true
	cfg.Webhook.Secret = ""

	log, err := logger.New(logger.Config{Level: "error", File: filepath.Join(cfg.DataDir, "bridge.log")})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.ErrorContains(t, err, "webhook")
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start must fail")

	status := d.Status()
	assert.True(t, status.Running)
	require.Len(t, status.Channels, 1)
	assert.Equal(t, "socket", status.Channels[0].Channel)

	_, err := os.Stat(PIDFilePath(cfg.DataDir))
	assert.NoError(t, err)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop(), "stop when not running must fail")

	_, err = os.Stat(PIDFilePath(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonStartRefusesLiveOwner(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)

	// The parent process (the test runner) is alive and is not us.
	owner := strconv.Itoa(os.Getppid())
	pidFile := PIDFilePath(cfg.DataDir)
	require.NoError(t, os.WriteFile(pidFile, []byte(owner), 0o644))

	err := d.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
	assert.False(t, d.Status().Running)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, owner, string(data), "the owner's PID file must survive")
}

func TestDaemonRoutesSocketMessagesThroughStore(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start())
	defer d.Stop()

	ch, ok := d.GetChannelRegistry().Get(channels.KindSelfHostedSocket)
	require.True(t, ok)
	srv := ch.(*gateway.Server)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr().String()+gateway.DefaultPath, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(gateway.InboundFrame{Type: gateway.FrameAuth, Token: "socket-token", ClientID: "phone"}))
	var frame gateway.OutboundFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, gateway.FrameAuthOK, frame.Type)

	require.NoError(t, conn.WriteJSON(gateway.InboundFrame{Type: gateway.FrameMessage, Text: "/clear"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type == gateway.FrameResponse {
			break
		}
	}
	assert.Equal(t, channels.ClearConfirmation, frame.Content)

	latest, ok, err := d.store.LatestConversation(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, latest, d.mapper.ActiveConversationID())
}

func TestNew_RestoresLatestConversation(t *testing.T) {
	cfg := testConfig(t)

	first := createTestDaemon(t, cfg)
	id, err := first.store.CreateConversation(context.Background())
	require.NoError(t, err)
	first.closeStorage()

	second := createTestDaemon(t, cfg)
	defer second.closeStorage()
	assert.Equal(t, id, second.mapper.ActiveConversationID())
}

func TestDaemonGetters(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.closeStorage()

	assert.NotNil(t, d.GetConfig())
	assert.NotNil(t, d.GetLogger())
	assert.NotNil(t, d.GetChannelRegistry())
	assert.NotNil(t, d.GetAccessController())
}
