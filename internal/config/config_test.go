package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("REALTIME_SERVER_URL", "wss://chat.example.com/ws")
	t.Setenv("REALTIME_USER_ID", "u1")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.DeviceID, "device id is generated when unset")
	assert.Equal(t, "realtime-updates", cfg.StreamName)
	assert.Equal(t, "127.0.0.1:8090", cfg.HTTPAddr)

	d := cfg.DeliveryConfig()
	assert.Equal(t, 10*time.Second, d.AckTimeout)
	assert.Equal(t, 3, d.MaxRetries)
	assert.Equal(t, time.Second, d.Backoff.Base)
	assert.InDelta(t, 0.2, d.Backoff.Jitter, 1e-9)
	opts := cfg.RealtimeOptions()
	assert.True(t, opts.ResendQueuedOnReconnect)
	assert.Equal(t, 256, opts.UpdateBuffer)
	assert.Equal(t, 5*time.Second, opts.SinkTimeout)

	ty := cfg.TypingConfig()
	assert.Equal(t, 250*time.Millisecond, ty.Debounce)
	assert.Equal(t, time.Second, ty.DebounceMaxWait)
	assert.Equal(t, 3*time.Second, ty.Heartbeat)
	assert.Equal(t, 2*time.Second, ty.AutoStop)
	assert.Equal(t, 4*time.Second, ty.ReceiverTimeout)

	p := cfg.PresenceConfig()
	assert.Equal(t, 5*time.Second, p.BackgroundDelay)
	assert.Equal(t, 25*time.Second, p.KeepaliveInterval)
	assert.Equal(t, 35*time.Second, p.TTL)
	assert.Equal(t, 2*time.Second, p.LookupTimeout)
	assert.Equal(t, cfg.DeviceID, p.Device.DeviceID)
	require.NoError(t, p.Validate())

	w := cfg.WSConfig()
	assert.Equal(t, "wss://chat.example.com/ws", w.URL)
	assert.Equal(t, 30*time.Second, w.Reconnect.Max)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("REALTIME_DEVICE_ID", "d9")
	t.Setenv("REALTIME_DELIVERY_MAX_RETRIES", "5")
	t.Setenv("REALTIME_DELIVERY_RESEND_QUEUED_ON_RECONNECT", "false")
	t.Setenv("REALTIME_TYPING_DEBOUNCE", "100ms")
	t.Setenv("REALTIME_PRESENCE_KEEPALIVE", "20s")
	t.Setenv("REALTIME_UPDATE_BUFFER", "1024")
	t.Setenv("REALTIME_SINK_TIMEOUT", "750ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "d9", cfg.DeviceID)
	assert.Equal(t, 5, cfg.Delivery.MaxRetries)
	assert.False(t, cfg.RealtimeOptions().ResendQueuedOnReconnect)
	assert.Equal(t, 100*time.Millisecond, cfg.Typing.Debounce)
	assert.Equal(t, 20*time.Second, cfg.Presence.KeepaliveInterval)
	assert.Equal(t, 1024, cfg.RealtimeOptions().UpdateBuffer)
	assert.Equal(t, 750*time.Millisecond, cfg.RealtimeOptions().SinkTimeout)
}

func TestLoadRequiresServerAndUser(t *testing.T) {
	t.Setenv("REALTIME_SERVER_URL", "")
	t.Setenv("REALTIME_USER_ID", "")
	os.Unsetenv("REALTIME_SERVER_URL")
	os.Unsetenv("REALTIME_USER_ID")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REALTIME_SERVER_URL")
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"REALTIME_SERVER_URL=ws://localhost:8080/ws\nREALTIME_USER_ID=from-file\nREALTIME_LOG_FORMAT=json\n",
	), 0o600))
	t.Setenv("REALTIME_USER_ID", "from-env")
	t.Cleanup(func() {
		os.Unsetenv("REALTIME_SERVER_URL")
		os.Unsetenv("REALTIME_LOG_FORMAT")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.ServerURL)
	assert.Equal(t, "from-env", cfg.UserID, "the environment wins over the file")
	assert.Equal(t, "json", cfg.LogFormat)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidateNamesOffendingVariables(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Presence.KeepaliveInterval = 31 * time.Second
	cfg.Delivery.MaxRetries = 0
	cfg.Delivery.RetryJitter = 1
	cfg.Typing.Heartbeat = 4 * time.Second
	cfg.Reconnect.Max = time.Millisecond
	cfg.UpdateBuffer = 0
	cfg.SinkTimeout = 0

	err = cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, name := range []string{
		"REALTIME_PRESENCE_KEEPALIVE",
		"REALTIME_DELIVERY_MAX_RETRIES",
		"REALTIME_DELIVERY_RETRY_JITTER",
		"REALTIME_TYPING_HEARTBEAT",
		"REALTIME_RECONNECT_MAX",
		"REALTIME_UPDATE_BUFFER",
		"REALTIME_SINK_TIMEOUT",
	} {
		assert.Contains(t, msg, name)
	}

	cfg.Presence.KeepaliveInterval = 30 * time.Second
	cfg.Delivery.MaxRetries = 1
	cfg.Delivery.RetryJitter = 0
	cfg.Typing.Heartbeat = 3 * time.Second
	cfg.Reconnect.Max = time.Minute
	cfg.UpdateBuffer = 1
	cfg.SinkTimeout = time.Second
	assert.NoError(t, cfg.Validate(), "keepalive exactly five seconds below the ttl is allowed")
}
