package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileReadsYAML(t *testing.T) {
	path := writeConfig(t, `
mode: debug
port: 9000
jwt_secret: s3cret
max_room_size: 4
ping_period: 20s
pong_wait: 30s
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 4, cfg.MaxRoomSize)
	assert.Equal(t, 20*time.Second, cfg.PingPeriod)
	// untouched keys keep their defaults
	assert.Equal(t, int64(64<<10), cfg.ReadLimit)
	assert.Equal(t, 10*time.Second, cfg.WriteWait)
	assert.Equal(t, 32, cfg.SendBuffer)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "mode: debug\nport: 9000\n")
	t.Setenv("COMMS_PORT", "9100")
	t.Setenv("COMMS_MAX_ROOM_SIZE", "3")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 3, cfg.MaxRoomSize)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("COMMS_JWT_SECRET", "x")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 8, cfg.MaxRoomSize)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 60*time.Second, cfg.PongWait)
}

func TestValidate(t *testing.T) {
	_, err := LoadFile(writeConfig(t, "mode: release\n"))
	assert.ErrorContains(t, err, "jwt_secret")

	_, err = LoadFile(writeConfig(t, "mode: debug\nping_period: 70s\n"))
	assert.ErrorContains(t, err, "ping_period")

	_, err = LoadFile(writeConfig(t, "mode: debug\nsend_buffer: 0\n"))
	assert.ErrorContains(t, err, "send_buffer")

	_, err = LoadFile(writeConfig(t, "mode: debug\nread_limit: 5120\n"))
	assert.ErrorContains(t, err, "read_limit")
}

func TestMalformedFileIsAnError(t *testing.T) {
	_, err := LoadFile(writeConfig(t, "mode: debug\nport: [9000\n"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "read config")
}
