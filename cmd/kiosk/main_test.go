package main

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rvm.kiosk/internal/config"
	"github.com/banshee-data/rvm.kiosk/internal/detection"
	"github.com/banshee-data/rvm.kiosk/internal/monitoring"
)

func noEnv(string) (string, bool) { return "", false }

func resetLogging() {
	log.SetOutput(os.Stderr)
	monitoring.SetLevel(monitoring.LevelInfo)
}

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, "", *configPath)
	assert.Equal(t, ".env", *envPath)
	assert.Equal(t, "", *portFlag)
	assert.Equal(t, "", *listenFlag)
	assert.Equal(t, "", *dbFlag)
	assert.False(t, *versionFlag)
}

func TestLoadConfig_Layers(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "kiosk.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"session_timeout": "45s", "shot_count": 4}`), 0o644))

	env := map[string]string{"KIOSK_SHOT_COUNT": "5"}
	cfg, err := loadConfig(cfgPath, filepath.Join(dir, "missing.env"), func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.GetSessionTimeout())
	assert.Equal(t, 5, cfg.GetShotCount(), "environment wins over the file")
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := loadConfig("", "", noEnv)
	require.NoError(t, err)
	assert.Equal(t, "auto", cfg.GetSerialPort())
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.json"), "", noEnv)
	assert.Error(t, err)
}

func TestApplyFlags(t *testing.T) {
	cfg := config.EmptyKioskConfig()
	applyFlags(cfg, "/dev/ttyUSB1", "", "ledger.db")

	assert.Equal(t, "/dev/ttyUSB1", cfg.GetSerialPort())
	assert.Equal(t, "localhost:8081", cfg.GetListen(), "empty flag keeps the configured value")
	assert.Equal(t, "ledger.db", cfg.GetDBPath())
}

func TestOrchestratorConfig(t *testing.T) {
	timeout, settle := "10s", "250ms"
	cfg := &config.KioskConfig{SessionTimeout: &timeout, SettleDelay: &settle}

	oc := orchestratorConfig(cfg)
	assert.Equal(t, 10*time.Second, oc.SessionTimeout)
	assert.Equal(t, 250*time.Millisecond, oc.SettleDelay)
	assert.Equal(t, 3*time.Second, oc.ConfirmTimeout)
	assert.Equal(t, 50*time.Millisecond, oc.TickInterval)
}

func TestDetectionConfig(t *testing.T) {
	assert.Equal(t, detection.DefaultConfig(), detectionConfig(config.EmptyKioskConfig()))
}

func TestSetupLogging_ToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "kiosk.log")
	level := "debug"
	cfg := &config.KioskConfig{LogFile: &path, LogLevel: &level}

	closer, err := setupLogging(cfg)
	require.NoError(t, err)
	require.NotNil(t, closer)
	t.Cleanup(func() {
		closer.Close()
		resetLogging()
	})

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestSetupLogging_StderrOnly(t *testing.T) {
	empty := ""
	closer, err := setupLogging(&config.KioskConfig{LogFile: &empty})
	t.Cleanup(resetLogging)
	require.NoError(t, err)
	assert.Nil(t, closer)
}
