package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	c := &KioskConfig{SessionTimeout: ptrString("10s"), ShotCount: ptrInt(2)}

	err := c.ApplyEnv(lookupFrom(map[string]string{
		"KIOSK_SESSION_TIMEOUT":      "1m",
		"KIOSK_SERIAL_PORT":          "/dev/ttyUSB0",
		"KIOSK_BAUD_RATE":            "115200",
		"KIOSK_ACCEPTANCE_THRESHOLD": "0.6",
		"KIOSK_ARCHIVE_USE_SSL":      "true",
		"KIOSK_CAPTURE_COMMAND":      "fswebcam --no-banner {path}",
		"KIOSK_MQTT_PASSWORD":        " secret ",
		"KIOSK_LOG_FILE":             "",
		"UNRELATED":                  "x",
	}))
	require.NoError(t, err)

	assert.Equal(t, time.Minute, c.GetSessionTimeout())
	assert.Equal(t, 2, c.GetShotCount(), "fields without a variable are untouched")
	assert.Equal(t, "/dev/ttyUSB0", c.GetSerialPort())
	assert.Equal(t, 115200, c.GetBaudRate())
	assert.Equal(t, 0.6, c.GetAcceptanceThreshold())
	assert.True(t, c.GetArchiveUseSSL())
	assert.Equal(t, []string{"fswebcam", "--no-banner", "{path}"}, c.GetCaptureCommand())
	assert.Equal(t, "secret", c.GetMQTTPassword())
	assert.Equal(t, "", c.GetLogFile())
}

func TestApplyEnv_BadNumber(t *testing.T) {
	c := EmptyKioskConfig()
	err := c.ApplyEnv(lookupFrom(map[string]string{"KIOSK_SHOT_COUNT": "three"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KIOSK_SHOT_COUNT")
}

func TestApplyEnv_Revalidates(t *testing.T) {
	c := EmptyKioskConfig()
	err := c.ApplyEnv(lookupFrom(map[string]string{"KIOSK_REJECTION_THRESHOLD": "2"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejection_threshold")
}

func TestEnvFields_AcceptPlainValues(t *testing.T) {
	for suffix := range envFields {
		c := EmptyKioskConfig()
		value := "1"
		if suffix == "ARCHIVE_USE_SSL" {
			value = "true"
		}
		require.NoError(t, envFields[suffix](c, value), suffix)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("KIOSK_TEST_DOTENV=loaded\n"), 0o644))
	t.Setenv("KIOSK_TEST_DOTENV", "")
	os.Unsetenv("KIOSK_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("KIOSK_TEST_DOTENV"))
}

func TestLoadDotEnv_KeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("KIOSK_TEST_DOTENV=file\n"), 0o644))
	t.Setenv("KIOSK_TEST_DOTENV", "process")

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "process", os.Getenv("KIOSK_TEST_DOTENV"))
}

func TestLoadDotEnv_Missing(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))
	assert.NoError(t, LoadDotEnv(""))
}
