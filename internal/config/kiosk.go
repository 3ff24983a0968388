// Package config loads the kiosk's settings. Every field is optional: a nil
// pointer means "use the default", which the Get* accessors supply.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ExampleConfigPath is the annotated example shipped with the repository.
const ExampleConfigPath = "config/kiosk.example.json"

// KioskConfig is the root configuration. The JSON keys are the names the
// KIOSK_* environment overrides are derived from.
type KioskConfig struct {
	// Serial link
	SerialPort       *string `json:"serial_port,omitempty"` // "auto" discovers the board
	BaudRate         *int    `json:"baud_rate,omitempty"`
	SerialAttempts   *int    `json:"serial_attempts,omitempty"`
	SerialRetryDelay *string `json:"serial_retry_delay,omitempty"`

	// Session and loop timing, as duration strings like "30s"
	SessionTimeout *string `json:"session_timeout,omitempty"`
	TickInterval   *string `json:"tick_interval,omitempty"`
	ConfirmTimeout *string `json:"confirm_timeout,omitempty"`
	ConfirmPoll    *string `json:"confirm_poll,omitempty"`
	SettleDelay    *string `json:"settle_delay,omitempty"`
	StartupDelay   *string `json:"startup_delay,omitempty"`

	// Detection
	ShotCount           *int     `json:"shot_count,omitempty"`
	RejectionThreshold  *float64 `json:"rejection_threshold,omitempty"`
	AcceptanceThreshold *float64 `json:"acceptance_threshold,omitempty"`

	// Capture
	ImageDir       *string  `json:"image_dir,omitempty"`
	CaptureCommand []string `json:"capture_command,omitempty"`
	ShotDelay      *string  `json:"shot_delay,omitempty"`

	// Classifier
	ClassifierURL           *string  `json:"classifier_url,omitempty"`
	ClassifierMinConfidence *float64 `json:"classifier_min_confidence,omitempty"`
	ClassifierTimeout       *string  `json:"classifier_timeout,omitempty"`

	// Receipts
	QRDir         *string `json:"qr_dir,omitempty"`
	QRSize        *int    `json:"qr_size,omitempty"`
	ReceiptExpiry *string `json:"receipt_expiry,omitempty"`

	// Ledger and admin surface
	DBPath *string `json:"db_path,omitempty"`
	Listen *string `json:"listen,omitempty"`

	// MQTT mirror; disabled when the broker is empty
	MQTTBroker      *string `json:"mqtt_broker,omitempty"`
	MQTTClientID    *string `json:"mqtt_client_id,omitempty"`
	MQTTUsername    *string `json:"mqtt_username,omitempty"`
	MQTTPassword    *string `json:"mqtt_password,omitempty"`
	MQTTTopicPrefix *string `json:"mqtt_topic_prefix,omitempty"`

	// Shot archive; disabled when the endpoint is empty
	ArchiveEndpoint  *string `json:"archive_endpoint,omitempty"`
	ArchiveAccessKey *string `json:"archive_access_key,omitempty"`
	ArchiveSecretKey *string `json:"archive_secret_key,omitempty"`
	ArchiveBucket    *string `json:"archive_bucket,omitempty"`
	ArchiveUseSSL    *bool   `json:"archive_use_ssl,omitempty"`
	ArchivePrefix    *string `json:"archive_prefix,omitempty"`

	// Logging
	LogLevel *string `json:"log_level,omitempty"`
	LogFile  *string `json:"log_file,omitempty"` // "" logs to stderr only
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyKioskConfig returns a KioskConfig with every field unset.
func EmptyKioskConfig() *KioskConfig {
	return &KioskConfig{}
}

// LoadKioskConfig loads a KioskConfig from a JSON file. The file must have a
// .json extension and be under 1MB. Omitted fields keep their defaults.
func LoadKioskConfig(path string) (*KioskConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyKioskConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate checks that the configuration values are valid.
func (c *KioskConfig) Validate() error {
	var errs []error

	for name, v := range map[string]*string{
		"serial_retry_delay": c.SerialRetryDelay,
		"session_timeout":    c.SessionTimeout,
		"tick_interval":      c.TickInterval,
		"confirm_timeout":    c.ConfirmTimeout,
		"confirm_poll":       c.ConfirmPoll,
		"settle_delay":       c.SettleDelay,
		"startup_delay":      c.StartupDelay,
		"shot_delay":         c.ShotDelay,
		"classifier_timeout": c.ClassifierTimeout,
		"receipt_expiry":     c.ReceiptExpiry,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s '%s': %w", name, *v, err))
			continue
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must be non-negative, got %s", name, *v))
		}
	}

	for name, v := range map[string]*float64{
		"rejection_threshold":       c.RejectionThreshold,
		"acceptance_threshold":      c.AcceptanceThreshold,
		"classifier_min_confidence": c.ClassifierMinConfidence,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			errs = append(errs, fmt.Errorf("%s must be between 0 and 1, got %f", name, *v))
		}
	}

	if c.ShotCount != nil && *c.ShotCount < 1 {
		errs = append(errs, fmt.Errorf("shot_count must be at least 1, got %d", *c.ShotCount))
	}
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate))
	}
	if c.SerialAttempts != nil && *c.SerialAttempts < 1 {
		errs = append(errs, fmt.Errorf("serial_attempts must be at least 1, got %d", *c.SerialAttempts))
	}
	if c.QRSize != nil && *c.QRSize < 21 {
		errs = append(errs, fmt.Errorf("qr_size must be at least 21 pixels, got %d", *c.QRSize))
	}

	if len(c.CaptureCommand) > 0 && !containsPlaceholder(c.CaptureCommand) {
		errs = append(errs, fmt.Errorf("capture_command must contain the {path} placeholder"))
	}

	if c.LogLevel != nil && !logLevels[strings.ToLower(*c.LogLevel)] {
		errs = append(errs, fmt.Errorf("unknown log_level %q", *c.LogLevel))
	}

	if c.GetArchiveEndpoint() != "" && (c.GetArchiveAccessKey() == "" || c.GetArchiveSecretKey() == "") {
		errs = append(errs, fmt.Errorf("archive_endpoint requires archive_access_key and archive_secret_key"))
	}

	return errors.Join(errs...)
}

func containsPlaceholder(args []string) bool {
	for _, a := range args {
		if strings.Contains(a, "{path}") {
			return true
		}
	}
	return false
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

// GetSerialPort returns the configured port, or "auto".
func (c *KioskConfig) GetSerialPort() string {
	if c.SerialPort == nil || *c.SerialPort == "" {
		return "auto"
	}
	return *c.SerialPort
}

func (c *KioskConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 9600
	}
	return *c.BaudRate
}

func (c *KioskConfig) GetSerialAttempts() int {
	if c.SerialAttempts == nil {
		return 3
	}
	return *c.SerialAttempts
}

func (c *KioskConfig) GetSerialRetryDelay() time.Duration {
	return durationOr(c.SerialRetryDelay, time.Second)
}

// GetSessionTimeout is the inactivity period after which a session ends.
func (c *KioskConfig) GetSessionTimeout() time.Duration {
	return durationOr(c.SessionTimeout, 30*time.Second)
}

func (c *KioskConfig) GetTickInterval() time.Duration {
	return durationOr(c.TickInterval, 50*time.Millisecond)
}

func (c *KioskConfig) GetConfirmTimeout() time.Duration {
	return durationOr(c.ConfirmTimeout, 3*time.Second)
}

func (c *KioskConfig) GetConfirmPoll() time.Duration {
	return durationOr(c.ConfirmPoll, 100*time.Millisecond)
}

func (c *KioskConfig) GetSettleDelay() time.Duration {
	return durationOr(c.SettleDelay, time.Second)
}

func (c *KioskConfig) GetStartupDelay() time.Duration {
	return durationOr(c.StartupDelay, 3*time.Second)
}

func (c *KioskConfig) GetShotCount() int {
	if c.ShotCount == nil {
		return 3
	}
	return *c.ShotCount
}

// GetRejectionThreshold returns the confidence at which a "rejected" shot
// rejects the whole attempt.
func (c *KioskConfig) GetRejectionThreshold() float64 {
	if c.RejectionThreshold == nil {
		return 0.85
	}
	return *c.RejectionThreshold
}

// GetAcceptanceThreshold returns the minimum verdict confidence for a
// recognized material to be accepted.
func (c *KioskConfig) GetAcceptanceThreshold() float64 {
	if c.AcceptanceThreshold == nil {
		return 0.5
	}
	return *c.AcceptanceThreshold
}

func (c *KioskConfig) GetImageDir() string {
	return stringOr(c.ImageDir, "captured_images")
}

// GetCaptureCommand returns the capture argv, or nil for the built-in
// default.
func (c *KioskConfig) GetCaptureCommand() []string {
	if len(c.CaptureCommand) == 0 {
		return nil
	}
	return append([]string(nil), c.CaptureCommand...)
}

func (c *KioskConfig) GetShotDelay() time.Duration {
	return durationOr(c.ShotDelay, 500*time.Millisecond)
}

func (c *KioskConfig) GetClassifierURL() string {
	return stringOr(c.ClassifierURL, "http://127.0.0.1:8000/detect")
}

func (c *KioskConfig) GetClassifierMinConfidence() float64 {
	if c.ClassifierMinConfidence == nil {
		return 0.5
	}
	return *c.ClassifierMinConfidence
}

func (c *KioskConfig) GetClassifierTimeout() time.Duration {
	return durationOr(c.ClassifierTimeout, 30*time.Second)
}

func (c *KioskConfig) GetQRDir() string {
	return stringOr(c.QRDir, "qr_codes")
}

func (c *KioskConfig) GetQRSize() int {
	if c.QRSize == nil {
		return 300
	}
	return *c.QRSize
}

func (c *KioskConfig) GetReceiptExpiry() time.Duration {
	return durationOr(c.ReceiptExpiry, 15*time.Minute)
}

func (c *KioskConfig) GetDBPath() string {
	return stringOr(c.DBPath, "kiosk.db")
}

// GetListen returns the admin server address. An empty string disables it.
func (c *KioskConfig) GetListen() string {
	return stringOr(c.Listen, "localhost:8081")
}

func (c *KioskConfig) GetMQTTBroker() string   { return stringOr(c.MQTTBroker, "") }
func (c *KioskConfig) GetMQTTClientID() string { return stringOr(c.MQTTClientID, "rvm-kiosk") }
func (c *KioskConfig) GetMQTTUsername() string { return stringOr(c.MQTTUsername, "") }
func (c *KioskConfig) GetMQTTPassword() string { return stringOr(c.MQTTPassword, "") }

// GetMQTTTopicPrefix returns "" when unset; the mirror then derives one from
// the client id.
func (c *KioskConfig) GetMQTTTopicPrefix() string { return stringOr(c.MQTTTopicPrefix, "") }

func (c *KioskConfig) GetArchiveEndpoint() string  { return stringOr(c.ArchiveEndpoint, "") }
func (c *KioskConfig) GetArchiveAccessKey() string { return stringOr(c.ArchiveAccessKey, "") }
func (c *KioskConfig) GetArchiveSecretKey() string { return stringOr(c.ArchiveSecretKey, "") }
func (c *KioskConfig) GetArchiveBucket() string    { return stringOr(c.ArchiveBucket, "rvm-shots") }
func (c *KioskConfig) GetArchivePrefix() string    { return stringOr(c.ArchivePrefix, c.GetMQTTClientID()) }

func (c *KioskConfig) GetArchiveUseSSL() bool {
	if c.ArchiveUseSSL == nil {
		return false
	}
	return *c.ArchiveUseSSL
}

func (c *KioskConfig) GetLogLevel() string {
	if c.LogLevel == nil || *c.LogLevel == "" {
		return "info"
	}
	return strings.ToLower(*c.LogLevel)
}

func (c *KioskConfig) GetLogFile() string {
	return stringOr(c.LogFile, "logs/kiosk.log")
}
