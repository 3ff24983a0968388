package config

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KIOSK_"

type envSetter func(c *KioskConfig, v string) error

func setString(field func(*KioskConfig) **string) envSetter {
	return func(c *KioskConfig, v string) error {
		*field(c) = ptrString(v)
		return nil
	}
}

func setInt(field func(*KioskConfig) **int) envSetter {
	return func(c *KioskConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = ptrInt(n)
		return nil
	}
}

func setFloat(field func(*KioskConfig) **float64) envSetter {
	return func(c *KioskConfig, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = ptrFloat64(f)
		return nil
	}
}

func setBool(field func(*KioskConfig) **bool) envSetter {
	return func(c *KioskConfig, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = ptrBool(b)
		return nil
	}
}

// envFields maps the suffix after EnvPrefix to the field it overrides. The
// suffix is the upper-cased JSON key.
var envFields = map[string]envSetter{
	"SERIAL_PORT":        setString(func(c *KioskConfig) **string { return &c.SerialPort }),
	"BAUD_RATE":          setInt(func(c *KioskConfig) **int { return &c.BaudRate }),
	"SERIAL_ATTEMPTS":    setInt(func(c *KioskConfig) **int { return &c.SerialAttempts }),
	"SERIAL_RETRY_DELAY": setString(func(c *KioskConfig) **string { return &c.SerialRetryDelay }),

	"SESSION_TIMEOUT": setString(func(c *KioskConfig) **string { return &c.SessionTimeout }),
	"TICK_INTERVAL":   setString(func(c *KioskConfig) **string { return &c.TickInterval }),
	"CONFIRM_TIMEOUT": setString(func(c *KioskConfig) **string { return &c.ConfirmTimeout }),
	"CONFIRM_POLL":    setString(func(c *KioskConfig) **string { return &c.ConfirmPoll }),
	"SETTLE_DELAY":    setString(func(c *KioskConfig) **string { return &c.SettleDelay }),
	"STARTUP_DELAY":   setString(func(c *KioskConfig) **string { return &c.StartupDelay }),

	"SHOT_COUNT":           setInt(func(c *KioskConfig) **int { return &c.ShotCount }),
	"REJECTION_THRESHOLD":  setFloat(func(c *KioskConfig) **float64 { return &c.RejectionThreshold }),
	"ACCEPTANCE_THRESHOLD": setFloat(func(c *KioskConfig) **float64 { return &c.AcceptanceThreshold }),

	"IMAGE_DIR":  setString(func(c *KioskConfig) **string { return &c.ImageDir }),
	"SHOT_DELAY": setString(func(c *KioskConfig) **string { return &c.ShotDelay }),
	"CAPTURE_COMMAND": func(c *KioskConfig, v string) error {
		c.CaptureCommand = strings.Fields(v)
		return nil
	},

	"CLASSIFIER_URL":            setString(func(c *KioskConfig) **string { return &c.ClassifierURL }),
	"CLASSIFIER_MIN_CONFIDENCE": setFloat(func(c *KioskConfig) **float64 { return &c.ClassifierMinConfidence }),
	"CLASSIFIER_TIMEOUT":        setString(func(c *KioskConfig) **string { return &c.ClassifierTimeout }),

	"QR_DIR":         setString(func(c *KioskConfig) **string { return &c.QRDir }),
	"QR_SIZE":        setInt(func(c *KioskConfig) **int { return &c.QRSize }),
	"RECEIPT_EXPIRY": setString(func(c *KioskConfig) **string { return &c.ReceiptExpiry }),

	"DB_PATH": setString(func(c *KioskConfig) **string { return &c.DBPath }),
	"LISTEN":  setString(func(c *KioskConfig) **string { return &c.Listen }),

	"MQTT_BROKER":       setString(func(c *KioskConfig) **string { return &c.MQTTBroker }),
	"MQTT_CLIENT_ID":    setString(func(c *KioskConfig) **string { return &c.MQTTClientID }),
	"MQTT_USERNAME":     setString(func(c *KioskConfig) **string { return &c.MQTTUsername }),
	"MQTT_PASSWORD":     setString(func(c *KioskConfig) **string { return &c.MQTTPassword }),
	"MQTT_TOPIC_PREFIX": setString(func(c *KioskConfig) **string { return &c.MQTTTopicPrefix }),

	"ARCHIVE_ENDPOINT":   setString(func(c *KioskConfig) **string { return &c.ArchiveEndpoint }),
	"ARCHIVE_ACCESS_KEY": setString(func(c *KioskConfig) **string { return &c.ArchiveAccessKey }),
	"ARCHIVE_SECRET_KEY": setString(func(c *KioskConfig) **string { return &c.ArchiveSecretKey }),
	"ARCHIVE_BUCKET":     setString(func(c *KioskConfig) **string { return &c.ArchiveBucket }),
	"ARCHIVE_USE_SSL":    setBool(func(c *KioskConfig) **bool { return &c.ArchiveUseSSL }),
	"ARCHIVE_PREFIX":     setString(func(c *KioskConfig) **string { return &c.ArchivePrefix }),

	"LOG_LEVEL": setString(func(c *KioskConfig) **string { return &c.LogLevel }),
	"LOG_FILE":  setString(func(c *KioskConfig) **string { return &c.LogFile }),
}

// ApplyEnv overlays KIOSK_* variables onto c. lookup is usually
// os.LookupEnv. Set-but-empty variables count as set. The result is
// re-validated.
func (c *KioskConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	for suffix, set := range envFields {
		v, ok := lookup(EnvPrefix + suffix)
		if !ok {
			continue
		}
		if err := set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, suffix, v, err)
		}
	}
	return c.Validate()
}
