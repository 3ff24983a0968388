package seriallink

import "strings"

// Protocol holds the literal tokens exchanged with the microcontroller. Inbound
// tokens are matched by substring so the firmware may add text around them.
type Protocol struct {
	// Inbound
	Trigger      string `json:"trigger"`
	Confirmation string `json:"confirmation"`
	Clear        string `json:"clear"`

	// Outbound
	Activate     string `json:"activate"`
	SessionEnded string `json:"session_ended"`
}

// DefaultProtocol returns the tokens spoken by the kiosk firmware.
func DefaultProtocol() Protocol {
	return Protocol{
		Trigger:      "OBJECT_DETECTED",
		Confirmation: "SERVO_ACTIVATED",
		Clear:        "OBJECT_CLEAR",
		Activate:     "ACTIVATE_SERVO",
		SessionEnded: "SESSION_ENDED",
	}
}

// LineKind classifies an inbound line.
type LineKind int

const (
	LineOther LineKind = iota
	LineTrigger
	LineConfirmation
	LineClear
)

func (k LineKind) String() string {
	switch k {
	case LineTrigger:
		return "trigger"
	case LineConfirmation:
		return "confirmation"
	case LineClear:
		return "clear"
	default:
		return "other"
	}
}

// Classify inspects a line and returns its kind. Empty tokens never match.
func (p Protocol) Classify(line string) LineKind {
	switch {
	case p.Trigger != "" && strings.Contains(line, p.Trigger):
		return LineTrigger
	case p.Confirmation != "" && strings.Contains(line, p.Confirmation):
		return LineConfirmation
	case p.Clear != "" && strings.Contains(line, p.Clear):
		return LineClear
	default:
		return LineOther
	}
}
