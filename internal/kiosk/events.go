package kiosk

import (
	"fmt"

	"github.com/banshee-data/rvm.kiosk/internal/material"
	"github.com/banshee-data/rvm.kiosk/internal/receipt"
	"github.com/banshee-data/rvm.kiosk/internal/session"
)

// Command is sent by the presentation side to the orchestrator.
type Command int

const (
	StartSession Command = iota + 1
	EndSession
	Quit
)

func (c Command) String() string {
	switch c {
	case StartSession:
		return "start_session"
	case EndSession:
		return "end_session"
	case Quit:
		return "quit"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// ParseCommand maps a command name back to a Command.
func ParseCommand(s string) (Command, bool) {
	for _, c := range []Command{StartSession, EndSession, Quit} {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// Event is sent by the orchestrator to the presentation side. Each variant
// is delivered as one queue entry.
type Event interface {
	// Kind is a stable name for logs and telemetry topics.
	Kind() string
	isEvent()
}

// Result texts carried by DetectionResult.
const (
	TextAccepted    = "Item accepted: %s"
	TextRejected    = "Item rejected: Confidence too low"
	TextNoDetection = "No object detected"
	TextError       = "Error processing item"
)

// DetectionResult reports the outcome of one detection attempt. Material is
// the counter the item was added to.
type DetectionResult struct {
	Text       string        `json:"text"`
	Material   material.Kind `json:"material"`
	Confidence float64       `json:"confidence"`
	Accepted   bool          `json:"accepted"`
	Report     string        `json:"report,omitempty"`
}

// CountersSnapshot carries the session counters by value.
type CountersSnapshot struct {
	Counts session.Counts `json:"counts"`
}

// ReceiptReady carries the rendered receipt for a finished session.
type ReceiptReady struct {
	Payload receipt.Payload `json:"payload"`
}

// ReceiptFailed reports that no receipt could be produced. The session
// ended anyway.
type ReceiptFailed struct {
	Reason string `json:"reason"`
}

type SessionStarted struct {
	SessionID string `json:"session_id"`
}

type ShuttingDown struct{}

func (DetectionResult) Kind() string  { return "detection_result" }
func (CountersSnapshot) Kind() string { return "counters" }
func (ReceiptReady) Kind() string     { return "receipt_ready" }
func (ReceiptFailed) Kind() string    { return "receipt_failed" }
func (SessionStarted) Kind() string   { return "session_started" }
func (ShuttingDown) Kind() string     { return "shutting_down" }

func (DetectionResult) isEvent()  {}
func (CountersSnapshot) isEvent() {}
func (ReceiptReady) isEvent()     {}
func (ReceiptFailed) isEvent()    {}
func (SessionStarted) isEvent()   {}
func (ShuttingDown) isEvent()     {}
