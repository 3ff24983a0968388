package console

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rvm.kiosk/internal/kiosk"
	"github.com/banshee-data/rvm.kiosk/internal/material"
	"github.com/banshee-data/rvm.kiosk/internal/receipt"
	"github.com/banshee-data/rvm.kiosk/internal/session"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		in     string
		want   kiosk.Command
		wantOK bool
	}{
		{"start", kiosk.StartSession, true},
		{"  S ", kiosk.StartSession, true},
		{"start_session", kiosk.StartSession, true},
		{"end", kiosk.EndSession, true},
		{"done", kiosk.EndSession, true},
		{"end_session", kiosk.EndSession, true},
		{"QUIT", kiosk.Quit, true},
		{"q", kiosk.Quit, true},
		{"", 0, false},
		{"recycle", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseLine(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseLine(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestReadCommands(t *testing.T) {
	commands := kiosk.NewQueue[kiosk.Command]()
	var out bytes.Buffer
	in := strings.NewReader("start\n\nbogus\nend\nquit\nstart\n")

	c := New(in, &out, commands, kiosk.NewQueue[kiosk.Event]())
	require.NoError(t, c.ReadCommands(context.Background()))

	assert.Equal(t, []kiosk.Command{kiosk.StartSession, kiosk.EndSession, kiosk.Quit}, commands.Drain(),
		"reading stops at quit")
	assert.Contains(t, out.String(), `unknown command "bogus"`)
}

func TestReadCommands_EOFDoesNotQuit(t *testing.T) {
	commands := kiosk.NewQueue[kiosk.Command]()
	c := New(strings.NewReader("start\n"), &bytes.Buffer{}, commands, kiosk.NewQueue[kiosk.Event]())

	require.NoError(t, c.ReadCommands(context.Background()))
	assert.Equal(t, []kiosk.Command{kiosk.StartSession}, commands.Drain())
}

func TestRender_StopsOnShuttingDown(t *testing.T) {
	events := kiosk.NewQueue[kiosk.Event]()
	events.Push(kiosk.SessionStarted{SessionID: "s-1"})
	events.Push(kiosk.DetectionResult{Text: "Item accepted: plastic", Material: material.Plastic, Confidence: 0.912, Accepted: true})
	events.Push(kiosk.CountersSnapshot{Counts: session.Counts{Plastic: 1, Total: 1}})
	events.Push(kiosk.ShuttingDown{})
	events.Push(kiosk.SessionStarted{SessionID: "late"})

	var out bytes.Buffer
	c := New(strings.NewReader(""), &out, kiosk.NewQueue[kiosk.Command](), events)
	require.NoError(t, c.Render(context.Background()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"Reverse vending machine ready. commands: start, end, quit",
		"Session started. Insert an item.",
		"Item accepted: plastic (91% confident)",
		"Plastic: 1 | Can: 0 | Rejected: 0 | No detection: 0 | Total: 1",
		"Shutting down.",
	}, lines)
	assert.Equal(t, 1, events.Len(), "events after ShuttingDown stay queued")
}

func TestRender_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(strings.NewReader(""), &bytes.Buffer{}, kiosk.NewQueue[kiosk.Command](), kiosk.NewQueue[kiosk.Event]())
	c.Poll = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- c.Render(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Render did not return after cancel")
	}
}

func TestFormat(t *testing.T) {
	expires := time.Date(2025, 6, 1, 10, 15, 0, 0, time.Local)
	tests := []struct {
		name string
		ev   kiosk.Event
		want string
	}{
		{"rejected", kiosk.DetectionResult{Text: kiosk.TextRejected, Material: material.Rejected}, kiosk.TextRejected},
		{"no detection", kiosk.DetectionResult{Text: kiosk.TextNoDetection, Material: material.NoDetection}, kiosk.TextNoDetection},
		{"receipt", kiosk.ReceiptReady{Payload: receipt.Payload{ID: "r-1", Plastic: 2, Can: 1, ImagePath: "qr_codes/a.png", ExpiresAt: expires}},
			"Receipt r-1: 2 plastic, 1 can. Scan qr_codes/a.png before 10:15"},
		{"receipt without image", kiosk.ReceiptReady{Payload: receipt.Payload{ID: "r-2"}}, "Receipt r-2: 0 plastic, 0 can"},
		{"receipt failed", kiosk.ReceiptFailed{Reason: "disk full"}, "Receipt unavailable: disk full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.ev))
		})
	}
}
