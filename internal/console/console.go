// Package console is a terminal front-end for the kiosk. It renders the
// orchestrator's events as text and turns typed lines into commands, which
// is enough to run a machine headless or to drive it by hand on a bench.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/banshee-data/rvm.kiosk/internal/kiosk"
	"github.com/banshee-data/rvm.kiosk/internal/material"
	"github.com/banshee-data/rvm.kiosk/internal/monitoring"
)

// DefaultPoll bounds how long Render waits on an empty queue before
// checking its context.
const DefaultPoll = 200 * time.Millisecond

const helpText = "commands: start, end, quit"

// aliases accepts the short forms an operator would type.
var aliases = map[string]kiosk.Command{
	"start": kiosk.StartSession,
	"s":     kiosk.StartSession,
	"end":   kiosk.EndSession,
	"e":     kiosk.EndSession,
	"done":  kiosk.EndSession,
	"quit":  kiosk.Quit,
	"q":     kiosk.Quit,
	"exit":  kiosk.Quit,
}

type Console struct {
	in       io.Reader
	out      io.Writer
	commands *kiosk.Queue[kiosk.Command]
	events   *kiosk.Queue[kiosk.Event]
	Poll     time.Duration
}

func New(in io.Reader, out io.Writer, commands *kiosk.Queue[kiosk.Command], events *kiosk.Queue[kiosk.Event]) *Console {
	return &Console{in: in, out: out, commands: commands, events: events, Poll: DefaultPoll}
}

// ParseLine maps a typed line to a command. Blank lines and unknown words
// return false.
func ParseLine(line string) (kiosk.Command, bool) {
	word := strings.ToLower(strings.TrimSpace(line))
	if c, ok := aliases[word]; ok {
		return c, true
	}
	return kiosk.ParseCommand(word)
}

// ReadCommands pushes a command for every recognized input line. It returns
// nil after pushing Quit or at end of input; a closed stdin leaves the
// orchestrator running. The read itself is not interruptible, so callers
// should not wait on it during shutdown.
func (c *Console) ReadCommands(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmd, ok := ParseLine(line)
		if !ok {
			fmt.Fprintf(c.out, "unknown command %q (%s)\n", strings.TrimSpace(line), helpText)
			continue
		}
		monitoring.Debugf("console", "command %s", cmd)
		c.commands.Push(cmd)
		if cmd == kiosk.Quit {
			return nil
		}
	}
	return scanner.Err()
}

// Render prints events until ShuttingDown arrives or ctx is cancelled.
func (c *Console) Render(ctx context.Context) error {
	fmt.Fprintln(c.out, "Reverse vending machine ready. "+helpText)
	for {
		ev, ok := c.events.PopTimeout(c.Poll)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		fmt.Fprintln(c.out, Format(ev))
		if _, done := ev.(kiosk.ShuttingDown); done {
			return nil
		}
	}
}

// Format renders one event as a single display line.
func Format(ev kiosk.Event) string {
	switch e := ev.(type) {
	case kiosk.SessionStarted:
		return "Session started. Insert an item."
	case kiosk.DetectionResult:
		if e.Accepted && e.Material.IsRecognized() {
			return fmt.Sprintf("%s (%.0f%% confident)", e.Text, e.Confidence*100)
		}
		return e.Text
	case kiosk.CountersSnapshot:
		c := e.Counts
		return fmt.Sprintf("Plastic: %d | Can: %d | Rejected: %d | No detection: %d | Total: %d",
			c.Plastic, c.Can, c.Rejected, c.NoDetection, c.Total)
	case kiosk.ReceiptReady:
		p := e.Payload
		s := fmt.Sprintf("Receipt %s: %d %s, %d %s", p.ID, p.Plastic, material.Plastic, p.Can, material.Can)
		if p.ImagePath != "" {
			s += ". Scan " + p.ImagePath
		}
		if !p.ExpiresAt.IsZero() {
			s += " before " + p.ExpiresAt.Local().Format("15:04")
		}
		return s
	case kiosk.ReceiptFailed:
		return "Receipt unavailable: " + e.Reason
	case kiosk.ShuttingDown:
		return "Shutting down."
	default:
		return ev.Kind()
	}
}
