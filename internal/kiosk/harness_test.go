package kiosk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/rvm.kiosk/internal/detection"
	"github.com/banshee-data/rvm.kiosk/internal/material"
	"github.com/banshee-data/rvm.kiosk/internal/receipt"
	"github.com/banshee-data/rvm.kiosk/internal/seriallink"
	"github.com/banshee-data/rvm.kiosk/internal/session"
	"github.com/banshee-data/rvm.kiosk/internal/timeutil"
)

// maxTicks stops a runaway scenario.
const maxTicks = 5000

// harness runs an Orchestrator against a fake port on a mock clock. Scripted
// actions fire after the numbered tick, so a scenario plays out
// deterministically on the test goroutine.
type harness struct {
	t        *testing.T
	cfg      Config
	clock    *timeutil.MockClock
	port     *seriallink.TestablePort
	opener   *seriallink.MockOpener
	link     *seriallink.Link
	commands *Queue[Command]
	events   *Queue[Event]
	detector *fakeDetector
	receipts *fakeReceipts
	orch     *Orchestrator

	ticks  int
	script map[int][]func()
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		cfg:      DefaultConfig(),
		clock:    timeutil.NewMockClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)),
		port:     seriallink.NewTestablePort(),
		commands: NewQueue[Command](),
		events:   NewQueue[Event](),
		detector: &fakeDetector{},
		receipts: &fakeReceipts{},
		script:   make(map[int][]func()),
	}
	h.opener = seriallink.NewMockOpener(h.port)
	h.link = seriallink.New(seriallink.Config{Path: "/dev/ttyTEST"}, h.opener.Open, h.clock)
	h.orch = New(h.cfg, h.link, h.detector, h.receipts, h.clock, h.commands, h.events, opts...)
	h.orch.newID = func() string { return "sess-1" }
	return h
}

// at schedules f to run right after tick n completes.
func (h *harness) at(n int, f func()) { h.script[n] = append(h.script[n], f) }

func (h *harness) push(n int, cmds ...Command) {
	h.at(n, func() {
		for _, c := range cmds {
			h.commands.Push(c)
		}
	})
}

func (h *harness) serial(n int, data string) {
	h.at(n, func() { h.port.AddReadData(data) })
}

// replyTo makes the fake firmware answer line with reply.
func (h *harness) replyTo(line, reply string) {
	h.port.OnWrite = func(l string) {
		if l == line {
			h.port.AddReadData(reply)
		}
	}
}

func (h *harness) run(ctx context.Context) error {
	h.clock.OnSleep(func(d time.Duration) {
		if d != h.cfg.TickInterval {
			return
		}
		h.ticks++
		for _, f := range h.script[h.ticks] {
			f()
		}
		if h.ticks == maxTicks {
			h.t.Errorf("scenario did not finish within %d ticks", maxTicks)
			h.commands.Push(Quit)
		}
	})
	return h.orch.Run(ctx)
}

func (h *harness) sleepsOf(d time.Duration) int {
	n := 0
	for _, s := range h.clock.Sleeps() {
		if s == d {
			n++
		}
	}
	return n
}

func kinds(evs []Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind()
	}
	return out
}

func eventsOf[T Event](evs []Event) []T {
	var out []T
	for _, ev := range evs {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type fakeDetector struct {
	results []detection.Result
	calls   int
}

func (f *fakeDetector) Detect(context.Context) detection.Result {
	f.calls++
	if len(f.results) == 0 {
		return detection.Result{Verdict: material.Verdict{Material: material.None}}
	}
	i := f.calls - 1
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i]
}

func accepted(k material.Kind, conf float64) detection.Result {
	return detection.Result{Accepted: true, Verdict: material.Verdict{Material: k, Confidence: conf}}
}

type fakeReceipts struct {
	err      error
	rendered []session.Counts
}

func (f *fakeReceipts) Render(c session.Counts) (receipt.Payload, error) {
	f.rendered = append(f.rendered, c)
	if f.err != nil {
		return receipt.Payload{}, f.err
	}
	return receipt.Payload{ID: "r-1", Plastic: c.Plastic, Can: c.Can}, nil
}

type fakeRecorder struct {
	starts     []string
	detections []DetectionRecord
	ends       []SessionRecord
	err        error
}

func (f *fakeRecorder) RecordSessionStart(_ context.Context, id string, _ time.Time) error {
	f.starts = append(f.starts, id)
	return f.err
}

func (f *fakeRecorder) RecordDetection(_ context.Context, rec DetectionRecord) error {
	f.detections = append(f.detections, rec)
	return f.err
}

func (f *fakeRecorder) RecordSessionEnd(_ context.Context, rec SessionRecord) error {
	f.ends = append(f.ends, rec)
	return f.err
}

type fakeMirror struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeMirror) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type fakeMetrics struct {
	started, ended, detections int
	confirmFailures            int
	receiptFailures            int
	linkDown                   int
}

func (f *fakeMetrics) SessionStarted()            { f.started++ }
func (f *fakeMetrics) SessionEnded(SessionRecord) { f.ended++ }
func (f *fakeMetrics) ConfirmationFailed()        { f.confirmFailures++ }
func (f *fakeMetrics) ReceiptFailed()             { f.receiptFailures++ }

func (f *fakeMetrics) DetectionCompleted(material.Kind, float64, time.Duration) {
	f.detections++
}

func (f *fakeMetrics) LinkConnected(ok bool) {
	if !ok {
		f.linkDown++
	}
}

type fakeCloser struct{ closed int }

func (f *fakeCloser) Close() error {
	f.closed++
	return errors.New("camera already released")
}
