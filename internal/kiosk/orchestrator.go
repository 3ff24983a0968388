// Package kiosk runs the kiosk state machine: it owns the serial link and the
// session, runs detection attempts when the hardware reports an object and
// talks to the presentation side only through two queues.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rvm.kiosk/internal/detection"
	"github.com/banshee-data/rvm.kiosk/internal/material"
	"github.com/banshee-data/rvm.kiosk/internal/monitoring"
	"github.com/banshee-data/rvm.kiosk/internal/receipt"
	"github.com/banshee-data/rvm.kiosk/internal/seriallink"
	"github.com/banshee-data/rvm.kiosk/internal/session"
	"github.com/banshee-data/rvm.kiosk/internal/timeutil"
)

const component = "kiosk"

var (
	// ErrConfirmationTimeout means the actuator never acknowledged the
	// activate command.
	ErrConfirmationTimeout = errors.New("actuator confirmation timed out")
	// ErrActuatorWrite means the activate command could not be sent.
	ErrActuatorWrite = errors.New("actuator command not sent")
)

// State is the orchestrator's position in the session state machine.
type State int

const (
	Idle State = iota
	Active
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Processing:
		return "processing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Link is the hardware line protocol the orchestrator drives.
type Link interface {
	Open() error
	ReadLine() (string, bool)
	Write(line string) bool
	Close() error
	Connected() bool
}

// Detector runs one detection attempt.
type Detector interface {
	Detect(ctx context.Context) detection.Result
}

// ReceiptRenderer produces the receipt for a finished session.
type ReceiptRenderer interface {
	Render(counts session.Counts) (receipt.Payload, error)
}

// DetectionRecord describes one finished detection attempt.
type DetectionRecord struct {
	SessionID string
	At        time.Time
	Outcome   material.Kind
	Result    detection.Result
	// Confirmed is true when the actuator acknowledged an accepted item.
	Confirmed bool
	Text      string
}

// SessionRecord describes a finished session.
type SessionRecord struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	Counts    session.Counts
	Reason    string
	ReceiptID string

	// ReceiptExpires is zero when no receipt was produced.
	ReceiptExpires time.Time
}

// Recorder persists session history. Errors are logged and ignored.
type Recorder interface {
	RecordSessionStart(ctx context.Context, id string, at time.Time) error
	RecordDetection(ctx context.Context, rec DetectionRecord) error
	RecordSessionEnd(ctx context.Context, rec SessionRecord) error
}

// Mirror receives a copy of every emitted event.
type Mirror interface {
	Publish(ev Event)
}

// Metrics observes the state machine.
type Metrics interface {
	SessionStarted()
	SessionEnded(rec SessionRecord)
	DetectionCompleted(outcome material.Kind, confidence float64, elapsed time.Duration)
	ConfirmationFailed()
	ReceiptFailed()
	LinkConnected(ok bool)
}

// Config holds the orchestrator timings and hardware tokens.
type Config struct {
	SessionTimeout time.Duration
	TickInterval   time.Duration
	ConfirmPoll    time.Duration
	ConfirmTimeout time.Duration
	SettleDelay    time.Duration
	StartupDelay   time.Duration
	Protocol       seriallink.Protocol
}

// DefaultConfig returns the timings the kiosk ships with.
func DefaultConfig() Config {
	return Config{
		SessionTimeout: 30 * time.Second,
		TickInterval:   50 * time.Millisecond,
		ConfirmPoll:    100 * time.Millisecond,
		ConfirmTimeout: 3 * time.Second,
		SettleDelay:    time.Second,
		StartupDelay:   3 * time.Second,
		Protocol:       seriallink.DefaultProtocol(),
	}
}

// Orchestrator is the single owner of the serial link and the session.
// Everything except the two queues is confined to the goroutine calling Run.
type Orchestrator struct {
	cfg      Config
	link     Link
	detector Detector
	receipts ReceiptRenderer
	clock    timeutil.Clock

	commands *Queue[Command]
	events   *Queue[Event]

	capture  io.Closer
	recorder Recorder
	mirror   Mirror
	metrics  Metrics

	state     State
	session   session.State
	sessionID string
	startedAt time.Time
	quit      bool
	newID     func() string
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithCaptureCloser releases the capture device when Run returns.
func WithCaptureCloser(c io.Closer) Option { return func(o *Orchestrator) { o.capture = c } }

func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }
func WithMirror(m Mirror) Option     { return func(o *Orchestrator) { o.mirror = m } }
func WithMetrics(m Metrics) Option   { return func(o *Orchestrator) { o.metrics = m } }

// New builds an orchestrator. Zero durations in cfg take their defaults.
func New(cfg Config, link Link, detector Detector, receipts ReceiptRenderer, clock timeutil.Clock,
	commands *Queue[Command], events *Queue[Event], opts ...Option) *Orchestrator {

	def := DefaultConfig()
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = def.ConfirmPoll
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	// Negative delays disable settling and the boot wait.
	switch {
	case cfg.SettleDelay == 0:
		cfg.SettleDelay = def.SettleDelay
	case cfg.SettleDelay < 0:
		cfg.SettleDelay = 0
	}
	switch {
	case cfg.StartupDelay == 0:
		cfg.StartupDelay = def.StartupDelay
	case cfg.StartupDelay < 0:
		cfg.StartupDelay = 0
	}
	if cfg.Protocol == (seriallink.Protocol{}) {
		cfg.Protocol = def.Protocol
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	o := &Orchestrator{
		cfg:      cfg,
		link:     link,
		detector: detector,
		receipts: receipts,
		clock:    clock,
		commands: commands,
		events:   events,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current state. Only meaningful from the Run goroutine or
// after Run has returned.
func (o *Orchestrator) State() State { return o.state }

// Counts returns the live session counters under the same restriction as State.
func (o *Orchestrator) Counts() session.Counts { return o.session.Snapshot() }

// Run opens the link and loops until Quit is received or ctx is cancelled.
// It returns an error only when the link cannot be opened at startup. The
// link and capture device are released on every return path and
// ShuttingDown is always the last event emitted.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.shutdown()

	if err := o.link.Open(); err != nil {
		return fmt.Errorf("open serial link: %w", err)
	}
	o.observeLink()

	monitoring.Infof(component, "waiting %v for the controller to boot", o.cfg.StartupDelay)
	o.clock.Sleep(o.cfg.StartupDelay)
	monitoring.Infof(component, "ready")

	for !o.quit {
		if err := ctx.Err(); err != nil {
			monitoring.Infof(component, "context done: %v", err)
			break
		}
		o.tick(ctx)
		if o.quit {
			break
		}
		o.clock.Sleep(o.cfg.TickInterval)
	}
	return nil
}

func (o *Orchestrator) shutdown() {
	if o.session.Active() {
		monitoring.Warnf(component, "shutting down with session %s still open", o.sessionID)
	}
	if err := o.link.Close(); err != nil {
		monitoring.Warnf(component, "error closing serial link: %v", err)
	}
	if o.capture != nil {
		if err := o.capture.Close(); err != nil {
			monitoring.Warnf(component, "error releasing capture device: %v", err)
		}
	}
	if o.metrics != nil {
		o.metrics.LinkConnected(false)
	}
	o.emit(ShuttingDown{})
	monitoring.Infof(component, "shutdown complete")
}

// tick runs one loop iteration: pending commands, the inactivity check and
// at most one serial line.
func (o *Orchestrator) tick(ctx context.Context) {
	for {
		cmd, ok := o.commands.TryPop()
		if !ok {
			break
		}
		o.handleCommand(ctx, cmd)
		if o.quit {
			return
		}
	}

	if o.state == Active {
		if idle := o.session.IdleFor(o.clock.Now()); idle > o.cfg.SessionTimeout {
			monitoring.Infof(component, "session %s inactive for %v, ending", o.sessionID, idle.Round(time.Millisecond))
			o.endSession(ctx, "timeout")
		}
	}

	if line, ok := o.link.ReadLine(); ok {
		o.handleLine(ctx, line)
	}
	o.observeLink()
}

func (o *Orchestrator) handleCommand(ctx context.Context, cmd Command) {
	monitoring.Debugf(component, "command %s in state %s", cmd, o.state)
	switch cmd {
	case StartSession:
		if o.state != Idle {
			monitoring.Infof(component, "start ignored: session %s already active", o.sessionID)
			return
		}
		o.startSession(ctx)
	case EndSession:
		if o.state == Idle {
			monitoring.Infof(component, "end ignored: no active session")
			return
		}
		o.endSession(ctx, "requested")
	case Quit:
		monitoring.Infof(component, "quit requested")
		o.quit = true
	default:
		monitoring.Warnf(component, "unknown command %v", cmd)
	}
}

func (o *Orchestrator) handleLine(ctx context.Context, line string) {
	switch o.cfg.Protocol.Classify(line) {
	case seriallink.LineTrigger:
		if o.state != Active {
			monitoring.Infof(component, "object detected with no active session, ignoring")
			return
		}
		o.processItem(ctx)
	case seriallink.LineClear:
		monitoring.Debugf(component, "object cleared")
	case seriallink.LineConfirmation:
		monitoring.Debugf(component, "unexpected actuator confirmation: %s", line)
	default:
		monitoring.Debugf(component, "serial: %s", line)
	}
}

func (o *Orchestrator) startSession(ctx context.Context) {
	now := o.clock.Now()
	o.session.Start(now)
	o.sessionID = o.newID()
	o.startedAt = now
	o.state = Active
	monitoring.Infof(component, "session %s started", o.sessionID)

	o.emit(SessionStarted{SessionID: o.sessionID})
	if o.recorder != nil {
		if err := o.recorder.RecordSessionStart(ctx, o.sessionID, now); err != nil {
			monitoring.Warnf(component, "failed to record session start: %v", err)
		}
	}
	if o.metrics != nil {
		o.metrics.SessionStarted()
	}
}

// endSession finishes the active session. A receipt failure is reported but
// never keeps the session open.
func (o *Orchestrator) endSession(ctx context.Context, reason string) {
	counts := o.session.Snapshot()
	rec := SessionRecord{
		ID:        o.sessionID,
		StartedAt: o.startedAt,
		EndedAt:   o.clock.Now(),
		Counts:    counts,
		Reason:    reason,
	}

	payload, err := o.renderReceipt(counts)
	if err != nil {
		monitoring.Errorf(component, "receipt generation failed: %v", err)
		o.emit(ReceiptFailed{Reason: err.Error()})
		if o.metrics != nil {
			o.metrics.ReceiptFailed()
		}
	} else {
		rec.ReceiptID = payload.ID
		rec.ReceiptExpires = payload.ExpiresAt
		o.emit(ReceiptReady{Payload: payload})
	}

	if !o.link.Write(o.cfg.Protocol.SessionEnded) {
		monitoring.Warnf(component, "could not notify controller that the session ended")
	}

	o.session.End()
	o.state = Idle
	monitoring.Infof(component, "session %s ended (%s): %d plastic, %d can, %d rejected",
		rec.ID, reason, counts.Plastic, counts.Can, counts.Rejected)

	if o.recorder != nil {
		if err := o.recorder.RecordSessionEnd(ctx, rec); err != nil {
			monitoring.Warnf(component, "failed to record session end: %v", err)
		}
	}
	if o.metrics != nil {
		o.metrics.SessionEnded(rec)
	}
	o.sessionID = ""
}

func (o *Orchestrator) renderReceipt(counts session.Counts) (p receipt.Payload, err error) {
	if o.receipts == nil {
		return receipt.Payload{}, errors.New("no receipt service configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("receipt service panicked: %v", r)
		}
	}()
	return o.receipts.Render(counts)
}

// processItem runs one detection attempt. Triggers that arrive before it
// returns are dropped, not queued.
func (o *Orchestrator) processItem(ctx context.Context) {
	o.state = Processing
	defer func() {
		if o.state == Processing {
			o.state = Active
		}
	}()

	start := o.clock.Now()
	o.session.Touch(start)
	monitoring.Infof(component, "object detected, starting detection")

	res := o.detector.Detect(ctx)
	monitoring.Infof(component, "detection finished:\n%s", res.Report)

	outcome := Outcome(res)
	o.session.AddItem(outcome)
	text := ResultText(res)

	confirmed := false
	if res.Accepted {
		if err := o.activateActuator(); err != nil {
			monitoring.Errorf(component, "actuator: %v", err)
			text = TextError
			if o.metrics != nil {
				o.metrics.ConfirmationFailed()
			}
		} else {
			confirmed = true
		}
	}

	counts := o.session.Snapshot()
	o.emit(DetectionResult{
		Text:       text,
		Material:   outcome,
		Confidence: res.Verdict.Confidence,
		Accepted:   res.Accepted,
		Report:     res.Report,
	})
	o.emit(CountersSnapshot{Counts: counts})

	if o.recorder != nil {
		err := o.recorder.RecordDetection(ctx, DetectionRecord{
			SessionID: o.sessionID,
			At:        start,
			Outcome:   outcome,
			Result:    res,
			Confirmed: confirmed,
			Text:      text,
		})
		if err != nil {
			monitoring.Warnf(component, "failed to record detection: %v", err)
		}
	}
	if o.metrics != nil {
		o.metrics.DetectionCompleted(outcome, res.Verdict.Confidence, o.clock.Since(start))
	}

	o.clock.Sleep(o.cfg.SettleDelay)
}

// activateActuator sends the activate command and polls for the
// confirmation line until ConfirmTimeout has passed.
func (o *Orchestrator) activateActuator() error {
	if !o.link.Write(o.cfg.Protocol.Activate) {
		return ErrActuatorWrite
	}

	deadline := o.clock.Now().Add(o.cfg.ConfirmTimeout)
	for {
		for {
			line, ok := o.link.ReadLine()
			if !ok {
				break
			}
			switch o.cfg.Protocol.Classify(line) {
			case seriallink.LineConfirmation:
				monitoring.Infof(component, "actuator confirmed")
				return nil
			case seriallink.LineTrigger:
				monitoring.Debugf(component, "object detected while processing, ignoring")
			default:
				monitoring.Debugf(component, "serial while waiting for actuator: %s", line)
			}
		}
		if !o.clock.Now().Before(deadline) {
			return fmt.Errorf("%w after %v", ErrConfirmationTimeout, o.cfg.ConfirmTimeout)
		}
		o.clock.Sleep(o.cfg.ConfirmPoll)
	}
}

func (o *Orchestrator) emit(ev Event) {
	o.events.Push(ev)
	if o.mirror != nil {
		o.mirror.Publish(ev)
	}
}

func (o *Orchestrator) observeLink() {
	if o.metrics != nil {
		o.metrics.LinkConnected(o.link.Connected())
	}
}

// Outcome maps an attempt to the counter it increments: the accepted
// material, no_detection when nothing usable was seen, otherwise rejected.
func Outcome(res detection.Result) material.Kind {
	switch {
	case res.Accepted:
		return res.Verdict.Material
	case res.Verdict.Material == material.None, res.Verdict.Material == material.NoDetection:
		return material.NoDetection
	default:
		return material.Rejected
	}
}

// ResultText is the user-facing line for an attempt before the actuator is
// involved.
func ResultText(res detection.Result) string {
	switch Outcome(res) {
	case material.Plastic, material.Can:
		return fmt.Sprintf(TextAccepted, res.Verdict.Material)
	case material.NoDetection:
		return TextNoDetection
	default:
		return TextRejected
	}
}
