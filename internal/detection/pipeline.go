// Package detection drives one detection attempt: capture a burst of shots,
// classify each one independently, vote on a verdict and gate it.
package detection

import (
	"context"
	"fmt"
	"strings"

	"github.com/banshee-data/rvm.kiosk/internal/decision"
	"github.com/banshee-data/rvm.kiosk/internal/material"
	"github.com/banshee-data/rvm.kiosk/internal/monitoring"
)

const component = "detection"

const (
	DefaultShotCount           = 3
	DefaultRejectionThreshold  = 0.85
	DefaultAcceptanceThreshold = 0.5
)

// Candidate is one object the classifier reported for a shot. Label is the
// classifier's raw class name.
type Candidate struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Capturer takes up to count images and returns their handles in capture
// order. Returning fewer handles than requested is not an error.
type Capturer interface {
	Capture(ctx context.Context, count int) ([]string, error)
}

// Classifier returns the candidates found in the image behind handle.
type Classifier interface {
	Classify(ctx context.Context, handle string) ([]Candidate, error)
}

// Shot is a classified image, handed to an Archiver.
type Shot struct {
	Index  int
	Handle string
	Result material.ShotResult
}

// Archiver stores classified shots somewhere durable. Failures are logged
// and never affect the attempt.
type Archiver interface {
	Archive(ctx context.Context, shot Shot) error
}

// Config holds the pipeline thresholds.
type Config struct {
	ShotCount           int
	RejectionThreshold  float64
	AcceptanceThreshold float64
}

// DefaultConfig returns the thresholds the kiosk ships with.
func DefaultConfig() Config {
	return Config{
		ShotCount:           DefaultShotCount,
		RejectionThreshold:  DefaultRejectionThreshold,
		AcceptanceThreshold: DefaultAcceptanceThreshold,
	}
}

// Result is the outcome of one attempt. Verdict is authoritative; Report is
// for display and logs only.
type Result struct {
	Accepted bool
	Verdict  material.Verdict
	Shots    []material.ShotResult
	Report   string
}

// Pipeline runs detection attempts. It is used from the orchestrator
// goroutine only.
type Pipeline struct {
	cfg        Config
	capturer   Capturer
	classifier Classifier
	archiver   Archiver
}

// NewPipeline builds a pipeline. archiver may be nil.
func NewPipeline(cfg Config, capturer Capturer, classifier Classifier, archiver Archiver) *Pipeline {
	if cfg.ShotCount <= 0 {
		cfg.ShotCount = DefaultShotCount
	}
	return &Pipeline{cfg: cfg, capturer: capturer, classifier: classifier, archiver: archiver}
}

// Detect captures cfg.ShotCount images and runs them through Run. A capture
// failure leaves fewer (possibly zero) shots to vote on.
func (p *Pipeline) Detect(ctx context.Context) Result {
	handles, err := p.capturer.Capture(ctx, p.cfg.ShotCount)
	if err != nil {
		monitoring.Warnf(component, "capture returned %d/%d shots: %v", len(handles), p.cfg.ShotCount, err)
	}
	if len(handles) > p.cfg.ShotCount {
		handles = handles[:p.cfg.ShotCount]
	}
	return p.Run(ctx, handles)
}

// Run classifies each handle, votes and applies the acceptance gate.
func (p *Pipeline) Run(ctx context.Context, handles []string) Result {
	shots := make([]material.ShotResult, len(handles))
	for i, h := range handles {
		monitoring.Infof(component, "processing shot %d/%d: %s", i+1, len(handles), h)
		shots[i] = p.classifyShot(ctx, i, h)

		if p.archiver != nil {
			if err := p.archiver.Archive(ctx, Shot{Index: i, Handle: h, Result: shots[i]}); err != nil {
				monitoring.Warnf(component, "failed to archive shot %d: %v", i+1, err)
			}
		}
	}

	verdict := decision.Decide(shots)
	accepted := verdict.Material.IsRecognized() && verdict.Confidence >= p.cfg.AcceptanceThreshold

	return Result{
		Accepted: accepted,
		Verdict:  verdict,
		Shots:    shots,
		Report:   RenderReport(shots, verdict),
	}
}

// classifyShot turns one image into exactly one ShotResult. A classifier
// error or panic yields rejected with zero confidence.
func (p *Pipeline) classifyShot(ctx context.Context, index int, handle string) (res material.ShotResult) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Errorf(component, "classifier panicked on shot %d: %v", index+1, r)
			res = material.ShotResult{Label: material.Rejected, Confidence: 0}
		}
	}()

	candidates, err := p.classifier.Classify(ctx, handle)
	if err != nil {
		monitoring.Errorf(component, "error classifying %s: %v", handle, err)
		return material.ShotResult{Label: material.Rejected, Confidence: 0}
	}

	best, ok := bestCandidate(candidates)
	switch {
	case !ok:
		monitoring.Infof(component, "shot %d: no detection", index+1)
		return material.ShotResult{Label: material.NoDetection, Confidence: 0}
	case best.Confidence < p.cfg.RejectionThreshold:
		monitoring.Infof(component, "shot %d: rejected %s (confidence: %.2f)", index+1, best.Label, best.Confidence)
		return material.ShotResult{Label: material.Rejected, Confidence: best.Confidence}
	default:
		monitoring.Infof(component, "shot %d: detected %s (confidence: %.2f)", index+1, best.Label, best.Confidence)
		return best
	}
}

// bestCandidate picks the most confident recognized candidate; the first
// one wins ties. Labels the kiosk does not accept are ignored.
func bestCandidate(candidates []Candidate) (material.ShotResult, bool) {
	var (
		best  material.ShotResult
		found bool
	)
	for _, c := range candidates {
		kind, _ := material.Parse(c.Label)
		if !kind.IsRecognized() {
			continue
		}
		if !found || c.Confidence > best.Confidence {
			best = material.ShotResult{Label: kind, Confidence: c.Confidence}
			found = true
		}
	}
	return best, found
}

// RenderReport formats an attempt for people: one line per shot, the label
// tally and the verdict.
func RenderReport(shots []material.ShotResult, verdict material.Verdict) string {
	var b strings.Builder
	b.WriteString("Detection results:\n")
	for i, s := range shots {
		fmt.Fprintf(&b, "  shot %d: %s (confidence: %.2f)\n", i+1, s.Label, s.Confidence)
	}

	tally := make(map[material.Kind]int, 4)
	for _, s := range shots {
		tally[s.Label]++
	}
	b.WriteString("Detection statistics:\n")
	for _, k := range []material.Kind{material.Plastic, material.Can, material.Rejected, material.NoDetection} {
		fmt.Fprintf(&b, "  %s: %d\n", k, tally[k])
	}

	if verdict.Material == material.None {
		b.WriteString("Final classification: NO VALID DETECTION\n")
	} else {
		fmt.Fprintf(&b, "Final classification: %s (confidence: %.2f)\n", strings.ToUpper(string(verdict.Material)), verdict.Confidence)
	}
	return b.String()
}
