package detection

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rvm.kiosk/internal/material"
)

// scriptedClassifier returns a fixed answer per handle.
type scriptedClassifier struct {
	answers map[string][]Candidate
	errs    map[string]error
	panics  map[string]bool
	calls   []string
}

func (c *scriptedClassifier) Classify(_ context.Context, handle string) ([]Candidate, error) {
	c.calls = append(c.calls, handle)
	if c.panics[handle] {
		panic("model crashed")
	}
	if err := c.errs[handle]; err != nil {
		return nil, err
	}
	return c.answers[handle], nil
}

type fixedCapturer struct {
	handles []string
	err     error
	asked   int
}

func (f *fixedCapturer) Capture(_ context.Context, count int) ([]string, error) {
	f.asked = count
	return f.handles, f.err
}

type recordingArchiver struct {
	shots []Shot
	err   error
}

func (a *recordingArchiver) Archive(_ context.Context, s Shot) error {
	a.shots = append(a.shots, s)
	return a.err
}

func TestRun_PerShotGating(t *testing.T) {
	cls := &scriptedClassifier{
		answers: map[string][]Candidate{
			"a.jpg": {{Label: "Plastic", Confidence: 0.91}, {Label: "can", Confidence: 0.88}},
			"b.jpg": {{Label: "person", Confidence: 0.99}},
			"c.jpg": {{Label: "can", Confidence: 0.84}},
		},
	}
	p := NewPipeline(DefaultConfig(), nil, cls, nil)

	res := p.Run(context.Background(), []string{"a.jpg", "b.jpg", "c.jpg"})

	want := []material.ShotResult{
		{Label: material.Plastic, Confidence: 0.91},
		{Label: material.NoDetection, Confidence: 0},
		{Label: material.Rejected, Confidence: 0.84},
	}
	assert.Equal(t, want, res.Shots)
	// one no_detection, plastic vs rejected: the more confident wins
	assert.Equal(t, material.Verdict{Material: material.Plastic, Confidence: 0.91}, res.Verdict)
	assert.True(t, res.Accepted)
}

func TestRun_BestCandidateTieGoesToFirst(t *testing.T) {
	cls := &scriptedClassifier{answers: map[string][]Candidate{
		"x": {{Label: "can", Confidence: 0.9}, {Label: "plastic", Confidence: 0.9}},
	}}
	p := NewPipeline(DefaultConfig(), nil, cls, nil)
	res := p.Run(context.Background(), []string{"x"})
	assert.Equal(t, material.Can, res.Shots[0].Label)
}

func TestRun_ClassifierFaultIsLocal(t *testing.T) {
	cls := &scriptedClassifier{
		answers: map[string][]Candidate{
			"1": {{Label: "can", Confidence: 0.95}},
			"3": {{Label: "can", Confidence: 0.97}},
		},
		errs:   map[string]error{"2": errors.New("inference server unavailable")},
		panics: map[string]bool{},
	}
	p := NewPipeline(DefaultConfig(), nil, cls, nil)
	res := p.Run(context.Background(), []string{"1", "2", "3"})

	require.Len(t, res.Shots, 3)
	assert.Equal(t, material.ShotResult{Label: material.Rejected, Confidence: 0}, res.Shots[1])
	assert.Equal(t, []string{"1", "2", "3"}, cls.calls, "every shot is classified")
	assert.Equal(t, material.Can, res.Verdict.Material)
	assert.InDelta(t, 0.96, res.Verdict.Confidence, 1e-9)
	assert.True(t, res.Accepted)
}

func TestRun_ClassifierPanicIsRejected(t *testing.T) {
	cls := &scriptedClassifier{panics: map[string]bool{"boom": true}}
	p := NewPipeline(DefaultConfig(), nil, cls, nil)
	res := p.Run(context.Background(), []string{"boom"})
	assert.Equal(t, material.ShotResult{Label: material.Rejected, Confidence: 0}, res.Shots[0])
	assert.False(t, res.Accepted)
}

func TestRun_AcceptanceGate(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		answers  map[string][]Candidate
		accepted bool
		material material.Kind
	}{
		{
			name:     "nothing detected",
			cfg:      DefaultConfig(),
			answers:  map[string][]Candidate{},
			accepted: false,
			material: material.None,
		},
		{
			name: "rejected majority",
			cfg:  DefaultConfig(),
			answers: map[string][]Candidate{
				"1": {{Label: "plastic", Confidence: 0.7}},
				"2": {{Label: "can", Confidence: 0.6}},
				"3": {{Label: "plastic", Confidence: 0.99}},
			},
			accepted: false,
			material: material.Rejected,
		},
		{
			name: "aggregate below a raised acceptance threshold",
			cfg:  Config{ShotCount: 3, RejectionThreshold: 0.85, AcceptanceThreshold: 0.95},
			answers: map[string][]Candidate{
				"1": {{Label: "plastic", Confidence: 0.9}},
				"2": {{Label: "plastic", Confidence: 0.92}},
			},
			accepted: false,
			material: material.Plastic,
		},
		{
			name: "lowered rejection threshold lets the lenient gate decide",
			cfg:  Config{ShotCount: 3, RejectionThreshold: 0.1, AcceptanceThreshold: 0.5},
			answers: map[string][]Candidate{
				"1": {{Label: "can", Confidence: 0.4}},
				"2": {{Label: "can", Confidence: 0.5}},
			},
			accepted: false,
			material: material.Can,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline(tt.cfg, nil, &scriptedClassifier{answers: tt.answers}, nil)
			res := p.Run(context.Background(), []string{"1", "2", "3"})
			assert.Equal(t, tt.accepted, res.Accepted)
			assert.Equal(t, tt.material, res.Verdict.Material)
		})
	}
}

func TestDetect_PartialCaptureIsNotAnError(t *testing.T) {
	capt := &fixedCapturer{handles: []string{"only.jpg"}, err: fmt.Errorf("camera read failed on frame 2")}
	cls := &scriptedClassifier{answers: map[string][]Candidate{"only.jpg": {{Label: "can", Confidence: 0.93}}}}
	p := NewPipeline(DefaultConfig(), capt, cls, nil)

	res := p.Detect(context.Background())
	assert.Equal(t, 3, capt.asked)
	require.Len(t, res.Shots, 1)
	assert.Equal(t, material.Verdict{Material: material.Can, Confidence: 0.93}, res.Verdict)
	assert.True(t, res.Accepted)
}

func TestDetect_NoShots(t *testing.T) {
	p := NewPipeline(DefaultConfig(), &fixedCapturer{}, &scriptedClassifier{}, nil)
	res := p.Detect(context.Background())
	assert.Empty(t, res.Shots)
	assert.Equal(t, material.None, res.Verdict.Material)
	assert.False(t, res.Accepted)
}

func TestRun_ArchivesEveryShot(t *testing.T) {
	arch := &recordingArchiver{err: errors.New("bucket unavailable")}
	cls := &scriptedClassifier{answers: map[string][]Candidate{"a": {{Label: "can", Confidence: 0.9}}}}
	p := NewPipeline(DefaultConfig(), nil, cls, arch)

	res := p.Run(context.Background(), []string{"a", "b"})
	require.Len(t, arch.shots, 2)
	assert.Equal(t, Shot{Index: 0, Handle: "a", Result: material.ShotResult{Label: material.Can, Confidence: 0.9}}, arch.shots[0])
	assert.Equal(t, material.NoDetection, arch.shots[1].Result.Label)
	assert.Len(t, res.Shots, 2, "archive failures do not affect the attempt")
}

func TestRenderReport(t *testing.T) {
	shots := []material.ShotResult{
		{Label: material.Plastic, Confidence: 0.9},
		{Label: material.Plastic, Confidence: 0.96},
		{Label: material.NoDetection},
	}
	got := RenderReport(shots, material.Verdict{Material: material.Plastic, Confidence: 0.93})
	want := "Detection results:\n" +
		"  shot 1: plastic (confidence: 0.90)\n" +
		"  shot 2: plastic (confidence: 0.96)\n" +
		"  shot 3: no_detection (confidence: 0.00)\n" +
		"Detection statistics:\n" +
		"  plastic: 2\n" +
		"  can: 0\n" +
		"  rejected: 0\n" +
		"  no_detection: 1\n" +
		"Final classification: PLASTIC (confidence: 0.93)\n"
	assert.Equal(t, want, got)

	none := RenderReport(nil, material.Verdict{Material: material.None})
	assert.Contains(t, none, "Final classification: NO VALID DETECTION")
}
