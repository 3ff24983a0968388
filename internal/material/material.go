// Package material defines the labels, per-shot results and verdicts shared
// by the detection pipeline, the decision rules and the session counters.
package material

import "strings"

// Kind is the label attached to a shot or a verdict.
type Kind string

const (
	Plastic     Kind = "plastic"
	Can         Kind = "can"
	Rejected    Kind = "rejected"
	NoDetection Kind = "no_detection"

	// None is the verdict when no shot produced a usable result.
	None Kind = ""
)

// Recognized are the recyclable labels the classifier may report, in the
// order the voting rules visit them.
var Recognized = []Kind{Plastic, Can}

// Parse maps a label to a Kind. The second result is false for labels
// outside the four shot labels.
func Parse(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Plastic, Can, Rejected, NoDetection:
		return k, true
	default:
		return k, false
	}
}

// IsRecognized reports whether k is one of the recyclable materials.
func (k Kind) IsRecognized() bool {
	return k == Plastic || k == Can
}

func (k Kind) String() string {
	if k == None {
		return "none"
	}
	return string(k)
}

// ShotResult is the outcome for a single captured image.
type ShotResult struct {
	Label      Kind    `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Verdict is the final decision for one detection attempt.
type Verdict struct {
	Material   Kind    `json:"material"`
	Confidence float64 `json:"confidence"`
}
