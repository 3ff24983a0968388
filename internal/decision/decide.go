// Package decision turns the per-shot results of one detection attempt into a
// single verdict by majority voting.
package decision

import (
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/rvm.kiosk/internal/material"
	"github.com/banshee-data/rvm.kiosk/internal/monitoring"
)

// Decide applies the voting rules in order; the first rule that matches
// produces the verdict. Ties on confidence always go to the shot seen first.
//
//  1. plastic or can on two or more shots: that label, mean confidence.
//  2. rejected on two or more shots: rejected, mean confidence.
//  3. every shot valid and every label distinct: the most confident shot.
//  4. exactly one no_detection and two valid shots: the shared label with
//     mean confidence, or the more confident of the two.
//  5. exactly two no_detection and one valid shot: that shot.
//  6. otherwise the most confident valid shot, or no verdict at all.
func Decide(shots []material.ShotResult) material.Verdict {
	counts := make(map[material.Kind]int, 4)
	for _, s := range shots {
		counts[s.Label]++
	}

	for _, m := range material.Recognized {
		if counts[m] >= 2 {
			return material.Verdict{Material: m, Confidence: meanConfidence(shots, m)}
		}
	}

	if counts[material.Rejected] >= 2 {
		return material.Verdict{Material: material.Rejected, Confidence: meanConfidence(shots, material.Rejected)}
	}

	valid := make([]material.ShotResult, 0, len(shots))
	for _, s := range shots {
		if s.Label != material.NoDetection {
			valid = append(valid, s)
		}
	}

	if len(valid) > 0 && len(valid) == len(shots) && distinctLabels(valid) {
		return best(valid)
	}

	noDetections := counts[material.NoDetection]

	if noDetections == 1 && len(valid) == 2 {
		if valid[0].Label == valid[1].Label {
			return material.Verdict{Material: valid[0].Label, Confidence: meanConfidence(valid, valid[0].Label)}
		}
		return best(valid)
	}

	if noDetections == 2 && len(valid) == 1 {
		return material.Verdict{Material: valid[0].Label, Confidence: valid[0].Confidence}
	}

	if len(valid) > 0 {
		monitoring.Warnf("decision", "no voting rule matched %d shots, using most confident valid shot", len(shots))
		return best(valid)
	}
	return material.Verdict{Material: material.None, Confidence: 0}
}

// best returns the highest-confidence shot; earlier shots win ties.
func best(shots []material.ShotResult) material.Verdict {
	top := shots[0]
	for _, s := range shots[1:] {
		if s.Confidence > top.Confidence {
			top = s
		}
	}
	return material.Verdict{Material: top.Label, Confidence: top.Confidence}
}

func meanConfidence(shots []material.ShotResult, label material.Kind) float64 {
	var xs []float64
	for _, s := range shots {
		if s.Label == label {
			xs = append(xs, s.Confidence)
		}
	}
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

func distinctLabels(shots []material.ShotResult) bool {
	seen := make(map[material.Kind]bool, len(shots))
	for _, s := range shots {
		if seen[s.Label] {
			return false
		}
		seen[s.Label] = true
	}
	return true
}
