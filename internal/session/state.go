// Package session tracks the items deposited during one kiosk session.
package session

import (
	"time"

	"github.com/banshee-data/rvm.kiosk/internal/material"
	"github.com/banshee-data/rvm.kiosk/internal/monitoring"
)

// Counts is a by-value copy of the session counters. Total counts only
// accepted recyclables (plastic and can).
type Counts struct {
	Plastic     int `json:"plastic"`
	Can         int `json:"can"`
	Rejected    int `json:"rejected"`
	NoDetection int `json:"no_detection"`
	Total       int `json:"total"`
}

// Of returns the counter for kind, or 0 for kinds that are not counted.
func (c Counts) Of(kind material.Kind) int {
	switch kind {
	case material.Plastic:
		return c.Plastic
	case material.Can:
		return c.Can
	case material.Rejected:
		return c.Rejected
	case material.NoDetection:
		return c.NoDetection
	}
	return 0
}

// State is the live session. It is not safe for concurrent use; the
// orchestrator goroutine owns it and hands out Snapshots.
type State struct {
	active       bool
	counts       Counts
	lastActivity time.Time
}

// Start opens a session with zeroed counters.
func (s *State) Start(now time.Time) {
	s.active = true
	s.counts = Counts{}
	s.lastActivity = now
}

// End closes the session and zeroes the counters.
func (s *State) End() {
	s.active = false
	s.counts = Counts{}
}

// AddItem records one detection outcome. Unknown kinds leave the counters
// untouched and return false.
func (s *State) AddItem(kind material.Kind) bool {
	switch kind {
	case material.Plastic:
		s.counts.Plastic++
		s.counts.Total++
	case material.Can:
		s.counts.Can++
		s.counts.Total++
	case material.Rejected:
		s.counts.Rejected++
	case material.NoDetection:
		s.counts.NoDetection++
	default:
		monitoring.Warnf("session", "ignoring unknown material %q", string(kind))
		return false
	}
	return true
}

// Touch refreshes the inactivity clock.
func (s *State) Touch(now time.Time) { s.lastActivity = now }

func (s *State) Active() bool            { return s.active }
func (s *State) LastActivity() time.Time { return s.lastActivity }
func (s *State) Snapshot() Counts        { return s.counts }

// IdleFor reports how long the session has gone without a detection attempt.
func (s *State) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.lastActivity)
}
