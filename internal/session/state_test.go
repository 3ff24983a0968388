package session

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/rvm.kiosk/internal/material"
)

var t0 = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func TestNewStateIsIdle(t *testing.T) {
	var s State
	assert.False(t, s.Active())
	assert.Equal(t, Counts{}, s.Snapshot())
}

func TestAddItem_Additive(t *testing.T) {
	kinds := []material.Kind{material.Plastic, material.Can, material.Rejected, material.NoDetection}
	for _, k := range kinds {
		t.Run(string(k), func(t *testing.T) {
			var s State
			s.Start(t0)
			for i := 0; i < 4; i++ {
				assert.True(t, s.AddItem(k))
			}
			got := s.Snapshot()
			assert.Equal(t, 4, got.Of(k))
			wantTotal := 0
			if k.IsRecognized() {
				wantTotal = 4
			}
			assert.Equal(t, wantTotal, got.Total)
		})
	}
}

func TestAddItem_UnknownIsNoOp(t *testing.T) {
	var s State
	s.Start(t0)
	s.AddItem(material.Can)
	before := s.Snapshot()

	assert.False(t, s.AddItem("glass"))
	assert.False(t, s.AddItem(material.None))
	if diff := cmp.Diff(before, s.Snapshot()); diff != "" {
		t.Errorf("counters changed (-want +got):\n%s", diff)
	}
}

func TestStartAndEndResetCounts(t *testing.T) {
	var s State
	s.Start(t0)
	s.AddItem(material.Plastic)
	s.AddItem(material.Rejected)

	s.End()
	assert.False(t, s.Active())
	assert.Equal(t, Counts{}, s.Snapshot())

	s.AddItem(material.Can)
	s.Start(t0.Add(time.Minute))
	assert.True(t, s.Active())
	assert.Equal(t, Counts{}, s.Snapshot())
	assert.Equal(t, t0.Add(time.Minute), s.LastActivity())
}

func TestSnapshotIsACopy(t *testing.T) {
	var s State
	s.Start(t0)
	snap := s.Snapshot()
	snap.Plastic = 99
	assert.Equal(t, 0, s.Snapshot().Plastic)
}

func TestTouchAndIdleFor(t *testing.T) {
	var s State
	s.Start(t0)
	assert.Equal(t, 10*time.Second, s.IdleFor(t0.Add(10*time.Second)))
	s.Touch(t0.Add(20 * time.Second))
	assert.Equal(t, 5*time.Second, s.IdleFor(t0.Add(25*time.Second)))
}
