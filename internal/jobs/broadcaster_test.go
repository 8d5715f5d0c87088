package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"platecal/internal/tuning"
)

func TestProgressBroadcasterThrottlesRunComplete(t *testing.T) {
	hub := &recordingHub{}
	b := NewProgressBroadcaster(hub, 2)

	for i := 0; i < 50; i++ {
		b.Publish("job-1", tuning.Progress{Event: "run_complete"})
	}
	// Burst is limit+1, so only the first few make it through.
	assert.LessOrEqual(t, len(hub.seen()), 4)
	assert.NotEmpty(t, hub.seen())
}

func TestProgressBroadcasterPassesTerminalEvents(t *testing.T) {
	hub := &recordingHub{}
	b := NewProgressBroadcaster(hub, 1)

	// Exhaust the run_complete budget first.
	for i := 0; i < 10; i++ {
		b.Publish("job-1", tuning.Progress{Event: "run_complete"})
	}
	before := len(hub.seen())

	b.Publish("job-1", tuning.Progress{Event: "pair_start"})
	b.Publish("job-1", tuning.Progress{Event: "search_complete"})
	assert.Equal(t, before+2, len(hub.seen()))
}

func TestProgressBroadcasterPerJobLimiters(t *testing.T) {
	hub := &recordingHub{}
	b := NewProgressBroadcaster(hub, 1)

	for i := 0; i < 10; i++ {
		b.Publish("job-1", tuning.Progress{Event: "run_complete"})
	}
	before := len(hub.seen())

	// A different job owns a fresh limiter.
	b.Publish("job-2", tuning.Progress{Event: "run_complete"})
	assert.Equal(t, before+1, len(hub.seen()))

	// Releasing resets the limiter for a reused job ID.
	b.Release("job-1")
	b.Publish("job-1", tuning.Progress{Event: "run_complete"})
	assert.Equal(t, before+2, len(hub.seen()))
}

func TestProgressBroadcasterNilHub(t *testing.T) {
	b := NewProgressBroadcaster(nil, 5)
	b.Func("job-1")(tuning.Progress{Event: "run_complete"})
}
