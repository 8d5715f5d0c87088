package jobs

import (
	"sync"

	"golang.org/x/time/rate"

	"platecal/internal/tuning"
)

// ProgressBroadcaster forwards search progress events to the hub with a
// per-job rate limit. Coarse sweeps emit a run_complete per evaluation,
// which can be several per second; throttling keeps the socket readable
// without losing terminal events.
type ProgressBroadcaster struct {
	hub Broadcaster

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewProgressBroadcaster creates a broadcaster allowing eventsPerSec
// throttled events per job. hub may be nil.
func NewProgressBroadcaster(hub Broadcaster, eventsPerSec float64) *ProgressBroadcaster {
	if eventsPerSec <= 0 {
		eventsPerSec = 5
	}
	return &ProgressBroadcaster{
		hub:      hub,
		limiters: map[string]*rate.Limiter{},
		limit:    rate.Limit(eventsPerSec),
		burst:    int(eventsPerSec) + 1,
	}
}

// jobProgress is the wire payload of one progress event.
type jobProgress struct {
	JobID string `json:"job_id"`
	tuning.Progress
}

// Func returns a tuning progress callback bound to one job.
func (b *ProgressBroadcaster) Func(jobID string) func(tuning.Progress) {
	return func(p tuning.Progress) {
		b.Publish(jobID, p)
	}
}

// Publish forwards one progress event, dropping throttled run_complete
// events. Phase transitions and completion events always go through.
func (b *ProgressBroadcaster) Publish(jobID string, p tuning.Progress) {
	if b.hub == nil {
		return
	}
	if p.Event == "run_complete" && !b.limiter(jobID).Allow() {
		return
	}
	b.hub.Broadcast("job:progress", jobProgress{JobID: jobID, Progress: p})
}

// Release drops the limiter of a finished job.
func (b *ProgressBroadcaster) Release(jobID string) {
	b.mu.Lock()
	delete(b.limiters, jobID)
	b.mu.Unlock()
}

func (b *ProgressBroadcaster) limiter(jobID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[jobID]
	if !ok {
		l = rate.NewLimiter(b.limit, b.burst)
		b.limiters[jobID] = l
	}
	return l
}
