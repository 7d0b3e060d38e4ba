// Package scheduler provides the "invoke me again no earlier than T"
// primitive consumed by suspended workflow instances.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/reservehq/holdflow/internal/log"
)

// Scheduler schedules a single future resume callback per instance.
type Scheduler interface {
	// ScheduleResume arranges for the callback to fire for instanceID no
	// earlier than at. Scheduling again for the same instance replaces the
	// earlier timer.
	ScheduleResume(instanceID string, at time.Time)

	// Close stops all outstanding timers.
	Close()
}

// ResumeFunc is invoked when an instance's resume deadline passes.
type ResumeFunc func(ctx context.Context, instanceID string)

type timerScheduler struct {
	mu     sync.Mutex
	timers map[string]*clock.Timer
	closed bool

	clock  clock.Clock
	resume ResumeFunc
	logger *slog.Logger
}

var _ Scheduler = (*timerScheduler)(nil)

// New creates an in-process scheduler backed by timers. Resume callbacks
// run on the timer goroutine; the callback owns serialization.
func New(c clock.Clock, logger *slog.Logger, resume ResumeFunc) Scheduler {
	return &timerScheduler{
		timers: map[string]*clock.Timer{},
		clock:  c,
		resume: resume,
		logger: logger,
	}
}

func (ts *timerScheduler) ScheduleResume(instanceID string, at time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.closed {
		return
	}

	if t, ok := ts.timers[instanceID]; ok {
		t.Stop()
	}

	d := at.Sub(ts.clock.Now())
	if d < 0 {
		d = 0
	}

	ts.logger.Debug("scheduling resume", log.InstanceIDKey, instanceID, log.AtKey, at)

	ts.timers[instanceID] = ts.clock.AfterFunc(d, func() {
		ts.mu.Lock()
		delete(ts.timers, instanceID)
		ts.mu.Unlock()

		ts.resume(context.Background(), instanceID)
	})
}

func (ts *timerScheduler) Close() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.closed = true

	for id, t := range ts.timers {
		t.Stop()
		delete(ts.timers, id)
	}
}
