package daemon

import (
	"context"
	"time"

	"github.com/harun/agentjobs/pkg/taskqueue"
)

// EventLoop logs queue backlog on a fixed interval and warns when tasks
// exhaust their attempt budget.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
	lastDead map[string]int
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon, interval time.Duration) *EventLoop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &EventLoop{
		daemon:   d,
		interval: interval,
		lastDead: make(map[string]int),
	}
}

// Run ticks until ctx is cancelled.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Debug().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

func (e *EventLoop) processTasks(ctx context.Context) {
	stats, err := e.daemon.queue.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.daemon.logger.Warn().Err(err).Msg("Failed to read queue stats")
		}
		return
	}
	for lane, counts := range stats {
		if dead := counts[taskqueue.StatusDead]; dead > e.lastDead[lane] {
			e.daemon.logger.Warn().
				Str("lane", lane).
				Int("new_dead", dead-e.lastDead[lane]).
				Int("dead", dead).
				Msg("Tasks exhausted their attempts")
			e.lastDead[lane] = dead
		}
		if counts[taskqueue.StatusPending] > 0 || counts[taskqueue.StatusRunning] > 0 {
			e.daemon.logger.Debug().
				Str("lane", lane).
				Int("pending", counts[taskqueue.StatusPending]).
				Int("running", counts[taskqueue.StatusRunning]).
				Int("dead", counts[taskqueue.StatusDead]).
				Msg("Queue stats")
		}
	}
}
