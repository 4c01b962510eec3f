// Package retention implements the idle-session janitor for the relay.
//
// The janitor periodically asks the router to evict sessions that have
// been idle longer than the configured threshold from the in-memory cache.
// Eviction is a memory optimization only: durable histories are never
// deleted, and a key with queued or running work is never swept.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval is the sweep interval when none is configured.
const DefaultInterval = 10 * time.Minute

// DefaultIdleAfter is how long a session may sit unused before eviction.
const DefaultIdleAfter = time.Hour

// Sweeper evicts idle sessions and reports how many it dropped.
type Sweeper interface {
	Sweep(maxIdle time.Duration) int
}

// Janitor periodically sweeps idle sessions out of memory.
type Janitor struct {
	sweeper   Sweeper
	interval  time.Duration
	idleAfter time.Duration
}

// NewJanitor creates a janitor that sweeps every interval, evicting
// sessions idle for longer than idleAfter.
func NewJanitor(s Sweeper, interval, idleAfter time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	return &Janitor{
		sweeper:   s,
		interval:  interval,
		idleAfter: idleAfter,
	}
}

// Start runs the janitor. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("idle_after", j.idleAfter).
		Msg("Session janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle()
		}
	}
}

// RunCycle performs one sweep and returns the number of evicted sessions.
func (j *Janitor) RunCycle() int {
	start := time.Now()
	n := j.sweeper.Sweep(j.idleAfter)
	log.Debug().
		Int("evicted", n).
		Dur("elapsed", time.Since(start)).
		Msg("Session janitor cycle complete")
	return n
}
