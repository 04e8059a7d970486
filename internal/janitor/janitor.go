// Package janitor runs the periodic maintenance cycle: it releases
// quota-held workflow items back into the queue once quota recovers and
// prunes old audit transitions.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown. Resume stops at the first quota
// rejection so a recovering window is never immediately re-exhausted.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/squorworks/pipeline/internal/store"
)

// DefaultTransitionRetention is how long audit transitions are kept.
const DefaultTransitionRetention = 30 * 24 * time.Hour

// DefaultResumeBatch caps how many quota-held items one cycle releases.
const DefaultResumeBatch = 50

// Resumer releases quota-held items. The workflow engine satisfies this.
type Resumer interface {
	ResumeQuotaExceededBatch(ctx context.Context, limit int) (int, error)
}

// CycleStats tracks what happened in a single maintenance cycle.
type CycleStats struct {
	Resumed           int
	TransitionsPruned int64
	Errors            []error
}

// Janitor periodically resumes quota-held work and prunes old audit rows.
type Janitor struct {
	store     store.WorkflowStore
	resumer   Resumer
	interval  time.Duration
	retention time.Duration
	batch     int
}

// New creates a janitor running on the given interval; below one minute
// the interval is raised to five minutes.
func New(s store.WorkflowStore, r Resumer, interval, retention time.Duration) *Janitor {
	if interval < time.Minute {
		interval = 5 * time.Minute
	}
	if retention <= 0 {
		retention = DefaultTransitionRetention
	}
	return &Janitor{
		store:     s,
		resumer:   r,
		interval:  interval,
		retention: retention,
		batch:     DefaultResumeBatch,
	}
}

// Start runs the janitor until ctx is canceled. It blocks.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("retention", j.retention).
		Msg("🧹 janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("janitor stopped")
			return
		case <-ticker.C:
			stats := j.RunCycle(ctx)
			if stats.Resumed > 0 || stats.TransitionsPruned > 0 || len(stats.Errors) > 0 {
				log.Info().
					Int("resumed", stats.Resumed).
					Int64("transitions_pruned", stats.TransitionsPruned).
					Int("errors", len(stats.Errors)).
					Msg("janitor cycle complete")
			}
		}
	}
}

// RunCycle executes one maintenance pass.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats

	resumed, err := j.resumer.ResumeQuotaExceededBatch(ctx, j.batch)
	if err != nil {
		log.Warn().Err(err).Msg("janitor: batch resume failed")
		stats.Errors = append(stats.Errors, err)
	}
	stats.Resumed = resumed

	pruned, err := j.store.PruneTransitions(ctx, time.Now().Add(-j.retention))
	if err != nil {
		log.Warn().Err(err).Msg("janitor: transition prune failed")
		stats.Errors = append(stats.Errors, err)
	}
	stats.TransitionsPruned = pruned

	return stats
}
