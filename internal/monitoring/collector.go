// Package monitoring watches migration run health and raises webhook
// alerts for failures, stalled runs, and dead-lettered messages.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-import/internal/model"
	"github.com/sells-group/crm-import/internal/store"
)

// MetricsSnapshot holds a point-in-time view of migration health.
type MetricsSnapshot struct {
	// Run metrics (created within the lookback window).
	RunsTotal     int     `json:"runs_total"`
	RunsCompleted int     `json:"runs_completed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsActive    int     `json:"runs_active"`
	RunsPaused    int     `json:"runs_paused"`
	FailRate      float64 `json:"fail_rate"`
	RecordErrors  int     `json:"record_errors"`

	// StalledRuns are running runs not updated within the stall window,
	// regardless of when they were created.
	StalledRuns []string `json:"stalled_runs,omitempty"`

	// QueueDead is the dead-letter depth; -1 when the queue has no stats.
	QueueDead int64 `json:"queue_dead"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the part of the run store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.MigrationRun, error)
}

// QueueStats counts queued messages by status.
type QueueStats interface {
	Stats(ctx context.Context) (map[string]int64, error)
}

// Collector gathers metrics from the run store and queue.
type Collector struct {
	runs  RunLister
	queue QueueStats
	stall time.Duration
	now   func() time.Time
}

// NewCollector creates a metrics collector. queue may be nil. Running runs
// idle longer than stall count as stalled; zero takes 30 minutes.
func NewCollector(runs RunLister, queue QueueStats, stall time.Duration) *Collector {
	if stall <= 0 {
		stall = 30 * time.Minute
	}
	return &Collector{
		runs:  runs,
		queue: queue,
		stall: stall,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		QueueDead:     -1,
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.Status == model.RunStatusRunning && now.Sub(r.UpdatedAt) > c.stall {
			snap.StalledRuns = append(snap.StalledRuns, r.ID)
		}
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		snap.RecordErrors += r.Counters.Errored
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusPaused:
			snap.RunsPaused++
		case model.RunStatusPending, model.RunStatusRunning:
			snap.RunsActive++
		}
	}

	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	if c.queue != nil {
		stats, err := c.queue.Stats(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: queue stats")
		}
		snap.QueueDead = stats["dead"]
	}

	return snap, nil
}
