// Package monitoring derives operational snapshots from persisted pipeline
// state. It reads, never writes: everything it reports is reconstructed from
// the state documents the runner checkpoints anyway.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/civicsense/reportgen/internal/model"
	"github.com/civicsense/reportgen/internal/store"
)

// DefaultWindow is the lookback used when a snapshot request does not name
// one.
const DefaultWindow = 24 * time.Hour

// RunningReport is one in-flight run as seen from its state document.
type RunningReport struct {
	ReportID       string         `json:"report_id"`
	CurrentStep    model.StepName `json:"current_step,omitempty"`
	LastCheckpoint time.Time      `json:"last_checkpoint"`
	// Stale means the last checkpoint is older than the lock TTL: the holder
	// is presumed dead and the next delivery will resume the run.
	Stale bool `json:"stale"`
}

// Snapshot is a point-in-time view of pipeline activity within a window.
type Snapshot struct {
	GeneratedAt   time.Time                    `json:"generated_at"`
	Window        time.Duration                `json:"window"`
	Counts        map[model.PipelineStatus]int `json:"counts"`
	FailureRate   float64                      `json:"failure_rate"`
	TotalTokens   int                          `json:"total_tokens"`
	TotalCost     float64                      `json:"total_cost"`
	AvgDurationMs int64                        `json:"avg_duration_ms"`
	Running       []RunningReport              `json:"running"`
}

// Collector builds snapshots over the state store.
type Collector struct {
	states  store.StateStore
	lockTTL time.Duration
}

// NewCollector creates a Collector. lockTTL is used to classify running
// states as live or stale.
func NewCollector(states store.StateStore, lockTTL time.Duration) *Collector {
	return &Collector{states: states, lockTTL: lockTTL}
}

// Snapshot aggregates all states updated within the window.
func (c *Collector) Snapshot(ctx context.Context, window time.Duration) (*Snapshot, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	now := time.Now().UTC()

	states, err := c.states.ListStates(ctx, store.StateFilter{Since: now.Add(-window)})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list states")
	}

	snap := &Snapshot{
		GeneratedAt: now,
		Window:      window,
		Counts:      make(map[model.PipelineStatus]int),
	}

	var completedDurations int64
	for i := range states {
		st := &states[i]
		snap.Counts[st.Status]++
		snap.TotalTokens += st.TotalTokens
		snap.TotalCost += st.TotalCost

		switch st.Status {
		case model.StatusCompleted:
			completedDurations += st.TotalDurationMs
		case model.StatusRunning:
			snap.Running = append(snap.Running, RunningReport{
				ReportID:       st.ReportID,
				CurrentStep:    st.CurrentStep,
				LastCheckpoint: st.UpdatedAt,
				Stale:          now.Sub(st.UpdatedAt) > c.lockTTL,
			})
		}
	}

	terminal := snap.Counts[model.StatusCompleted] + snap.Counts[model.StatusFailed]
	if terminal > 0 {
		snap.FailureRate = float64(snap.Counts[model.StatusFailed]) / float64(terminal)
	}
	if n := snap.Counts[model.StatusCompleted]; n > 0 {
		snap.AvgDurationMs = completedDurations / int64(n)
	}
	return snap, nil
}
