// Package retention drives a periodic sweep that prunes terminal
// ShellExecution records past a configurable retention window (spec §3:
// "terminal records retained under a bounded retention policy").
//
// Grounded on the teacher's use of robfig/cron/v3 for scheduled
// maintenance jobs.
package retention

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentworld/core/internal/observability"
	"github.com/agentworld/core/internal/tools"
)

// Sweeper periodically removes terminal model.ShellExecution records
// older than Window from a tools.ShellStore.
type Sweeper struct {
	cron   *cron.Cron
	store  *tools.ShellStore
	window time.Duration
	log    *observability.Logger
}

// NewSweeper builds a Sweeper that, on the given cron schedule, removes
// terminal executions older than window from store. spec string follows
// robfig/cron's standard 5-field syntax, e.g. "*/5 * * * *" for every 5
// minutes. log may be nil.
func NewSweeper(store *tools.ShellStore, schedule string, window time.Duration, log *observability.Logger) (*Sweeper, error) {
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{})
	}
	s := &Sweeper{cron: cron.New(), store: store, window: window, log: log}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron scheduler in the background.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() { <-s.cron.Stop().Done() }

func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.window)
	n := s.store.Sweep(cutoff)
	if n > 0 {
		s.log.Debug("retention: swept terminal shell executions", "count", n, "window", s.window.String())
	}
}
