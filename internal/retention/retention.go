// Package retention purges rooms whose finalisation is older than the
// configured window, on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"workroom/internal/config"
	"workroom/internal/engine"
)

const (
	defaultCron   = "0 3 * * *"
	retryInterval = 30 * time.Second
	actorID       = "retention"
)

// Runner schedules purge passes.
type Runner struct {
	Engine engine.Engine
	Cron   string
	Window time.Duration
	Log    zerolog.Logger
	Now    func() time.Time

	running atomic.Bool
}

// New builds a Runner from the retention config section.
func New(e engine.Engine, cfg config.RetentionConfig, log zerolog.Logger) (*Runner, error) {
	cron := cfg.Cron
	if cron == "" {
		cron = defaultCron
	}
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cron)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("retention window must be positive")
	}
	return &Runner{Engine: e, Cron: cron, Window: cfg.Window, Log: log, Now: time.Now}, nil
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RunOnce purges rooms finalised before now minus the window. A pass that
// starts while another is running is skipped and reports zero.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.Log.Debug().Msg("retention pass already running")
		return 0, nil
	}
	defer r.running.Store(false)
	cutoff := r.now().Add(-r.Window)
	n, err := r.Engine.PurgeFinalisedRooms(ctx, cutoff, actorID)
	if err != nil {
		return n, err
	}
	r.Log.Info().Int("purged", n).Time("cutoff", cutoff).Msg("retention pass complete")
	return n, nil
}

// Run blocks, running a pass at each cron tick until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	r.Log.Info().Str("cron", r.Cron).Dur("window", r.Window).Msg("retention scheduler started")
	for {
		next, err := gronx.NextTickAfter(r.Cron, r.now().UTC(), false)
		wait := retryInterval
		if err != nil {
			r.Log.Error().Err(err).Str("cron", r.Cron).Msg("retention next tick")
		} else {
			wait = time.Until(next)
		}
		select {
		case <-ctx.Done():
			r.Log.Info().Msg("retention scheduler stopping")
			return
		case <-time.After(wait):
		}
		if err != nil {
			continue
		}
		if _, err := r.RunOnce(ctx); err != nil {
			r.Log.Error().Err(err).Msg("retention pass failed")
		}
	}
}
