package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Monitor runs the evaluation loop. A tick that fails logs and waits for
// the next one; only context cancellation stops the loop.
type Monitor struct {
	Engine   Engine
	Interval time.Duration
	Log      zerolog.Logger
}

func NewMonitor(e Engine, log zerolog.Logger) Monitor {
	return Monitor{
		Engine:   e,
		Interval: e.Config.PollInterval(),
		Log:      log,
	}
}

// Run blocks until ctx is cancelled. The first evaluation happens
// immediately, not after the first interval.
func (m Monitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	m.Log.Info().Dur("interval", interval).Msg("monitor started")

	m.tick(ctx, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Log.Info().Msg("monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx, interval)
		}
	}
}

func (m Monitor) tick(ctx context.Context, interval time.Duration) {
	tctx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()
	if err := m.Engine.Evaluate(tctx); err != nil {
		m.Log.Error().Err(err).Msg("evaluation tick failed")
	}
}
