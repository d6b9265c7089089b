// Package scheduling provides the periodic-tick loop shared by the failer
// and reaper background passes: a time.Ticker select loop with per-tick
// panic recovery, layered with github.com/robfig/cron/v3 so operators can
// configure cadence by cron expression instead of a fixed interval.
package scheduling

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/geoharmony/orchestrator/internal/logger"
)

// RunPeriodically invokes fn on every firing of schedule (a cron
// expression) when schedule is non-empty, or every interval otherwise,
// until ctx is canceled. A panic inside fn is recovered and logged so one
// bad tick never kills the loop.
func RunPeriodically(ctx context.Context, log *logger.Logger, schedule string, interval time.Duration, fn func(context.Context)) {
	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered in scheduled tick", "panic", r)
			}
		}()
		fn(ctx)
	}

	if schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(schedule, wrapped); err != nil {
			log.Error("invalid cron schedule, falling back to fixed interval", "schedule", schedule, "error", err)
		} else {
			c.Start()
			<-ctx.Done()
			stopCtx := c.Stop()
			<-stopCtx.Done()
			return
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wrapped()
		}
	}
}
