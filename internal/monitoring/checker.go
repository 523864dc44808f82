package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/deckeval/internal/config"
)

// Checker sweeps evaluation health on an interval and pushes any triggered
// alerts through the Alerter. It runs for the lifetime of serve mode.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a background health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{collector: collector, alerter: alerter, cfg: cfg}
}

func (c *Checker) interval() time.Duration {
	if c.cfg.CheckIntervalSecs > 0 {
		return time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	}
	return 5 * time.Minute
}

// Run sweeps once immediately, then on every interval tick until ctx ends.
// The immediate sweep surfaces a backlog that built up while the server was
// down instead of waiting a full interval.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("health checker started",
		zap.Duration("interval", c.interval()),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	if ctx.Err() == nil {
		c.sweep(ctx, log)
	}

	ticker := time.NewTicker(c.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.sweep(ctx, log)
		}
	}
}

// sweep collects a snapshot, evaluates alert rules against it, and delivers
// whatever fired.
func (c *Checker) sweep(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("health sweep: collect metrics", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("health sweep clean")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("health sweep finished",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
