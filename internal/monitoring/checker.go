package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stockpulse/pipeline-cli/internal/config"
)

// Checker periodically collects metrics, evaluates alert thresholds,
// and dispatches alerts. It is meant to run alongside the scheduler
// for the lifetime of the process.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	log       *zap.Logger
}

// NewChecker creates a Checker from an already-wired collector and alerter.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().Named("monitoring.checker"),
	}
}

// Run executes the check loop until the context is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	c.log.Info("starting monitoring checker",
		zap.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("monitoring checker stopped")
			return
		case <-ticker.C:
			c.check(ctx)
		}
	}
}

// check performs a single collect-evaluate-send cycle.
func (c *Checker) check(ctx context.Context) {
	lookback := c.cfg.LookbackWindowHours
	if lookback <= 0 {
		lookback = 24
	}

	snap, err := c.collector.Collect(ctx, lookback)
	if err != nil {
		c.log.Error("metrics collection failed", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		c.log.Debug("no alerts",
			zap.Int("runs_total", snap.RunsTotal),
			zap.Float64("fail_rate", snap.RunFailRate),
		)
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Warn("alerts evaluated",
		zap.Int("triggered", len(alerts)),
		zap.Int("sent", sent),
	)
}
