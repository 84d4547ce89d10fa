package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/crm-import/internal/config"
)

// Checker evaluates run health on an interval and delivers what it finds.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	lookback  int
	every     time.Duration
	log       *zap.Logger
}

// NewChecker creates a checker. A non-positive check interval takes five
// minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	every := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if every <= 0 {
		every = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		lookback:  cfg.LookbackWindowHours,
		every:     every,
		log:       zap.L().With(zap.String("component", "monitoring")),
	}
}

// Run checks once per interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("monitoring: watching run health",
		zap.Duration("every", c.every),
		zap.Int("lookback_hours", c.lookback),
	)
	t := time.NewTicker(c.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Check(ctx)
		}
	}
}

// Check takes one snapshot and sends the alerts it raises, returning them.
// A failed snapshot is logged and yields no alerts.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		c.log.Error("monitoring: snapshot failed", zap.Error(err))
		return nil
	}
	alerts := c.alerter.Evaluate(snap)
	if len(alerts) > 0 {
		c.alerter.SendAlerts(ctx, alerts)
	}
	return alerts
}
