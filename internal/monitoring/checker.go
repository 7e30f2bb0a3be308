package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/member-history/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker evaluates run health on an interval. An alert is posted when its
// condition first appears and again only after the condition has cleared.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
	firing    map[AlertType]bool
}

// NewChecker creates a background run-health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
		firing:    map[AlertType]bool{},
	}
}

// Run checks once immediately and then on every tick. It blocks until ctx
// is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring"))
	log.Info("run-health checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	if ctx.Err() == nil {
		c.check(ctx, log)
	}
	for {
		select {
		case <-ctx.Done():
			log.Info("run-health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// check collects metrics and posts the alerts that were not already firing.
// It returns the newly raised alerts.
func (c *Checker) check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: collect run metrics", zap.Error(err))
		return nil
	}

	active := map[AlertType]bool{}
	var raised []Alert
	for _, a := range c.alerter.Evaluate(snap) {
		active[a.Type] = true
		if !c.firing[a.Type] {
			raised = append(raised, a)
		}
	}
	for t := range c.firing {
		if !active[t] {
			log.Info("monitoring: alert cleared", zap.String("type", string(t)))
		}
	}
	c.firing = active

	if len(raised) == 0 {
		return nil
	}
	sent := c.alerter.SendAlerts(ctx, raised)
	log.Info("monitoring: alerts raised",
		zap.Int("raised", len(raised)),
		zap.Int("sent", sent),
		zap.Int("firing", len(active)),
	)
	return raised
}
