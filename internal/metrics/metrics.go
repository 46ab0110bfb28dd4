package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PendingTimerProvider exposes the number of armed missed-call timers.
type PendingTimerProvider interface {
	Pending() int
}

// PushOutcomeCounter returns cumulative push attempt counts by outcome.
type PushOutcomeCounter interface {
	CountByOutcome(ctx context.Context) (succeeded, failed int64, err error)
}

// Collector is a prometheus.Collector that gathers orchestrator metrics at
// scrape time.
type Collector struct {
	timers    PendingTimerProvider
	pushes    PushOutcomeCounter
	startTime time.Time

	pendingTimersDesc *prometheus.Desc
	pushAttemptsDesc  *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(timers PendingTimerProvider, pushes PushOutcomeCounter, startTime time.Time) *Collector {
	return &Collector{
		timers:    timers,
		pushes:    pushes,
		startTime: startTime,

		pendingTimersDesc: prometheus.NewDesc(
			"carevoice_pending_call_timers",
			"Number of armed missed-call timeout timers",
			nil, nil,
		),
		pushAttemptsDesc: prometheus.NewDesc(
			"carevoice_push_attempts_total",
			"Total push delivery attempts by outcome",
			[]string{"outcome"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"carevoice_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pendingTimersDesc
	ch <- c.pushAttemptsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.timers != nil {
		ch <- prometheus.MustNewConstMetric(
			c.pendingTimersDesc, prometheus.GaugeValue,
			float64(c.timers.Pending()),
		)
	}

	if c.pushes != nil {
		succeeded, failed, err := c.pushes.CountByOutcome(ctx)
		if err != nil {
			slog.Error("metrics: failed to count push attempts", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.pushAttemptsDesc, prometheus.CounterValue,
				float64(succeeded), "success",
			)
			ch <- prometheus.MustNewConstMetric(
				c.pushAttemptsDesc, prometheus.CounterValue,
				float64(failed), "failure",
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
