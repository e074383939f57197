package jobscheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/dbcdk/dataio/internal/jobscheduler/dependencytracking"
)

const metricPrefix = "dataio_scheduler"

var (
	chunksDesc = prometheus.NewDesc(
		metricPrefix+"_chunks",
		"Number of tracked chunks per sink and scheduling status.",
		[]string{"sink", "status"}, nil,
	)
	jobsDesc = prometheus.NewDesc(
		metricPrefix+"_jobs",
		"Number of jobs with tracked chunks per sink.",
		[]string{"sink"}, nil,
	)
	inFlightDesc = prometheus.NewDesc(
		metricPrefix+"_inflight",
		"Number of chunks dispatched to a sink and not yet completed.",
		[]string{"sink"}, nil,
	)
	leaderDesc = prometheus.NewDesc(
		metricPrefix+"_leader",
		"1 if this instance is the active scheduler, 0 otherwise.",
		nil, nil,
	)
)

// MetricsCollector is a Prometheus Collector exporting the state of the scheduler.
// The metrics are calculated asynchronously every refreshPeriod; only the leader exports store metrics.
type MetricsCollector struct {
	service       *Service
	refreshPeriod time.Duration
	clock         clock.WithTicker
	state         atomic.Value
}

func NewMetricsCollector(service *Service, refreshPeriod time.Duration, clock clock.WithTicker) *MetricsCollector {
	return &MetricsCollector{
		service:       service,
		refreshPeriod: refreshPeriod,
		clock:         clock,
	}
}

// Run updates the metrics every refreshPeriod until ctx is cancelled.
func (c *MetricsCollector) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.refreshPeriod)
	defer ticker.Stop()
	log.Infof("Will update metrics every %s", c.refreshPeriod)
	for {
		select {
		case <-ctx.Done():
			log.Debugf("Context cancelled, returning..")
			return nil
		case <-ticker.C():
			if err := c.refresh(ctx); err != nil {
				log.WithError(err).Warnf("error refreshing metrics state")
			}
		}
	}
}

func (c *MetricsCollector) Describe(out chan<- *prometheus.Desc) {
	out <- chunksDesc
	out <- jobsDesc
	out <- inFlightDesc
	out <- leaderDesc
}

func (c *MetricsCollector) Collect(metrics chan<- prometheus.Metric) {
	state, ok := c.state.Load().([]prometheus.Metric)
	if ok {
		for _, m := range state {
			metrics <- m
		}
	}
}

func (c *MetricsCollector) refresh(ctx context.Context) error {
	start := c.clock.Now()
	if !c.service.IsActive() {
		c.state.Store([]prometheus.Metric{
			prometheus.MustNewConstMetric(leaderDesc, prometheus.GaugeValue, 0),
		})
		return nil
	}

	sinks := c.service.Sinks()
	statuses, err := c.service.CountStatuses(ctx)
	if err != nil {
		return err
	}
	inFlight := c.service.InFlight().Counts()

	metrics := []prometheus.Metric{prometheus.MustNewConstMetric(leaderDesc, prometheus.GaugeValue, 1)}
	for _, sink := range sinks {
		for _, status := range dependencytracking.ChunkSchedulingStatuses() {
			metrics = append(metrics, prometheus.MustNewConstMetric(
				chunksDesc, prometheus.GaugeValue, float64(statuses[sink.Id][status]), sink.Name, status.String()))
		}
		jobs, err := c.service.CountJobs(ctx, sink.Id)
		if err != nil {
			return err
		}
		metrics = append(metrics,
			prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(jobs.Jobs), sink.Name),
			prometheus.MustNewConstMetric(inFlightDesc, prometheus.GaugeValue, float64(inFlight[sink.Id]), sink.Name),
		)
	}
	c.state.Store(metrics)
	log.Debugf("Refreshed prometheus metrics in %s", c.clock.Since(start))
	return nil
}
