package scheduler

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce   sync.Once
	runningGauge  prometheus.Gauge
	queuedGauge   prometheus.Gauge
	buildDuration *prometheus.HistogramVec
)

var buildBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}

func initMetrics() {
	metricsOnce.Do(func() {
		runningGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "permadeploy",
			Subsystem: "scheduler",
			Name:      "running_builds",
			Help:      "Number of builds currently executing",
		})
		queuedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "permadeploy",
			Subsystem: "scheduler",
			Name:      "queued_builds",
			Help:      "Number of builds waiting for a slot",
		})
		buildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "permadeploy",
			Subsystem: "scheduler",
			Name:      "build_duration_seconds",
			Help:      "Duration of executed builds",
			Buckets:   buildBuckets,
		}, []string{"status"})

		if err := prometheus.Register(runningGauge); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
					runningGauge = existing
				}
			}
		}
		if err := prometheus.Register(queuedGauge); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
					queuedGauge = existing
				}
			}
		}
		if err := prometheus.Register(buildDuration); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
					buildDuration = existing
				}
			}
		}
	})
}

func setGauges(running, queued int) {
	if runningGauge == nil {
		return
	}
	runningGauge.Set(float64(running))
	queuedGauge.Set(float64(queued))
}

func observeBuild(status string, d time.Duration) {
	if buildDuration == nil {
		return
	}
	buildDuration.With(prometheus.Labels{"status": status}).Observe(d.Seconds())
}
