package storage

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce   sync.Once
	uploadedBytes prometheus.Counter
	uploadedFiles *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		uploadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "permadeploy",
			Subsystem: "storage",
			Name:      "uploaded_bytes_total",
			Help:      "Bytes of build output uploaded to the storage network",
		})
		uploadedFiles = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "permadeploy",
			Subsystem: "storage",
			Name:      "uploaded_files_total",
			Help:      "Number of file uploads by outcome",
		}, []string{"outcome"})

		if err := prometheus.Register(uploadedBytes); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
					uploadedBytes = existing
				}
			}
		}
		if err := prometheus.Register(uploadedFiles); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					uploadedFiles = existing
				}
			}
		}
	})
}

func recordUpload(outcome string, size int64) {
	if uploadedFiles == nil {
		return
	}
	uploadedFiles.With(prometheus.Labels{"outcome": outcome}).Inc()
	if size > 0 {
		uploadedBytes.Add(float64(size))
	}
}
