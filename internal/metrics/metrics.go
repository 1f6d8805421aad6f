// Package metrics exposes the Prometheus collectors shared across Siphon's
// services. Collectors are registered against a dedicated registry so that
// tests may construct as many instances as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "siphon"

type Metrics struct {
	registry *prometheus.Registry

	SegmentsFetched  prometheus.Counter
	BytesDownloaded  prometheus.Counter
	FetchDuration    prometheus.Histogram
	DownloadsByState *prometheus.CounterVec
	ActiveDownloads  prometheus.Gauge
	MuxDuration      *prometheus.HistogramVec
	OutputSizeBytes  prometheus.Histogram
	ManifestsParsed  *prometheus.CounterVec
}

// New constructs and registers the collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		SegmentsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_fetched_total",
			Help:      "Total number of media segments fetched",
		}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Total number of media bytes downloaded",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_fetch_duration_seconds",
			Help:      "Time taken to fetch a single media segment",
			Buckets:   prometheus.DefBuckets,
		}),
		DownloadsByState: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_transitions_total",
			Help:      "Download state transitions by resulting status",
		}, []string{"status"}),
		ActiveDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_downloads",
			Help:      "Number of downloads currently downloading or muxing",
		}),
		MuxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mux_duration_seconds",
			Help:      "Time taken to mux a downloaded segment set",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"container"}),
		OutputSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "output_size_bytes",
			Help:      "Size of muxed output files",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 8),
		}),
		ManifestsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifests_parsed_total",
			Help:      "Manifests resolved by format and outcome",
		}, []string{"format", "outcome"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SegmentsFetched,
		m.BytesDownloaded,
		m.FetchDuration,
		m.DownloadsByState,
		m.ActiveDownloads,
		m.MuxDuration,
		m.OutputSizeBytes,
		m.ManifestsParsed,
	)

	return m
}

// Handler returns an HTTP handler which serves the registered collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the underlying registry, primarily for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }
