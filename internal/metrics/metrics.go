// Package metrics holds the Prometheus instrumentation for the player
// engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for one player instance.
type Metrics struct {
	registry *prometheus.Registry

	FragmentsFetched  *prometheus.CounterVec
	FragmentsInjected *prometheus.CounterVec
	BytesDownloaded   *prometheus.CounterVec
	PlaylistRefreshes *prometheus.CounterVec
	RampDowns         prometheus.Counter
	RampUps           prometheus.Counter
	LicenseRequests   prometheus.Counter
	LicenseFailures   prometheus.Counter
	Stalls            prometheus.Counter
	Discontinuities   prometheus.Counter
	TuneFailures      *prometheus.CounterVec

	BufferedSeconds *prometheus.GaugeVec
	BandwidthBps    prometheus.Gauge
	CurrentBitrate  prometheus.Gauge
}

// New creates and registers the player metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		FragmentsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hlsplayer",
			Name:      "fragments_fetched_total",
			Help:      "Fragments downloaded and cached, by track.",
		}, []string{"track"}),
		FragmentsInjected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hlsplayer",
			Name:      "fragments_injected_total",
			Help:      "Fragments pushed into the sink, by track.",
		}, []string{"track"}),
		BytesDownloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hlsplayer",
			Name:      "bytes_downloaded_total",
			Help:      "Fragment payload bytes downloaded, by track.",
		}, []string{"track"}),
		PlaylistRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hlsplayer",
			Name:      "playlist_refreshes_total",
			Help:      "Media playlist fetches, by track.",
		}, []string{"track"}),
		RampDowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hlsplayer",
			Name:      "abr_rampdowns_total",
			Help:      "Profile rampdowns.",
		}),
		RampUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hlsplayer",
			Name:      "abr_rampups_total",
			Help:      "Profile rampups.",
		}),
		LicenseRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hlsplayer",
			Name:      "license_requests_total",
			Help:      "DRM license requests issued.",
		}),
		LicenseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hlsplayer",
			Name:      "license_failures_total",
			Help:      "DRM license requests that failed terminally.",
		}),
		Stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hlsplayer",
			Name:      "stalls_total",
			Help:      "Playback stalls detected.",
		}),
		Discontinuities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hlsplayer",
			Name:      "discontinuities_total",
			Help:      "Discontinuity signals pushed downstream.",
		}),
		TuneFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hlsplayer",
			Name:      "tune_failures_total",
			Help:      "Fatal tune failures by reason.",
		}, []string{"reason"}),
		BufferedSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hlsplayer",
			Name:      "buffered_seconds",
			Help:      "Seconds of media cached ahead of playback, by track.",
		}, []string{"track"}),
		BandwidthBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hlsplayer",
			Name:      "bandwidth_bits_per_second",
			Help:      "Estimated network throughput.",
		}),
		CurrentBitrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hlsplayer",
			Name:      "current_bitrate",
			Help:      "Bitrate of the active profile.",
		}),
	}

	registry.MustRegister(
		m.FragmentsFetched,
		m.FragmentsInjected,
		m.BytesDownloaded,
		m.PlaylistRefreshes,
		m.RampDowns,
		m.RampUps,
		m.LicenseRequests,
		m.LicenseFailures,
		m.Stalls,
		m.Discontinuities,
		m.TuneFailures,
		m.BufferedSeconds,
		m.BandwidthBps,
		m.CurrentBitrate,
	)
	return m
}

// Handler serves the private registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
