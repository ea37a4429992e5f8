// Package metrics provides Prometheus instrumentation for the campaign sync
// client. It exposes gauges for live connections, counters for connection
// lifecycle and envelope throughput, and a histogram for history reloads.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsOpen tracks the current number of open campaign sockets.
	ConnectionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "campaign_sync_connections_open",
		Help: "Current number of open campaign sockets",
	})

	// ConnectAttempts counts dial attempts, labeled by outcome: "opened",
	// "failed" or "no_credential".
	ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_sync_connect_attempts_total",
		Help: "Total number of campaign socket dial attempts",
	}, []string{"outcome"})

	// ReconnectsScheduled counts reconnect timers armed after a close.
	ReconnectsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campaign_sync_reconnects_scheduled_total",
		Help: "Total number of reconnects scheduled after a close",
	})

	// Closes counts socket closes labeled by close class.
	Closes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_sync_closes_total",
		Help: "Total number of campaign socket closes",
	}, []string{"class"})

	// Envelopes counts decoded server envelopes labeled by type.
	Envelopes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_sync_envelopes_total",
		Help: "Total number of server envelopes received",
	}, []string{"type"})

	// MalformedEnvelopes counts frames that failed to decode.
	MalformedEnvelopes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campaign_sync_malformed_envelopes_total",
		Help: "Total number of server frames that could not be decoded",
	})

	// AudioChunks counts audio notifications labeled by outcome: "enqueued",
	// "duplicate", "dropped" or "failed".
	AudioChunks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_sync_audio_chunks_total",
		Help: "Total number of audio notifications processed",
	}, []string{"outcome"})

	// HistoryReloadDuration records history fetch latency in seconds.
	HistoryReloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "campaign_sync_history_reload_seconds",
		Help:    "History reload latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsOpen,
		ConnectAttempts,
		ReconnectsScheduled,
		Closes,
		Envelopes,
		MalformedEnvelopes,
		AudioChunks,
		HistoryReloadDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
