// Package metrics provides Prometheus metrics for bzconnect.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "bzconnect"
)

// Metrics contains all Prometheus metrics for the client.
type Metrics struct {
	// Session metrics
	SessionsActive *prometheus.GaugeVec
	SessionsTotal  *prometheus.CounterVec
	SessionEnds    *prometheus.CounterVec
	ShellEvents    *prometheus.CounterVec

	// Keysplitting metrics
	ChainMessagesSent     *prometheus.CounterVec
	ChainMessagesAccepted *prometheus.CounterVec
	ChainRejections       *prometheus.CounterVec
	HandshakeLatency      prometheus.Histogram
	AckLatency            prometheus.Histogram

	// Tunnel metrics
	TunnelBytesSent     prometheus.Counter
	TunnelBytesReceived prometheus.Counter
	TunnelSetupFailures *prometheus.CounterVec

	// Hub metrics
	HubInvocations *prometheus.CounterVec
	HubReconnects  prometheus.Counter

	registry prometheus.Gatherer
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered on the default registry.
func NewMetrics() *Metrics {
	m := NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	m.registry = prometheus.DefaultGatherer
	return m
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active sessions by kind",
		}, []string{"kind"}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions started by kind",
		}, []string{"kind"}),
		SessionEnds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_ends_total",
			Help:      "Total sessions ended by kind and reason",
		}, []string{"kind", "reason"}),
		ShellEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shell_events_total",
			Help:      "Shell events received by type",
		}, []string{"event"}),

		ChainMessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keysplitting_messages_sent_total",
			Help:      "Keysplitting messages sent by type",
		}, []string{"type"}),
		ChainMessagesAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keysplitting_messages_accepted_total",
			Help:      "Keysplitting messages accepted after verification by type",
		}, []string{"type"}),
		ChainRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keysplitting_rejections_total",
			Help:      "Keysplitting messages rejected by reason",
		}, []string{"reason"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keysplitting_handshake_latency_seconds",
			Help:      "Histogram of Syn to SynAck latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		AckLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keysplitting_ack_latency_seconds",
			Help:      "Histogram of Data to DataAck latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		TunnelBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_bytes_sent_total",
			Help:      "Total tunnel bytes sent to targets",
		}),
		TunnelBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_bytes_received_total",
			Help:      "Total tunnel bytes received from targets",
		}),
		TunnelSetupFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_setup_failures_total",
			Help:      "Tunnel setup failures by reason",
		}, []string{"reason"}),

		HubInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_invocations_total",
			Help:      "Hub method invocations by method",
		}, []string{"method"}),
		HubReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_reconnects_total",
			Help:      "Successful hub reconnections after a broken websocket",
		}),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.registry = g
	}

	return m
}

// Record methods are no-ops on a nil *Metrics so components can run
// without instrumentation.

// RecordSessionStart records a new session of the given kind ("shell", "tunnel").
func (m *Metrics) RecordSessionStart(kind string) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(kind).Inc()
	m.SessionsTotal.WithLabelValues(kind).Inc()
}

// RecordSessionEnd records the end of a session.
func (m *Metrics) RecordSessionEnd(kind, reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(kind).Dec()
	m.SessionEnds.WithLabelValues(kind, reason).Inc()
}

// RecordShellEvent records a shell event.
func (m *Metrics) RecordShellEvent(event string) {
	if m == nil {
		return
	}
	m.ShellEvents.WithLabelValues(event).Inc()
}

// RecordChainSent records an outgoing keysplitting message.
func (m *Metrics) RecordChainSent(msgType string) {
	if m == nil {
		return
	}
	m.ChainMessagesSent.WithLabelValues(msgType).Inc()
}

// RecordChainAccepted records an incoming message that passed verification.
func (m *Metrics) RecordChainAccepted(msgType string) {
	if m == nil {
		return
	}
	m.ChainMessagesAccepted.WithLabelValues(msgType).Inc()
}

// RecordChainRejected records a rejected incoming message.
func (m *Metrics) RecordChainRejected(reason string) {
	if m == nil {
		return
	}
	m.ChainRejections.WithLabelValues(reason).Inc()
}

// RecordHandshake records a completed handshake.
func (m *Metrics) RecordHandshake(d time.Duration) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(d.Seconds())
}

// RecordAck records a Data/DataAck round trip.
func (m *Metrics) RecordAck(d time.Duration) {
	if m == nil {
		return
	}
	m.AckLatency.Observe(d.Seconds())
}

// RecordTunnelSent records bytes sent through a tunnel.
func (m *Metrics) RecordTunnelSent(n int) {
	if m == nil {
		return
	}
	m.TunnelBytesSent.Add(float64(n))
}

// RecordTunnelReceived records bytes received through a tunnel.
func (m *Metrics) RecordTunnelReceived(n int) {
	if m == nil {
		return
	}
	m.TunnelBytesReceived.Add(float64(n))
}

// RecordTunnelSetupFailure records a failed tunnel setup.
func (m *Metrics) RecordTunnelSetupFailure(reason string) {
	if m == nil {
		return
	}
	m.TunnelSetupFailures.WithLabelValues(reason).Inc()
}

// RecordInvocation records a hub method invocation.
func (m *Metrics) RecordInvocation(method string) {
	if m == nil {
		return
	}
	m.HubInvocations.WithLabelValues(method).Inc()
}

// RecordReconnect records a successful hub reconnection.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.HubReconnects.Inc()
}

// Handler returns an HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
