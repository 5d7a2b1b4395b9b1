package p2p

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	handshakes        *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	liveSessions      prometheus.Gauge
	openConnections   prometheus.Gauge
	sendFailures      prometheus.Counter

	meter             metric.Meter
	handshakeCounter  metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

func getNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "overnet_p2p_handshakes_total",
				Help: "Total handshake outcomes.",
			}, []string{"result"}),
			handshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "overnet_p2p_handshake_duration_seconds",
				Help:    "Time from handshake start to its terminal outcome.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			}),
			liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "overnet_p2p_live_handshakes",
				Help: "Handshakes currently in flight.",
			}),
			openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "overnet_p2p_open_connections",
				Help: "Transport connections currently open.",
			}),
			sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "overnet_p2p_send_failures_total",
				Help: "Asynchronous sends that resolved with an error.",
			}),
		}
		prometheus.MustRegister(nm.handshakes, nm.handshakeDuration, nm.liveSessions,
			nm.openConnections, nm.sendFailures)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("overnet/p2p")
	counter, err := meter.Int64Counter("overnet.p2p.handshakes")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("overnet/p2p")
		counter, _ = fallback.Int64Counter("overnet.p2p.handshakes")
		meter = fallback
	}
	duration, err := meter.Float64Histogram("overnet.p2p.handshake_duration_ms")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("overnet/p2p")
		duration, _ = fallback.Float64Histogram("overnet.p2p.handshake_duration_ms")
		meter = fallback
	}
	m.meter = meter
	m.handshakeCounter = counter
	m.durationHistogram = duration
}

func (m *networkMetrics) sessionStarted() {
	if m == nil {
		return
	}
	m.liveSessions.Inc()
}

func (m *networkMetrics) sessionFinished(result string, took time.Duration) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.liveSessions.Dec()
	m.handshakes.WithLabelValues(result).Inc()
	m.handshakeDuration.Observe(took.Seconds())
	if m.handshakeCounter != nil {
		m.handshakeCounter.Add(
			contextBackground(),
			1,
			metric.WithAttributes(attribute.String("result", result)),
		)
	}
	if m.durationHistogram != nil {
		m.durationHistogram.Record(
			contextBackground(),
			float64(took.Milliseconds()),
			metric.WithAttributes(attribute.String("result", result)),
		)
	}
}

func (m *networkMetrics) connectionOpened() {
	if m == nil {
		return
	}
	m.openConnections.Inc()
}

func (m *networkMetrics) connectionClosed() {
	if m == nil {
		return
	}
	m.openConnections.Dec()
}

func (m *networkMetrics) recordSendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

var backgroundOnce sync.Once
var backgroundContext context.Context

func contextBackground() context.Context {
	backgroundOnce.Do(func() {
		backgroundContext = context.Background()
	})
	return backgroundContext
}

func componentLogger(component string) *slog.Logger {
	return slog.Default().With(slog.String("component", component))
}
