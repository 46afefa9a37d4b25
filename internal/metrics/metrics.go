// Package metrics exposes compositor frame and session counters in the
// Prometheus text format. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "surfacecomposer"

// Metrics holds the compositor's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	framesPresented prometheus.Counter
	framesDropped   prometheus.Counter
	layerBlits      prometheus.Counter
	layerSkips      prometheus.Counter
	layers          prometheus.Gauge
	connections     prometheus.Gauge
	fenceValue      prometheus.Gauge
	frameDuration   prometheus.Histogram
}

// New creates the collectors, including the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesPresented: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_presented_total",
			Help: "Frames presented to the display target.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_total",
			Help: "Frames dropped after a clear or present failure.",
		}),
		layerBlits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "layer_blits_total",
			Help: "Layer copies into the back buffer.",
		}),
		layerSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "layer_skips_total",
			Help: "Layers skipped for a frame, usually on keyed mutex timeout.",
		}),
		layers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "layers",
			Help: "Layers currently composited.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Client sessions connected to the broker.",
		}),
		fenceValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fence_value",
			Help: "Last fence value signalled by the swap chain.",
		}),
		frameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "frame_duration_seconds",
			Help:    "Time from clear to vblank of a presented frame.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
	}
	m.registry.MustRegister(
		m.framesPresented, m.framesDropped,
		m.layerBlits, m.layerSkips,
		m.layers, m.connections, m.fenceValue, m.frameDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// FramePresented records a presented frame.
func (m *Metrics) FramePresented(blitted, skipped int, fence uint64, d time.Duration) {
	if m == nil {
		return
	}
	m.framesPresented.Inc()
	m.layerBlits.Add(float64(blitted))
	m.layerSkips.Add(float64(skipped))
	m.fenceValue.Set(float64(fence))
	m.frameDuration.Observe(d.Seconds())
}

// FrameDropped records a dropped frame.
func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

// SetSessions records the current layer and connection counts.
func (m *Metrics) SetSessions(layers, connections int) {
	if m == nil {
		return
	}
	m.layers.Set(float64(layers))
	m.connections.Set(float64(connections))
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve serves /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("serving metrics", "addr", l.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
