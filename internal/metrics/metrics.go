// Package metrics собирает сводные счетчики по всем устройствам.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics - счетчики процесса. Методы безопасны для вызова из разных горутин.
type Metrics struct {
	reg *prometheus.Registry

	frames    *prometheus.CounterVec
	discarded *prometheus.CounterVec
	captures  *prometheus.CounterVec
	captured  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	active    prometheus.Gauge
}

// New создает счетчики в собственном реестре.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ls3_frames_decoded_total",
			Help: "Telemetry records decoded from the receive stream.",
		}, []string{"device"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ls3_bytes_discarded_total",
			Help: "Bytes dropped while resynchronizing the telemetry stream.",
		}, []string{"device"}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ls3_captures_saved_total",
			Help: "Capture files written.",
		}, []string{"device"}),
		captured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ls3_capture_lines_total",
			Help: "Lines written to capture files.",
		}, []string{"device"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ls3_command_retries_total",
			Help: "Command resends after an unconfirmed attempt.",
		}, []string{"device", "command"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ls3_devices_active",
			Help: "Devices with a live connection.",
		}),
	}
	m.reg.MustRegister(m.frames, m.discarded, m.captures, m.captured, m.retries, m.active)
	return m
}

func (m *Metrics) FramesDecoded(device string, n int) {
	m.frames.WithLabelValues(device).Add(float64(n))
}

func (m *Metrics) BytesDiscarded(device string, n uint64) {
	m.discarded.WithLabelValues(device).Add(float64(n))
}

func (m *Metrics) CaptureSaved(device string, lines int) {
	m.captures.WithLabelValues(device).Inc()
	m.captured.WithLabelValues(device).Add(float64(lines))
}

func (m *Metrics) CommandRetried(device, command string) {
	m.retries.WithLabelValues(device, command).Inc()
}

// SetActive задает число активных устройств.
func (m *Metrics) SetActive(n int) { m.active.Set(float64(n)) }

// Registry возвращает реестр счетчиков.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler возвращает HTTP-обработчик в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve отдает /metrics на addr до отмены ctx.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("метрики доступны", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
