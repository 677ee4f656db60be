package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ApkExtractor/pkg/types"
)

var (
	// adb command metrics
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apkx_adb_commands_total",
			Help: "Total adb invocations by action and result",
		},
		[]string{"action", "result"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apkx_adb_command_duration_seconds",
			Help:    "adb invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	pendingOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apkx_pending_operations",
			Help: "Number of occupied operation slots",
		},
	)

	// Connection metrics
	connectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apkx_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		},
		[]string{"state"},
	)

	// Transfer metrics
	bytesPulled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apkx_bytes_pulled_total",
			Help: "Total bytes pulled from devices",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apkx_downloads_total",
			Help: "Total downloads by result",
		},
		[]string{"result"},
	)

	bundlesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apkx_bundles_resolved_total",
			Help: "Bundles processed by outcome",
		},
		[]string{"outcome"},
	)

	// Event metrics
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apkx_events_total",
			Help: "Status events published",
		},
		[]string{"kind", "level"},
	)

	droppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apkx_events_dropped_total",
			Help: "Event deliveries skipped because a subscriber was full",
		},
	)
)

// RecordCommand records one adb invocation.
func RecordCommand(action string, res types.CommandResult, err error) {
	result := "ok"
	switch {
	case errors.Is(err, context.Canceled):
		result = "canceled"
	case err != nil:
		result = string(types.KindOf(err))
		if result == "" {
			result = "error"
		}
	case res.ExitCode != 0:
		result = "exit_nonzero"
	}
	commandsTotal.WithLabelValues(action, result).Inc()
	if res.Elapsed > 0 {
		commandDuration.WithLabelValues(action).Observe(res.Elapsed.Seconds())
	}
}

// RecordConnectionState marks state as the current one.
func RecordConnectionState(state types.ConnectionState) {
	for _, s := range []types.ConnectionState{types.StateDisconnected, types.StateConnecting, types.StateConnected} {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(string(s)).Set(v)
	}
}

// RecordDownload records a finished pull.
func RecordDownload(bytes int64, err error) {
	if err != nil {
		downloadsTotal.WithLabelValues("failure").Inc()
		return
	}
	downloadsTotal.WithLabelValues("success").Inc()
	bytesPulled.Add(float64(bytes))
}

// RecordBundle records an archive resolution.
func RecordBundle(outcome types.ExtractionOutcome, err error) {
	switch {
	case err != nil:
		bundlesTotal.WithLabelValues("corrupt").Inc()
	case outcome.Complete():
		bundlesTotal.WithLabelValues("extracted").Inc()
	default:
		bundlesTotal.WithLabelValues("incomplete").Inc()
	}
}

// RecordEvent counts a published event.
func RecordEvent(ev StatusEvent) {
	eventsTotal.WithLabelValues(string(ev.Kind), string(ev.Level)).Inc()
}

// MetricsServer exposes /metrics while the process runs.
type MetricsServer struct {
	srv *http.Server
}

// StartMetricsServer listens on addr in the background. An empty addr disables it.
func StartMetricsServer(addr string) *MetricsServer {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			LogError("metrics").Err(err).Str("addr", addr).Msg("Metrics server stopped")
		}
	}()
	LogInfo("metrics").Str("addr", addr).Msg("Serving metrics")
	return &MetricsServer{srv: srv}
}

// Stop shuts the server down.
func (m *MetricsServer) Stop(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
