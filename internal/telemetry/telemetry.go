// Package telemetry provides observability for quotagate: Prometheus
// metrics and a log/slog-backed sink for the core's on_log callback.
package telemetry

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quotagate/quotagate/internal/availability"
)

// Metrics holds every Prometheus series quotagate exports.
type Metrics struct {
	ReservationsTotal          *prometheus.CounterVec
	WindowRemaining            *prometheus.GaugeVec
	Inflight                   *prometheus.GaugeVec
	SlotsAvailable             prometheus.Gauge
	RatioAdjustmentTotal       *prometheus.CounterVec
	BackendAllocationInstances prometheus.Gauge
	JobWaitSeconds             *prometheus.HistogramVec
}

// NewMetrics creates and registers every quotagate metric against registry,
// or the default registerer if nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ReservationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_reservations_total",
				Help: "Total reservation attempts by model, job type, and outcome",
			},
			[]string{"model", "job_type", "outcome"},
		),
		WindowRemaining: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotagate_window_remaining",
				Help: "Remaining capacity on a counter dimension",
			},
			[]string{"model", "dimension"},
		),
		Inflight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotagate_inflight",
				Help: "In-flight reservations held per model",
			},
			[]string{"model"},
		),
		SlotsAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "quotagate_slots_available",
				Help: "Derived slots available across the whole pool",
			},
		),
		RatioAdjustmentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_ratio_adjustment_total",
				Help: "Job-type ratio rebalances by direction",
			},
			[]string{"model", "job_type", "direction"},
		),
		BackendAllocationInstances: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "quotagate_backend_allocation_instance_count",
				Help: "Live instance count last observed from the distributed backend",
			},
		),
		JobWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotagate_job_wait_seconds",
				Help:    "Time a job waited for capacity before admission, by model",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"model"},
		),
	}
}

// Handler returns an HTTP handler serving Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordReservation records one admission attempt's outcome.
func (m *Metrics) RecordReservation(model, jobType, outcome string) {
	m.ReservationsTotal.WithLabelValues(model, jobType, outcome).Inc()
}

// UpdateWindowRemaining sets the remaining-capacity gauge for one model
// dimension (one of "rpm", "rpd", "tpm", "tpd", "concurrency").
func (m *Metrics) UpdateWindowRemaining(model, dimension string, remaining int64) {
	m.WindowRemaining.WithLabelValues(model, dimension).Set(float64(remaining))
}

// UpdateInflight sets the in-flight gauge for model.
func (m *Metrics) UpdateInflight(model string, n int64) {
	m.Inflight.WithLabelValues(model).Set(float64(n))
}

// UpdateSlotsAvailable mirrors AvailabilityTracker.slots.
func (m *Metrics) UpdateSlotsAvailable(slots int64) {
	m.SlotsAvailable.Set(float64(slots))
}

// RecordRatioAdjustment records a donor/receiver rebalance.
func (m *Metrics) RecordRatioAdjustment(model, jobType, direction string) {
	m.RatioAdjustmentTotal.WithLabelValues(model, jobType, direction).Inc()
}

// UpdateBackendAllocationInstances records the live instance count from the
// most recent distributed allocation update.
func (m *Metrics) UpdateBackendAllocationInstances(n int64) {
	m.BackendAllocationInstances.Set(float64(n))
}

// ObserveJobWaitSeconds records how long a job waited for capacity on model.
func (m *Metrics) ObserveJobWaitSeconds(model string, seconds float64) {
	m.JobWaitSeconds.WithLabelValues(model).Observe(seconds)
}

// NewLogger builds the process-wide slog.Logger, text-formatted when format
// is "pretty" and JSON otherwise, and installs it as slog.Default().
func NewLogger(format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if format == "pretty" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SlogSink adapts the core's on_log(message, data) callback shape onto a
// slog.Logger, fire-and-forget.
func SlogSink(logger *slog.Logger) func(message string, data map[string]any) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(message string, data map[string]any) {
		args := make([]any, 0, len(data)*2)
		for k, v := range data {
			args = append(args, k, v)
		}
		logger.Info(message, args...)
	}
}

// AvailabilitySink adapts the core's on_available_slots_change callback to
// update the slots gauge and log the transition, so operators see both a
// metric and a structured log line for every availability change.
func AvailabilitySink(logger *slog.Logger, metrics *Metrics) availability.Callback {
	if logger == nil {
		logger = slog.Default()
	}
	return func(a availability.Availability, reason availability.Reason, adjustment string) {
		if metrics != nil {
			metrics.UpdateSlotsAvailable(a.Slots)
		}
		logger.Info("availability changed", "slots", a.Slots, "reason", string(reason), "adjustment", adjustment)
	}
}
