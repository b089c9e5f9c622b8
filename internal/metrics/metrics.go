package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — общий набор метрик для api, verifier и gate. Каждый процесс
// пользуется своей частью, остальные серии просто остаются нулевыми.
type Metrics struct {
	// Latency: обработка HTTP/WS запросов API
	RequestDuration *prometheus.HistogramVec

	// Errors: классификация отказов (transport, block, bulk, auth, ...)
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker исходящего клиента (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Recorder: заполненность буфера ссылок (backpressure)
	RecorderBufferFill prometheus.Gauge

	// Jobs: результат заданий верификации (succeeded, retried, failed)
	JobsTotal *prometheus.CounterVec

	// Verifications: исходы блоков (true, false, error)
	VerificationsTotal *prometheus.CounterVec

	// LimiterWait: сколько задание ждало у лимитера внешнего ресурса
	LimiterWait *prometheus.HistogramVec

	// Gate: решения шлюза и причина (same-origin, cache, backend, mode)
	GateDecisions *prometheus.CounterVec

	// GateEndpointUsage: обращения к внешним origin через шлюз
	GateEndpointUsage *prometheus.CounterVec

	// GateMode: текущий режим шлюза
	GateMode prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lms_request_duration_seconds",
			Help:    "Histogram of API request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"route", "status"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lms_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "lms_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"name"}),

		RecorderBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "lms_link_recorder_buffer_utilization",
			Help: "Current number of links waiting in the recorder buffer.",
		}),

		JobsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lms_jobs_total",
			Help: "Verification jobs by result.",
		}, []string{"result"}),

		VerificationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lms_verifications_total",
			Help: "Building block runs by verify function and outcome.",
		}, []string{"verify_fn", "outcome"}),

		LimiterWait: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lms_limiter_wait_seconds",
			Help:    "Time spent waiting for an external resource limiter.",
			Buckets: []float64{.01, .1, .5, 1, 2, 5, 10, 30, 60},
		}, []string{"limiter"}),

		GateDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lms_gate_decisions_total",
			Help: "Gate decisions by verdict and reason.",
		}, []string{"decision", "reason"}),

		GateEndpointUsage: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lms_gate_endpoint_usage_total",
			Help: "Requests passing through the gate per target origin.",
		}, []string{"origin", "decision"}),

		GateMode: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "lms_gate_mode",
			Help: "Current gate mode (0=fail-open, 1=decision-noop, 2=normal).",
		}),
	}
}
