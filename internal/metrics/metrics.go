package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botcareu"

// Metrics pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	readingsTotal      *prometheus.CounterVec
	feverAlertsTotal   *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	deliveryAttempts   *prometheus.CounterVec
	deliveryOutcomes   *prometheus.CounterVec
	deliveryDuration   *prometheus.HistogramVec

	activeSessions  prometheus.Gauge
	authFailures    prometheus.Counter
	droppedSessions prometheus.Counter
	fanoutTotal     *prometheus.CounterVec
}

// New builds and registers every collector on reg. gatherer serves /metrics;
// pass prometheus.DefaultGatherer alongside prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		readingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Temperature readings processed by result (classified, invalid).",
		}, []string{"result"}),
		feverAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fever_alerts_total",
			Help:      "Fever alerts raised by severity.",
		}, []string{"severity"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications created by type and final delivered flag.",
		}, []string{"type", "delivered"}),
		deliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Channel delivery attempts by channel and result (sent, failed, timeout).",
		}, []string{"channel", "result"}),
		deliveryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_outcomes_total",
			Help:      "Terminal channel delivery statuses.",
		}, []string{"channel", "status"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempt_duration_seconds",
			Help:      "Histogram of single delivery attempt durations by channel.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_sessions",
			Help:      "Live realtime sessions on this instance.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_auth_failures_total",
			Help:      "Realtime sessions closed for a missing or invalid token.",
		}),
		droppedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_slow_sessions_dropped_total",
			Help:      "Sessions dropped because their outbound buffer was full.",
		}),
		fanoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_fanout_total",
			Help:      "Events enqueued to sessions by event name.",
		}, []string{"event"}),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpDuration,
		m.readingsTotal,
		m.feverAlertsTotal,
		m.notificationsTotal,
		m.deliveryAttempts,
		m.deliveryOutcomes,
		m.deliveryDuration,
		m.activeSessions,
		m.authFailures,
		m.droppedSessions,
		m.fanoutTotal,
	)

	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Reading(valid bool) {
	if m == nil {
		return
	}
	result := "classified"
	if !valid {
		result = "invalid"
	}
	m.readingsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) FeverAlert(severity string) {
	if m == nil {
		return
	}
	m.feverAlertsTotal.WithLabelValues(severity).Inc()
}

func (m *Metrics) NotificationSettled(notificationType string, delivered bool) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(notificationType, strconv.FormatBool(delivered)).Inc()
}

func (m *Metrics) DeliveryAttempt(channel, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deliveryAttempts.WithLabelValues(channel, result).Inc()
	m.deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func (m *Metrics) DeliveryOutcome(channel, status string) {
	if m == nil {
		return
	}
	m.deliveryOutcomes.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Metrics) SlowSessionDropped() {
	if m == nil {
		return
	}
	m.droppedSessions.Inc()
}

func (m *Metrics) Fanout(event string) {
	if m == nil {
		return
	}
	m.fanoutTotal.WithLabelValues(event).Inc()
}
