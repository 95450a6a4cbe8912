package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline holds the Prometheus metrics of the capture pipeline.
type Pipeline struct {
	Attempts      *prometheus.CounterVec
	AttemptTime   *prometheus.HistogramVec
	Retries       *prometheus.CounterVec
	Submissions   *prometheus.CounterVec
	Preprocessing *prometheus.CounterVec
	BurstFrames   *prometheus.CounterVec
	ActiveSession prometheus.Gauge
}

// New creates and registers all pipeline metrics on reg.
func New(reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)
	return &Pipeline{
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "face_capture_submission_attempts_total",
			Help: "Transport attempts by endpoint, strategy and result",
		}, []string{"endpoint", "strategy", "result"}),
		AttemptTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "face_capture_submission_attempt_seconds",
			Help:    "Duration of single transport attempts",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60, 120},
		}, []string{"endpoint"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "face_capture_submission_retries_total",
			Help: "Retries scheduled after transient failures",
		}, []string{"endpoint"}),
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "face_capture_submissions_total",
			Help: "Completed submissions by purpose and diagnostic category",
		}, []string{"purpose", "category"}),
		Preprocessing: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "face_capture_preprocess_total",
			Help: "Image normalizations by result and renderer",
		}, []string{"result", "renderer"}),
		BurstFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "face_capture_burst_frames_total",
			Help: "Burst steps by result",
		}, []string{"result"}),
		ActiveSession: factory.NewGauge(prometheus.GaugeOpts{
			Name: "face_capture_active_sessions",
			Help: "Capture sessions currently open",
		}),
	}
}

// ObserveAttempt records one transport attempt.
func (m *Pipeline) ObserveAttempt(endpoint, strategy, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(endpoint, strategy, result).Inc()
	m.AttemptTime.WithLabelValues(endpoint).Observe(seconds)
}

// ObserveRetry records a scheduled retry.
func (m *Pipeline) ObserveRetry(endpoint string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(endpoint).Inc()
}

// ObserveSubmission records a finished submission.
func (m *Pipeline) ObserveSubmission(purpose, category string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(purpose, category).Inc()
}

// ObservePreprocess records one image normalization.
func (m *Pipeline) ObservePreprocess(result, renderer string) {
	if m == nil {
		return
	}
	m.Preprocessing.WithLabelValues(result, renderer).Inc()
}

// ObserveBurstFrame records one burst step.
func (m *Pipeline) ObserveBurstFrame(result string) {
	if m == nil {
		return
	}
	m.BurstFrames.WithLabelValues(result).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Pipeline) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSession.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Pipeline) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSession.Dec()
}
