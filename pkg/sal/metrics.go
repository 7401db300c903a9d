package sal

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics метрики стека операций.
// Каждый Stack регистрирует свой набор в переданном Registerer,
// поэтому несколько стеков в одном процессе не конфликтуют.
type Metrics struct {
	opsCreated          *prometheus.CounterVec
	opsActive           *prometheus.GaugeVec
	callTransitions     *prometheus.CounterVec
	callFailures        *prometheus.CounterVec
	requestsSent        *prometheus.CounterVec
	responsesReceived   *prometheus.CounterVec
	requestsReceived    *prometheus.CounterVec
	negotiationFailures prometheus.Counter
}

// NewMetrics создает метрики в пространстве имен "sal"
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		opsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sal",
			Name:      "operations_created_total",
			Help:      "Total number of operations created by kind",
		}, []string{"kind"}),
		opsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sal",
			Name:      "operations_active",
			Help:      "Number of operations not yet released",
		}, []string{"kind"}),
		callTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sal",
			Subsystem: "call",
			Name:      "state_transitions_total",
			Help:      "Call state machine transitions",
		}, []string{"from", "to"}),
		callFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sal",
			Subsystem: "call",
			Name:      "failures_total",
			Help:      "Call failures by reason",
		}, []string{"reason"}),
		requestsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sal",
			Name:      "requests_sent_total",
			Help:      "SIP requests handed to the transport",
		}, []string{"method"}),
		responsesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sal",
			Name:      "responses_received_total",
			Help:      "SIP responses received by status class",
		}, []string{"method", "class"}),
		requestsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sal",
			Name:      "requests_received_total",
			Help:      "SIP requests received from the transport",
		}, []string{"method"}),
		negotiationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sal",
			Subsystem: "sdp",
			Name:      "negotiation_failures_total",
			Help:      "SDP offer/answer exchanges that failed",
		}),
	}
}

func (m *Metrics) opCreated(kind Kind) {
	if m == nil {
		return
	}
	m.opsCreated.WithLabelValues(kind.String()).Inc()
	m.opsActive.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) opReleased(kind Kind) {
	if m == nil {
		return
	}
	m.opsActive.WithLabelValues(kind.String()).Dec()
}

func (m *Metrics) callTransition(from, to CallState) {
	if m == nil {
		return
	}
	m.callTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) callFailure(reason Reason) {
	if m == nil {
		return
	}
	m.callFailures.WithLabelValues(reason.String()).Inc()
}

func (m *Metrics) requestSent(method string) {
	if m == nil {
		return
	}
	m.requestsSent.WithLabelValues(method).Inc()
}

func (m *Metrics) requestReceived(method string) {
	if m == nil {
		return
	}
	m.requestsReceived.WithLabelValues(method).Inc()
}

func (m *Metrics) responseReceived(method string, code int) {
	if m == nil {
		return
	}
	m.responsesReceived.WithLabelValues(method, strconv.Itoa(code/100)+"xx").Inc()
}

func (m *Metrics) negotiationFailed() {
	if m == nil {
		return
	}
	m.negotiationFailures.Inc()
}
