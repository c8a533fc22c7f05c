package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ranya_bridge"

type bridgeMetrics struct {
	inboundTotal    *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	replyTotal      *prometheus.CounterVec
	replyDuration   *prometheus.HistogramVec
	pipelineErrors  *prometheus.CounterVec
	observerOutcome *prometheus.CounterVec
	reconnectTotal  *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	channelUp       *prometheus.GaugeVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *bridgeMetrics
)

func getMetrics() *bridgeMetrics {
	metricsOnce.Do(func() {
		m := &bridgeMetrics{
			inboundTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "inbound_messages_total",
					Help:      "Inbound messages accepted into the pipeline by channel.",
				},
				[]string{"channel"},
			),
			droppedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dropped_messages_total",
					Help:      "Inbound platform events discarded before the pipeline by channel and reason.",
				},
				[]string{"channel", "reason"},
			),
			replyTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "replies_total",
					Help:      "Replies sent back to a chat by channel and status.",
				},
				[]string{"channel", "status"},
			),
			replyDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "reply_duration_seconds",
					Help:      "Time from inbound message to reply by channel.",
					Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
				},
				[]string{"channel"},
			),
			pipelineErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "pipeline_errors_total",
					Help:      "Per-message pipeline failures by channel and stage.",
				},
				[]string{"channel", "stage"},
			),
			observerOutcome: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "observer_outcomes_total",
					Help:      "Response observer results by outcome.",
				},
				[]string{"outcome"},
			),
			reconnectTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "reconnects_total",
					Help:      "Transport reconnect attempts by channel.",
				},
				[]string{"channel"},
			),
			transportErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "transport_errors_total",
					Help:      "Errors raised inside a channel's receive loop.",
				},
				[]string{"channel"},
			),
			channelUp: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "channel_up",
					Help:      "Channel running state (1 running, 0 stopped).",
				},
				[]string{"channel"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_run_total",
					Help:      "Agent executions by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_duration_seconds",
					Help:      "Agent execution duration by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.inboundTotal,
			m.droppedTotal,
			m.replyTotal,
			m.replyDuration,
			m.pipelineErrors,
			m.observerOutcome,
			m.reconnectTotal,
			m.transportErrors,
			m.channelUp,
			m.agentRunTotal,
			m.agentRunDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordInbound(channel string) {
	getMetrics().inboundTotal.WithLabelValues(channel).Inc()
}

func RecordDropped(channel, reason string) {
	getMetrics().droppedTotal.WithLabelValues(channel, reason).Inc()
}

func RecordReply(channel string, duration time.Duration, success bool) {
	m := getMetrics()
	m.replyTotal.WithLabelValues(channel, status(success)).Inc()
	if success {
		m.replyDuration.WithLabelValues(channel).Observe(duration.Seconds())
	}
}

func RecordPipelineError(channel, stage string) {
	getMetrics().pipelineErrors.WithLabelValues(channel, stage).Inc()
}

func RecordObserverOutcome(outcome string) {
	getMetrics().observerOutcome.WithLabelValues(outcome).Inc()
}

func RecordReconnect(channel string) {
	getMetrics().reconnectTotal.WithLabelValues(channel).Inc()
}

func RecordTransportError(channel string) {
	getMetrics().transportErrors.WithLabelValues(channel).Inc()
}

func SetChannelUp(channel string, up bool) {
	value := 0.0
	if up {
		value = 1.0
	}
	getMetrics().channelUp.WithLabelValues(channel).Set(value)
}

func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, status(success)).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}
