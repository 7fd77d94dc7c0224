package monitoring

import (
	"time"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
	"github.com/SukunDev/emo-chan-gui/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var linkStates = []domain.LinkState{
	domain.LinkIdle,
	domain.LinkScanning,
	domain.LinkConnecting,
	domain.LinkConnected,
	domain.LinkDisconnecting,
	domain.LinkReconnecting,
}

type PrometheusCollector struct {
	clientsConnected prometheus.Gauge
	linkState        *prometheus.GaugeVec

	mediaEvents       *prometheus.CounterVec
	handlerErrors     *prometheus.CounterVec
	filterDecisions   *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	sendErrors        *prometheus.CounterVec
	commands          *prometheus.CounterVec

	broadcastDuration *prometheus.HistogramVec
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the emo_* metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		clientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emo_clients_connected",
			Help: "Number of websocket clients currently registered with the hub",
		}),

		linkState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "emo_link_state",
			Help: "Current wireless link state (1 for the active state, 0 otherwise)",
		}, []string{"state"}),

		mediaEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emo_media_events_total",
			Help: "Media session events emitted by the tracker",
		}, []string{"kind"}),

		handlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emo_media_handler_errors_total",
			Help: "Media event handlers that returned an error or panicked",
		}, []string{"kind"}),

		filterDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emo_filter_decisions_total",
			Help: "Audio tick decisions made by the change filter",
		}, []string{"decision"}),

		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "emo_link_reconnect_attempts_total",
			Help: "Reconnect attempts made after an unexpected link drop",
		}),

		sendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emo_send_errors_total",
			Help: "Failed deliveries per sink",
		}, []string{"sink"}),

		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emo_client_commands_total",
			Help: "Client commands handled by the websocket server",
		}, []string{"event", "result"}),

		broadcastDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "emo_broadcast_duration_seconds",
			Help:    "Time taken to fan one payload out to every sink",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"kind"}),
	}
}

func (p *PrometheusCollector) RecordMediaEvent(kind domain.MediaEventKind) {
	p.mediaEvents.WithLabelValues(kind.String()).Inc()
}

func (p *PrometheusCollector) RecordHandlerError(kind domain.MediaEventKind) {
	p.handlerErrors.WithLabelValues(kind.String()).Inc()
}

func (p *PrometheusCollector) RecordFilterDecision(sent bool) {
	decision := "suppressed"
	if sent {
		decision = "sent"
	}
	p.filterDecisions.WithLabelValues(decision).Inc()
}

// RecordLinkState sets the gauge for state to 1 and every other state to 0.
func (p *PrometheusCollector) RecordLinkState(state domain.LinkState) {
	for _, s := range linkStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.linkState.WithLabelValues(s.String()).Set(v)
	}
}

func (p *PrometheusCollector) RecordReconnectAttempt() {
	p.reconnectAttempts.Inc()
}

func (p *PrometheusCollector) RecordClientConnected() {
	p.clientsConnected.Inc()
}

func (p *PrometheusCollector) RecordClientDisconnected() {
	p.clientsConnected.Dec()
}

func (p *PrometheusCollector) RecordSendError(sink string) {
	p.sendErrors.WithLabelValues(sink).Inc()
}

func (p *PrometheusCollector) RecordBroadcast(kind string, duration time.Duration) {
	p.broadcastDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordCommand(event string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.commands.WithLabelValues(event, result).Inc()
}
