package ports

import (
	"time"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
)

// MetricsRecorder is implemented by the Prometheus collector. Components fall
// back to NopMetrics when none is supplied.
type MetricsRecorder interface {
	RecordMediaEvent(kind domain.MediaEventKind)
	RecordHandlerError(kind domain.MediaEventKind)
	RecordFilterDecision(sent bool)
	RecordLinkState(state domain.LinkState)
	RecordReconnectAttempt()
	RecordClientConnected()
	RecordClientDisconnected()
	RecordSendError(sink string)
	RecordBroadcast(kind string, duration time.Duration)
	RecordCommand(event string, ok bool)
}

type NopMetrics struct{}

func (NopMetrics) RecordMediaEvent(domain.MediaEventKind)   {}
func (NopMetrics) RecordHandlerError(domain.MediaEventKind) {}
func (NopMetrics) RecordFilterDecision(bool)                {}
func (NopMetrics) RecordLinkState(domain.LinkState)         {}
func (NopMetrics) RecordReconnectAttempt()                  {}
func (NopMetrics) RecordClientConnected()                   {}
func (NopMetrics) RecordClientDisconnected()                {}
func (NopMetrics) RecordSendError(string)                   {}
func (NopMetrics) RecordBroadcast(string, time.Duration)    {}
func (NopMetrics) RecordCommand(string, bool)               {}
