package ports

import (
	"context"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
)

// ClientSink is one connected network client. WriteMessage must be safe for
// concurrent use.
type ClientSink interface {
	ID() string
	WriteMessage(ctx context.Context, payload []byte) error
	Close() error
}

// WirelessSink is the BLE peer viewed as a broadcast destination.
type WirelessSink interface {
	CanWrite() bool
	Write(ctx context.Context, payload []byte) (bool, error)
}

type LinkStatusProvider interface {
	Status() domain.LinkStatus
}

// EventMirror receives a copy of every broadcast payload.
type EventMirror interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
}

// Broadcaster is what the orchestrator needs from the hub.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload any)
	Announce(ctx context.Context, event domain.CombinedEvent)
	Close()
}
