package ports

import (
	"context"
	"time"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
)

// LinkTransport is the raw BLE stack. Implementations are not required to be
// safe for concurrent use; ReconnectingLink serialises every call.
type LinkTransport interface {
	Scan(ctx context.Context, timeout time.Duration) ([]domain.PeerDescriptor, error)
	// Connect opens a session. onDisconnect is called from a transport owned
	// goroutine when the peer drops the connection.
	Connect(ctx context.Context, address string, onDisconnect func()) (LinkSession, error)
}

type LinkSession interface {
	Characteristics(ctx context.Context) ([]domain.Characteristic, error)
	WriteWithoutResponse(ctx context.Context, characteristicID string, payload []byte) error
	StartNotify(ctx context.Context, characteristicID string, handler func([]byte)) error
	StopNotify(ctx context.Context, characteristicID string) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
}

// LinkController is the surface the websocket layer drives on behalf of
// clients.
type LinkController interface {
	Scan(ctx context.Context, timeout time.Duration) ([]domain.PeerDescriptor, error)
	Connect(ctx context.Context, address string) (bool, error)
	Disconnect(ctx context.Context, clean bool) error
	Status() domain.LinkStatus
}

// ManagedLink is the full ReconnectingLink surface used by the orchestrator.
type ManagedLink interface {
	LinkController
	SetDisconnectCallback(fn func(domain.LinkStatus))
	// SetNotifyHandler subscribes handler to the peer's notify characteristic
	// on every successful (re)connect.
	SetNotifyHandler(handler func([]byte))
	Close(ctx context.Context) error
}
