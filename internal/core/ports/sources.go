package ports

import (
	"context"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
)

// SnapshotSource is polled for the current media session. ok is false when no
// session is active.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (snapshot domain.MediaSnapshot, ok bool, err error)
}

// AudioSource produces amplitude samples from its own capture thread. Latest
// never blocks and always returns the most recent sample.
type AudioSource interface {
	Start(ctx context.Context) error
	Stop() error
	Latest() domain.AudioMetrics
}

type NotificationSource interface {
	Start(ctx context.Context) error
	Stop() error
	Notifications() <-chan domain.Notification
}
