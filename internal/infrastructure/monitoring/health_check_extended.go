package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck probes the event mirror's Redis server. Losing the mirror only
// degrades the service.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck(HealthCheck{
		Name:    "redis",
		Timeout: timeout,
		Check: func(ctx context.Context) (bool, error) {
			if err := client.Ping(ctx).Err(); err != nil {
				return false, err
			}
			return true, nil
		},
	})
}

// AddLinkCheck reports a reconnecting peer as degraded. Idle or connected are
// both fine.
func (h *HealthChecker) AddLinkCheck(link interface{ State() domain.LinkState }) {
	h.AddCheck(HealthCheck{
		Name: "link",
		Check: func(ctx context.Context) (bool, error) {
			if s := link.State(); s == domain.LinkReconnecting {
				return false, fmt.Errorf("link %s", s)
			}
			return true, nil
		},
	})
}

// AddAudioCheck fails when the capture source reported itself unavailable at
// startup.
func (h *HealthChecker) AddAudioCheck(available func() bool) {
	h.AddCheck(HealthCheck{
		Name: "audio",
		Check: func(ctx context.Context) (bool, error) {
			if !available() {
				return false, domain.ErrCollaboratorUnavailable
			}
			return true, nil
		},
	})
}

// IsReady reports whether no critical check is failing.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status != StatusUnhealthy
}
