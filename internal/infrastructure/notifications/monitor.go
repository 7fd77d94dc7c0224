// Package notifications observes desktop notifications by monitoring
// org.freedesktop.Notifications.Notify calls on the session bus.
package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
	"github.com/SukunDev/emo-chan-gui/internal/core/ports"
	"github.com/SukunDev/emo-chan-gui/pkg/logger"
)

const (
	DefaultBuffer = 16

	notifyInterface = "org.freedesktop.Notifications"
	notifyRule      = "type='method_call',interface='org.freedesktop.Notifications',member='Notify'"
)

// Monitor implements ports.NotificationSource. It owns a dedicated session
// bus connection; a monitoring connection cannot be used for anything else.
type Monitor struct {
	logger *zap.SugaredLogger
	out    chan domain.Notification
	now    func() time.Time

	mu      sync.Mutex
	conn    *dbus.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	dropped int
}

var _ ports.NotificationSource = (*Monitor)(nil)

func NewMonitor(buffer int, log *zap.SugaredLogger) *Monitor {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Monitor{
		logger: log,
		out:    make(chan domain.Notification, buffer),
		now:    time.Now,
	}
}

func (m *Monitor) Notifications() <-chan domain.Notification {
	return m.out
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return nil
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("%w: session bus: %v", domain.ErrCollaboratorUnavailable, err)
	}
	call := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.Monitoring.BecomeMonitor", 0, []string{notifyRule}, uint32(0))
	if call.Err != nil {
		conn.Close()
		return fmt.Errorf("%w: become monitor: %v", domain.ErrCollaboratorUnavailable, call.Err)
	}

	messages := make(chan *dbus.Message, 32)
	conn.Eavesdrop(messages)

	runCtx, cancel := context.WithCancel(context.Background())
	m.conn, m.cancel, m.done = conn, cancel, make(chan struct{})
	go m.loop(runCtx, messages, m.done)

	m.logger.Infow("Notification monitor started")
	return nil
}

func (m *Monitor) loop(ctx context.Context, messages <-chan *dbus.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			n, ok := notificationFromMessage(msg, m.now())
			if !ok {
				continue
			}
			m.publish(n)
		}
	}
}

// publish never blocks the bus reader; a full buffer drops the notification.
func (m *Monitor) publish(n domain.Notification) {
	select {
	case m.out <- n:
		m.logger.Debugw("Notification captured", "app", n.App, "id", n.ID)
	default:
		m.mu.Lock()
		m.dropped++
		dropped := m.dropped
		m.mu.Unlock()
		m.logger.Warnw("Notification dropped, consumer too slow", "app", n.App, "dropped_total", dropped)
	}
}

func (m *Monitor) Stop() error {
	m.mu.Lock()
	conn, cancel, done := m.conn, m.cancel, m.done
	m.conn, m.cancel, m.done = nil, nil, nil
	m.mu.Unlock()
	if conn == nil {
		return nil
	}

	cancel()
	<-done
	conn.Eavesdrop(nil)
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close monitor connection: %w", err)
	}
	m.logger.Infow("Notification monitor stopped")
	return nil
}

// notificationFromMessage decodes a Notify call:
// (app_name s, replaces_id u, app_icon s, summary s, body s, actions as,
// hints a{sv}, expire_timeout i).
func notificationFromMessage(msg *dbus.Message, now time.Time) (domain.Notification, bool) {
	if msg == nil || msg.Type != dbus.TypeMethodCall || len(msg.Body) < 5 {
		return domain.Notification{}, false
	}
	if iface, _ := msg.Headers[dbus.FieldInterface].Value().(string); iface != notifyInterface {
		return domain.Notification{}, false
	}
	if member, _ := msg.Headers[dbus.FieldMember].Value().(string); member != "Notify" {
		return domain.Notification{}, false
	}

	app, _ := msg.Body[0].(string)
	summary, _ := msg.Body[3].(string)
	body, _ := msg.Body[4].(string)

	var appID string
	if len(msg.Body) > 6 {
		if hints, ok := msg.Body[6].(map[string]dbus.Variant); ok {
			appID, _ = hints["desktop-entry"].Value().(string)
		}
	}

	texts := make([]string, 0, 2)
	for _, s := range []string{summary, body} {
		if s != "" {
			texts = append(texts, s)
		}
	}

	sender, _ := msg.Headers[dbus.FieldSender].Value().(string)
	return domain.Notification{
		ID:    fmt.Sprintf("%s/%d", sender, msg.Serial()),
		App:   app,
		AppID: appID,
		Time:  now.Format(domain.NotificationTimeLayout),
		Texts: texts,
	}, true
}
