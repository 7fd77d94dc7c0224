package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
	"github.com/SukunDev/emo-chan-gui/internal/core/ports"
	"github.com/SukunDev/emo-chan-gui/pkg/circuitbreaker"
	"github.com/SukunDev/emo-chan-gui/pkg/logger"
	"github.com/SukunDev/emo-chan-gui/pkg/tracing"

	"go.uber.org/zap"
)

const DefaultHeartbeatInterval = time.Second

var ErrHubClosed = errors.New("hub closed")

type HubOption func(*Hub)

func WithHeartbeatInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithMirror adds a sink that receives a copy of every broadcast.
func WithMirror(m ports.EventMirror) HubOption {
	return func(h *Hub) {
		if m != nil {
			h.mirrors = append(h.mirrors, m)
		}
	}
}

// WithWirelessBreaker replaces the default breaker guarding wireless writes.
func WithWirelessBreaker(cb *circuitbreaker.CircuitBreaker) HubOption {
	return func(h *Hub) {
		if cb != nil {
			h.breaker = cb
		}
	}
}

func WithHubMetrics(m ports.MetricsRecorder) HubOption {
	return func(h *Hub) {
		if m != nil {
			h.metrics = m
		}
	}
}

type clientEntry struct {
	sink   ports.ClientSink
	cancel context.CancelFunc
	done   chan struct{}
}

// pump feeds one slow sink from its own goroutine. The queue holds a single
// payload; anything offered while it is full is dropped.
type pump struct {
	name  string
	queue chan []byte
}

// Hub is the registry of connected clients. Every client gets a status
// heartbeat; broadcasts fan out concurrently to clients, the wireless peer
// and any mirrors. A failing sink never affects delivery to the others.
type Hub struct {
	link     ports.LinkStatusProvider
	wireless ports.WirelessSink
	breaker  *circuitbreaker.CircuitBreaker
	mirrors  []ports.EventMirror

	wirelessPump *pump
	mirrorPumps  []*pump
	stopPumps    context.CancelFunc
	pumps        sync.WaitGroup

	heartbeat time.Duration
	logger    *zap.SugaredLogger
	metrics   ports.MetricsRecorder

	mu            sync.RWMutex
	clients       map[string]*clientEntry
	announcements []domain.CombinedEvent
	closed        bool
}

var _ ports.Broadcaster = (*Hub)(nil)

// NewHub builds a hub. link and wireless may be nil when no peer is
// configured.
func NewHub(link ports.LinkStatusProvider, wireless ports.WirelessSink, log *zap.SugaredLogger, opts ...HubOption) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	cbCfg := circuitbreaker.DefaultConfig()
	cbCfg.Name = "wireless"
	h := &Hub{
		link:      link,
		wireless:  wireless,
		breaker:   circuitbreaker.New(cbCfg),
		heartbeat: DefaultHeartbeatInterval,
		logger:    log,
		metrics:   ports.NopMetrics{},
		clients:   make(map[string]*clientEntry),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
		h.logger.Warnw("Wireless sink breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
	})

	pumpCtx, cancel := context.WithCancel(context.Background())
	h.stopPumps = cancel
	if wireless != nil {
		h.wirelessPump = h.startPump(pumpCtx, "wireless", h.writeWireless)
	}
	for _, m := range h.mirrors {
		h.mirrorPumps = append(h.mirrorPumps, h.startPump(pumpCtx, m.Name(), func(ctx context.Context, data []byte) {
			h.publishMirror(ctx, m, data)
		}))
	}
	return h
}

func (h *Hub) startPump(ctx context.Context, name string, write func(context.Context, []byte)) *pump {
	p := &pump{name: name, queue: make(chan []byte, 1)}
	h.pumps.Add(1)
	go func() {
		defer h.pumps.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-p.queue:
				write(ctx, data)
			}
		}
	}()
	return p
}

// offer never blocks. A sink still busy with the previous payload misses
// this one.
func (h *Hub) offer(p *pump, data []byte) {
	select {
	case p.queue <- data:
	default:
		h.metrics.RecordSendError(p.name)
		h.logger.Debugw("Sink busy, dropping broadcast", "sink", p.name)
	}
}

// AddClient registers c, replays stored announcements to it and starts its
// heartbeat.
func (h *Hub) AddClient(c ports.ClientSink) error {
	ctx, cancel := context.WithCancel(context.Background())
	entry := &clientEntry{sink: c, cancel: cancel, done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return ErrHubClosed
	}
	if _, exists := h.clients[c.ID()]; exists {
		h.mu.Unlock()
		cancel()
		return fmt.Errorf("client %s already registered", c.ID())
	}
	h.clients[c.ID()] = entry
	replay := append([]domain.CombinedEvent(nil), h.announcements...)
	total := len(h.clients)
	h.mu.Unlock()

	h.metrics.RecordClientConnected()
	h.logger.Infow("Client registered", "client_id", c.ID(), "clients", total)

	for _, ev := range replay {
		if data, err := ev.Encode(); err == nil {
			h.deliver(ctx, c, data)
		}
	}

	go h.runHeartbeat(ctx, entry)
	return nil
}

// RemoveClient unregisters id and returns once its heartbeat has stopped.
// The sink itself is left open; its owner closes it.
func (h *Hub) RemoveClient(id string) {
	h.mu.Lock()
	entry, ok := h.clients[id]
	delete(h.clients, id)
	total := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	entry.cancel()
	<-entry.done

	h.metrics.RecordClientDisconnected()
	h.logger.Infow("Client removed", "client_id", id, "clients", total)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) runHeartbeat(ctx context.Context, entry *clientEntry) {
	defer close(entry.done)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(domain.NewStatusMessage(h.linkStatus()))
			if err != nil {
				h.logger.Errorw("Failed to encode heartbeat", "error", err)
				continue
			}
			h.deliver(ctx, entry.sink, data)
		}
	}
}

func (h *Hub) linkStatus() domain.LinkStatus {
	if h.link == nil {
		return domain.DisconnectedStatus()
	}
	return h.link.Status()
}

// Send delivers payload to one client. A failed write is logged and counted;
// the client stays registered until its transport reports a disconnect.
func (h *Hub) Send(ctx context.Context, id string, payload any) error {
	h.mu.RLock()
	entry, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrClientNotFound, id)
	}

	data, err := encode(payload)
	if err != nil {
		return err
	}
	if err := entry.sink.WriteMessage(ctx, data); err != nil {
		h.metrics.RecordSendError("client")
		h.logger.Warnw("Send to client failed", "client_id", id, "error", err)
		return fmt.Errorf("%w: %v", domain.ErrTransportSend, err)
	}
	return nil
}

func (h *Hub) deliver(ctx context.Context, c ports.ClientSink, data []byte) {
	if err := c.WriteMessage(ctx, data); err != nil && ctx.Err() == nil {
		h.metrics.RecordSendError("client")
		h.logger.Warnw("Send to client failed", "client_id", c.ID(), "error", err)
	}
}

// Broadcast marshals payload once and writes it to every client
// concurrently, returning when those writes finish. The wireless peer and
// mirrors are fed through their pumps and never hold up the caller.
func (h *Hub) Broadcast(ctx context.Context, payload any) {
	h.mu.RLock()
	sinks := h.snapshotLocked()
	h.mu.RUnlock()

	h.broadcastTo(ctx, payload, sinks)
}

func (h *Hub) snapshotLocked() []ports.ClientSink {
	sinks := make([]ports.ClientSink, 0, len(h.clients))
	for _, e := range h.clients {
		sinks = append(sinks, e.sink)
	}
	return sinks
}

func (h *Hub) broadcastTo(ctx context.Context, payload any, sinks []ports.ClientSink) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Errorw("Dropping unencodable broadcast", "error", err)
		return
	}

	kind := payloadKind(payload)
	ctx, span := tracing.TraceBroadcast(ctx, kind, len(sinks))
	defer span.End()
	start := time.Now()

	if h.wirelessPump != nil && wirelessEligible(payload) && h.wireless.CanWrite() {
		h.offer(h.wirelessPump, data)
	}
	for _, p := range h.mirrorPumps {
		h.offer(p, data)
	}

	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(s ports.ClientSink) {
			defer wg.Done()
			h.deliver(ctx, s, data)
		}(s)
	}
	wg.Wait()
	h.metrics.RecordBroadcast(kind, time.Since(start))
}

func (h *Hub) publishMirror(ctx context.Context, m ports.EventMirror, data []byte) {
	if err := m.Publish(ctx, data); err != nil && ctx.Err() == nil {
		h.metrics.RecordSendError(m.Name())
		h.logger.Warnw("Mirror publish failed", "mirror", m.Name(), "error", err)
	}
}

func (h *Hub) writeWireless(ctx context.Context, data []byte) {
	err := h.breaker.Execute(ctx, func(ctx context.Context) error {
		ok, err := h.wireless.Write(ctx, data)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrTransportSend
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, circuitbreaker.ErrOpen):
		h.logger.Debugw("Wireless sink skipped, breaker open")
	case ctx.Err() != nil:
	default:
		h.metrics.RecordSendError("wireless")
		h.logger.Warnw("Wireless write failed", "error", err)
	}
}

// Announce broadcasts a System event and keeps it for clients that join
// later. Those get it by replay only: the broadcast goes to the clients
// registered at the moment the event was stored.
func (h *Hub) Announce(ctx context.Context, event domain.CombinedEvent) {
	h.mu.Lock()
	h.announcements = append(h.announcements, event)
	sinks := h.snapshotLocked()
	h.mu.Unlock()

	h.logger.Infow("Announcing system event", "kind", event.SystemKind, "message", event.Message)
	h.broadcastTo(ctx, event, sinks)
}

// Close removes every client, stops their heartbeats and closes their sinks,
// then stops the wireless and mirror pumps. Later AddClient calls fail with
// ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	entries := h.clients
	h.clients = make(map[string]*clientEntry)
	h.mu.Unlock()

	for id, e := range entries {
		e.cancel()
		<-e.done
		if err := e.sink.Close(); err != nil {
			h.logger.Debugw("Client close failed", "client_id", id, "error", err)
		}
		h.metrics.RecordClientDisconnected()
	}
	h.stopPumps()
	h.pumps.Wait()
	h.logger.Infow("Hub closed", "clients_closed", len(entries))
}

func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case domain.CombinedEvent:
		return p.Encode()
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}

// wirelessEligible keeps link housekeeping messages off the peer itself.
func wirelessEligible(payload any) bool {
	ev, ok := payload.(domain.CombinedEvent)
	return ok && ev.Kind != domain.KindSystem
}

func payloadKind(payload any) string {
	switch p := payload.(type) {
	case domain.CombinedEvent:
		return string(p.Kind)
	case domain.StatusMessage:
		return "status"
	case domain.PeerNotifyMessage:
		return "peer_notify"
	default:
		return "other"
	}
}
