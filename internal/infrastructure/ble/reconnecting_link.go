// Package ble manages the lifecycle of the wireless peer connection.
//
// Every call into the transport runs on a single worker goroutine. Public
// methods marshal a request onto the worker and wait for its reply, so the
// transport never sees concurrent calls. Unexpected drops move the link to
// Reconnecting and start a fixed-delay retry loop that a manual disconnect
// cancels.
package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
	"github.com/SukunDev/emo-chan-gui/internal/core/ports"
	"github.com/SukunDev/emo-chan-gui/pkg/logger"
	"github.com/SukunDev/emo-chan-gui/pkg/retry"
	"github.com/SukunDev/emo-chan-gui/pkg/tracing"

	"go.uber.org/zap"
)

const (
	DefaultReconnectDelay = 2 * time.Second
	DefaultScanTimeout    = 5 * time.Second
	DefaultConnectTimeout = 15 * time.Second
)

var errReconnectAborted = errors.New("reconnect aborted")

type LinkOption func(*ReconnectingLink)

func WithReconnectDelay(d time.Duration) LinkOption {
	return func(l *ReconnectingLink) { l.reconnectDelay = d }
}

func WithScanTimeout(d time.Duration) LinkOption {
	return func(l *ReconnectingLink) { l.scanTimeout = d }
}

func WithConnectTimeout(d time.Duration) LinkOption {
	return func(l *ReconnectingLink) { l.connectTimeout = d }
}

func WithMetrics(m ports.MetricsRecorder) LinkOption {
	return func(l *ReconnectingLink) {
		if m != nil {
			l.metrics = m
		}
	}
}

type ReconnectingLink struct {
	transport ports.LinkTransport
	logger    *zap.SugaredLogger
	metrics   ports.MetricsRecorder

	reconnectDelay time.Duration
	scanTimeout    time.Duration
	connectTimeout time.Duration

	requests   chan func()
	quit       chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once

	// guarded by mu; written only from the worker
	mu            sync.RWMutex
	state         domain.LinkState
	identity      domain.LinkIdentity
	autoReconnect bool
	generation    uint64
	names         map[string]string

	// worker owned
	session ports.LinkSession

	cbMu         sync.RWMutex
	onDisconnect func(domain.LinkStatus)
	onNotify     func([]byte)

	reconnectMu     sync.Mutex
	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}
}

// NewReconnectingLink starts the worker goroutine. Close stops it.
func NewReconnectingLink(transport ports.LinkTransport, log *zap.SugaredLogger, opts ...LinkOption) *ReconnectingLink {
	if log == nil {
		log = logger.Nop()
	}
	l := &ReconnectingLink{
		transport:      transport,
		logger:         log,
		metrics:        ports.NopMetrics{},
		reconnectDelay: DefaultReconnectDelay,
		scanTimeout:    DefaultScanTimeout,
		connectTimeout: DefaultConnectTimeout,
		requests:       make(chan func()),
		quit:           make(chan struct{}),
		workerDone:     make(chan struct{}),
		state:          domain.LinkIdle,
		names:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.worker()
	return l
}

func (l *ReconnectingLink) worker() {
	defer close(l.workerDone)
	for {
		select {
		case <-l.quit:
			return
		case req := <-l.requests:
			req()
		}
	}
}

type result[T any] struct {
	val T
	err error
}

// call runs fn on the worker and waits for its result or ctx.
func call[T any](ctx context.Context, l *ReconnectingLink, fn func() (T, error)) (T, error) {
	var zero T
	reply := make(chan result[T], 1)
	req := func() {
		v, err := fn()
		reply <- result[T]{val: v, err: err}
	}

	select {
	case l.requests <- req:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-l.quit:
		return zero, domain.ErrLinkClosed
	}

	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// SetDisconnectCallback registers fn, called with the new status after an
// unexpected drop and after a successful automatic reconnect. fn runs on a
// link-owned goroutine.
func (l *ReconnectingLink) SetDisconnectCallback(fn func(domain.LinkStatus)) {
	l.cbMu.Lock()
	l.onDisconnect = fn
	l.cbMu.Unlock()
}

func (l *ReconnectingLink) SetNotifyHandler(fn func([]byte)) {
	l.cbMu.Lock()
	l.onNotify = fn
	l.cbMu.Unlock()
}

func (l *ReconnectingLink) State() domain.LinkState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *ReconnectingLink) Identity() domain.LinkIdentity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.identity
}

// Status reports the client-facing view. Name and address survive a
// Reconnecting phase so clients can see which peer is being retried.
func (l *ReconnectingLink) Status() domain.LinkStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()

	status := domain.DisconnectedStatus()
	status.Connected = l.state == domain.LinkConnected
	if l.identity.DisplayName != "" {
		status.Name = l.identity.DisplayName
	}
	if l.identity.Address != "" {
		addr := l.identity.Address
		status.Address = &addr
	}
	return status
}

// CanWrite reports whether Write has a chance to succeed right now.
func (l *ReconnectingLink) CanWrite() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == domain.LinkConnected && l.identity.WriteCharacteristic != ""
}

func (l *ReconnectingLink) setState(s domain.LinkState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.metrics.RecordLinkState(s)
}

// Scan lists nearby peers. timeout <= 0 uses the configured default. An
// empty result is not an error.
func (l *ReconnectingLink) Scan(ctx context.Context, timeout time.Duration) ([]domain.PeerDescriptor, error) {
	if timeout <= 0 {
		timeout = l.scanTimeout
	}
	ctx, span := tracing.TraceLinkOperation(ctx, "scan", "")
	defer span.End()

	peers, err := call(ctx, l, func() ([]domain.PeerDescriptor, error) {
		return l.doScan(ctx, timeout)
	})
	tracing.RecordError(ctx, err)
	return peers, err
}

func (l *ReconnectingLink) doScan(ctx context.Context, timeout time.Duration) ([]domain.PeerDescriptor, error) {
	idle := l.State() == domain.LinkIdle
	if idle {
		l.setState(domain.LinkScanning)
		defer l.setState(domain.LinkIdle)
	}

	l.logger.Infow("Scanning for peers", "timeout", timeout)
	found, err := l.transport.Scan(ctx, timeout)
	if err != nil {
		l.logger.Errorw("Scan failed", "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrScan, err)
	}

	peers := make([]domain.PeerDescriptor, 0, len(found))
	l.mu.Lock()
	l.names = make(map[string]string, len(found))
	for _, p := range found {
		if p.Name == "" {
			p.Name = domain.UnknownText
		}
		l.names[p.Address] = p.Name
		peers = append(peers, p)
	}
	l.mu.Unlock()

	if len(peers) == 0 {
		l.logger.Warnw("No peers found")
	}
	return peers, nil
}

// Connect opens a link to address. An existing link, or a pending
// reconnect, is torn down cleanly first. Returns false with an error
// wrapping domain.ErrConnect when the peer cannot be reached; the link is
// then Idle and no retry is scheduled.
func (l *ReconnectingLink) Connect(ctx context.Context, address string) (bool, error) {
	ctx, span := tracing.TraceLinkOperation(ctx, "connect", address)
	defer span.End()

	l.stopReconnect()

	ok, err := call(ctx, l, func() (bool, error) {
		if l.session != nil || l.State() == domain.LinkReconnecting {
			l.teardown(ctx, true)
		}
		if err := l.openSession(ctx, address); err != nil {
			l.mu.Lock()
			l.identity = domain.LinkIdentity{}
			l.autoReconnect = false
			l.mu.Unlock()
			l.setState(domain.LinkIdle)
			return false, err
		}
		return true, nil
	})
	if err != nil {
		l.logger.Errorw("Connect failed", "address", address, "error", err)
		tracing.RecordError(ctx, err)
		return false, err
	}

	l.subscribeNotify(ctx)
	return ok, nil
}

// openSession runs on the worker. On success the link is Connected with a
// fresh generation and discovered characteristics.
func (l *ReconnectingLink) openSession(ctx context.Context, address string) error {
	l.mu.Lock()
	l.generation++
	gen := l.generation
	name, known := l.names[address]
	if !known {
		name = domain.UnknownText
	}
	if l.identity.Address == address && l.identity.DisplayName != "" {
		name = l.identity.DisplayName
	}
	l.identity = domain.LinkIdentity{Address: address, DisplayName: name}
	l.mu.Unlock()
	l.setState(domain.LinkConnecting)

	connectCtx, cancel := context.WithTimeout(ctx, l.connectTimeout)
	defer cancel()

	sess, err := l.transport.Connect(connectCtx, address, func() { l.handleDrop(gen) })
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrConnect, address, err)
	}
	if !sess.IsConnected() {
		_ = sess.Disconnect(ctx)
		return fmt.Errorf("%w: %s: session not connected", domain.ErrConnect, address)
	}

	writeChar, notifyChar := l.discover(ctx, sess)

	l.session = sess
	l.mu.Lock()
	l.identity.WriteCharacteristic = writeChar
	l.identity.NotifyCharacteristic = notifyChar
	l.autoReconnect = true
	l.mu.Unlock()
	l.setState(domain.LinkConnected)

	l.logger.Infow("Connected to peer",
		"name", name,
		"address", address,
		"write_characteristic", writeChar,
		"notify_characteristic", notifyChar,
	)
	return nil
}

// discover picks the first write-capable and the first notify-capable
// characteristic. Missing ones are logged, not fatal.
func (l *ReconnectingLink) discover(ctx context.Context, sess ports.LinkSession) (write, notify string) {
	chars, err := sess.Characteristics(ctx)
	if err != nil {
		l.logger.Warnw("Characteristic discovery failed", "error", err)
		return "", ""
	}
	for _, c := range chars {
		if write == "" && c.CanWrite() {
			write = c.ID
		}
		if notify == "" && c.CanNotify() {
			notify = c.ID
		}
	}
	if write == "" {
		l.logger.Warnw("No write characteristic", "error", domain.ErrNoCharacteristic)
	}
	if notify == "" {
		l.logger.Warnw("No notify characteristic", "error", domain.ErrNoCharacteristic)
	}
	return write, notify
}

func (l *ReconnectingLink) subscribeNotify(ctx context.Context) {
	l.cbMu.RLock()
	handler := l.onNotify
	l.cbMu.RUnlock()
	if handler == nil {
		return
	}

	_, err := call(ctx, l, func() (struct{}, error) {
		charID := l.Identity().NotifyCharacteristic
		if l.session == nil {
			return struct{}{}, domain.ErrNotConnected
		}
		if charID == "" {
			return struct{}{}, domain.ErrNoCharacteristic
		}
		return struct{}{}, l.session.StartNotify(ctx, charID, handler)
	})
	if err != nil {
		l.logger.Warnw("Notify subscription failed", "error", err)
	}
}

// Write sends payload without waiting for an acknowledgement.
func (l *ReconnectingLink) Write(ctx context.Context, payload []byte) (bool, error) {
	return call(ctx, l, func() (bool, error) {
		l.mu.RLock()
		state, charID := l.state, l.identity.WriteCharacteristic
		l.mu.RUnlock()

		if state != domain.LinkConnected || l.session == nil {
			return false, domain.ErrNotConnected
		}
		if charID == "" {
			return false, domain.ErrNoCharacteristic
		}
		if err := l.session.WriteWithoutResponse(ctx, charID, payload); err != nil {
			return false, fmt.Errorf("%w: %v", domain.ErrTransportSend, err)
		}
		return true, nil
	})
}

// Disconnect tears the link down. clean=true clears the identity and
// cancels any reconnect; clean=false keeps the address and lets the retry
// loop bring the link back.
func (l *ReconnectingLink) Disconnect(ctx context.Context, clean bool) error {
	ctx, span := tracing.TraceLinkOperation(ctx, "disconnect", l.Identity().Address)
	defer span.End()

	if clean {
		l.mu.Lock()
		l.autoReconnect = false
		l.mu.Unlock()
		l.stopReconnect()
	}

	resume, err := call(ctx, l, func() (bool, error) {
		l.teardown(ctx, clean)
		if clean {
			return false, nil
		}
		return l.enterReconnecting(), nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	if resume {
		l.startReconnect()
	}
	return nil
}

// teardown runs on the worker. It bumps the generation so drop
// notifications from the old session are ignored. A non-clean teardown
// leaves the state for enterReconnecting to decide.
func (l *ReconnectingLink) teardown(ctx context.Context, clean bool) {
	if sess := l.session; sess != nil {
		l.setState(domain.LinkDisconnecting)
		if charID := l.Identity().NotifyCharacteristic; charID != "" {
			if err := sess.StopNotify(ctx, charID); err != nil {
				l.logger.Debugw("Stop notify failed", "error", err)
			}
		}
		if err := sess.Disconnect(ctx); err != nil {
			l.logger.Warnw("Transport disconnect failed", "error", err)
		}
		l.session = nil
	}

	l.mu.Lock()
	l.generation++
	if clean {
		l.identity = domain.LinkIdentity{}
		l.autoReconnect = false
	} else {
		l.identity.WriteCharacteristic = ""
		l.identity.NotifyCharacteristic = ""
	}
	l.mu.Unlock()

	if clean {
		l.setState(domain.LinkIdle)
		l.logger.Infow("Link disconnected")
	}
}

// enterReconnecting runs on the worker after a non-clean teardown.
func (l *ReconnectingLink) enterReconnecting() bool {
	l.mu.RLock()
	resume := l.autoReconnect && l.identity.Address != ""
	l.mu.RUnlock()
	if resume {
		l.setState(domain.LinkReconnecting)
	} else {
		l.setState(domain.LinkIdle)
	}
	return resume
}

// handleDrop is the transport's disconnect notification for session gen.
func (l *ReconnectingLink) handleDrop(gen uint64) {
	go func() {
		resume, err := call(context.Background(), l, func() (bool, error) {
			l.mu.RLock()
			stale := gen != l.generation || l.state != domain.LinkConnected
			l.mu.RUnlock()
			if stale {
				return false, errReconnectAborted
			}
			l.logger.Warnw("Peer disconnected unexpectedly", "address", l.Identity().Address)
			l.teardown(context.Background(), false)
			return l.enterReconnecting(), nil
		})
		if err != nil {
			return
		}

		l.fireStatus()
		if resume {
			l.startReconnect()
		}
	}()
}

func (l *ReconnectingLink) fireStatus() {
	l.cbMu.RLock()
	fn := l.onDisconnect
	l.cbMu.RUnlock()
	if fn != nil {
		fn(l.Status())
	}
}

func (l *ReconnectingLink) startReconnect() {
	l.reconnectMu.Lock()
	defer l.reconnectMu.Unlock()
	if l.reconnectCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.reconnectCancel, l.reconnectDone = cancel, done
	go l.reconnectLoop(ctx, done)
}

// stopReconnect cancels the retry loop and waits for it to exit. Must not
// be called from the worker.
func (l *ReconnectingLink) stopReconnect() {
	l.reconnectMu.Lock()
	cancel, done := l.reconnectCancel, l.reconnectDone
	l.reconnectCancel, l.reconnectDone = nil, nil
	l.reconnectMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *ReconnectingLink) reconnectLoop(ctx context.Context, done chan struct{}) {
	defer func() {
		l.reconnectMu.Lock()
		if l.reconnectDone == done {
			l.reconnectCancel()
			l.reconnectCancel, l.reconnectDone = nil, nil
		}
		l.reconnectMu.Unlock()
		close(done)
	}()

	address := l.Identity().Address
	cfg := retry.Fixed(l.reconnectDelay)
	cfg.NonRetryableErrors = []error{errReconnectAborted}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		l.metrics.RecordReconnectAttempt()
		l.logger.Infow("Reconnect attempt failed", "address", address, "attempt", attempt, "next_in", delay, "error", err)
	}

	// first attempt also waits the fixed delay
	timer := time.NewTimer(l.reconnectDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	err := retry.Retry(ctx, cfg, func() error {
		_, err := call(ctx, l, func() (struct{}, error) {
			return struct{}{}, l.reconnectOnce(ctx, address)
		})
		return err
	})
	if err != nil {
		l.logger.Debugw("Reconnect loop ended", "address", address, "error", err)
		return
	}

	l.logger.Infow("Reconnected to peer", "address", address)
	l.subscribeNotify(ctx)
	l.fireStatus()
}

// reconnectOnce runs on the worker.
func (l *ReconnectingLink) reconnectOnce(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return errReconnectAborted
	}
	l.mu.RLock()
	stillWanted := l.state == domain.LinkReconnecting && l.autoReconnect && l.identity.Address == address
	l.mu.RUnlock()
	if !stillWanted {
		return errReconnectAborted
	}

	if err := l.openSession(ctx, address); err != nil {
		l.setState(domain.LinkReconnecting)
		return err
	}
	return nil
}

// Close performs a clean disconnect and stops the worker.
func (l *ReconnectingLink) Close(ctx context.Context) error {
	var err error
	l.closeOnce.Do(func() {
		err = l.Disconnect(ctx, true)
		if errors.Is(err, domain.ErrLinkClosed) {
			err = nil
		}
		close(l.quit)
		<-l.workerDone
	})
	return err
}
