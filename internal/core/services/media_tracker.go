package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
	"github.com/SukunDev/emo-chan-gui/internal/core/ports"
	"github.com/SukunDev/emo-chan-gui/pkg/logger"

	"go.uber.org/zap"
)

// MediaEventHandler receives tracker events. A returned error or a panic is
// logged and does not affect other handlers or the polling loop.
type MediaEventHandler func(ctx context.Context, ev domain.MediaEvent) error

type TrackerOption func(*MediaSessionTracker)

func WithTrackerMetrics(m ports.MetricsRecorder) TrackerOption {
	return func(t *MediaSessionTracker) {
		if m != nil {
			t.metrics = m
		}
	}
}

// MediaSessionTracker polls a SnapshotSource and turns consecutive snapshots
// into semantic media events.
type MediaSessionTracker struct {
	source  ports.SnapshotSource
	logger  *zap.SugaredLogger
	metrics ports.MetricsRecorder

	handlersMu sync.RWMutex
	handlers   map[domain.MediaEventKind][]MediaEventHandler

	currentMu sync.RWMutex
	current   domain.MediaSnapshot

	// owned by the polling goroutine
	lastTriggered domain.MediaSnapshot
	firstTick     bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMediaSessionTracker(source ports.SnapshotSource, log *zap.SugaredLogger, opts ...TrackerOption) *MediaSessionTracker {
	if log == nil {
		log = logger.Nop()
	}
	t := &MediaSessionTracker{
		source:        source,
		logger:        log,
		metrics:       ports.NopMetrics{},
		handlers:      make(map[domain.MediaEventKind][]MediaEventHandler),
		current:       domain.UnknownSnapshot(),
		lastTriggered: domain.UnknownSnapshot(),
		firstTick:     true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// On registers h for kind. Safe to call while the tracker is running.
func (t *MediaSessionTracker) On(kind domain.MediaEventKind, h MediaEventHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[kind] = append(t.handlers[kind], h)
}

// Current returns the latest observed snapshot.
func (t *MediaSessionTracker) Current() domain.MediaSnapshot {
	t.currentMu.RLock()
	defer t.currentMu.RUnlock()
	return t.current
}

func (t *MediaSessionTracker) setCurrent(s domain.MediaSnapshot) {
	t.currentMu.Lock()
	t.current = s
	t.currentMu.Unlock()
}

// Start begins polling every interval until Stop is called or ctx ends.
func (t *MediaSessionTracker) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", interval)
	}

	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.cancel != nil {
		return errors.New("media tracker already running")
	}

	t.setCurrent(domain.UnknownSnapshot())
	t.lastTriggered = domain.UnknownSnapshot()
	t.firstTick = true

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(loopCtx, interval, t.done)

	t.logger.Infow("Media tracker started", "poll_interval", interval)
	return nil
}

// Stop cancels the polling loop and waits for it to exit.
func (t *MediaSessionTracker) Stop() {
	t.runMu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.logger.Infow("Media tracker stopped")
}

func (t *MediaSessionTracker) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t.poll(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll runs one tick. Events are dispatched after the current snapshot has
// been replaced, so the next tick always compares against this one.
func (t *MediaSessionTracker) poll(ctx context.Context) {
	snap, ok, err := t.source.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warnw("Media snapshot query failed", "error", err)
		}
		return
	}

	prev := t.Current()

	if !ok {
		var events []domain.MediaEvent
		if !prev.IsUnknown() && !t.firstTick {
			events = append(events, domain.MediaEvent{
				Kind:      domain.EventStop,
				Old:       prev,
				New:       prev,
				OldStatus: prev.Status,
				NewStatus: domain.StatusUnknown,
			})
		}
		t.setCurrent(domain.UnknownSnapshot())
		t.lastTriggered = domain.UnknownSnapshot()
		t.dispatch(ctx, events)
		return
	}

	if t.firstTick {
		t.setCurrent(snap)
		t.lastTriggered = snap
		t.firstTick = false
		t.logger.Debugw("Initial media snapshot", "title", snap.Title, "artist", snap.Artist, "status", snap.Status.String())
		return
	}

	events := make([]domain.MediaEvent, 0, 3)

	if !snap.SameSession(prev) {
		events = append(events, domain.MediaEvent{Kind: domain.EventSessionChanged, Old: prev, New: snap})
		t.lastTriggered = snap
	} else if !snap.SameMedia(t.lastTriggered) {
		events = append(events, domain.MediaEvent{Kind: domain.EventMediaChanged, Old: prev, New: snap})
		t.lastTriggered = snap
	}

	if snap.Status != prev.Status {
		events = append(events, domain.MediaEvent{
			Kind:      domain.EventStatusChanged,
			Old:       prev,
			New:       snap,
			OldStatus: prev.Status,
			NewStatus: snap.Status,
		})

		derived := domain.MediaEvent{Old: prev, New: snap, OldStatus: prev.Status, NewStatus: snap.Status}
		switch {
		case snap.Status == domain.StatusPlaying && prev.Status != domain.StatusPlaying:
			derived.Kind = domain.EventPlay
			events = append(events, derived)
		case snap.Status == domain.StatusPaused && prev.Status == domain.StatusPlaying:
			derived.Kind = domain.EventPause
			events = append(events, derived)
		case snap.Status == domain.StatusStopped && prev.Status != domain.StatusStopped:
			derived.Kind = domain.EventStop
			events = append(events, derived)
		}
	}

	t.setCurrent(snap)
	t.dispatch(ctx, events)
}

func (t *MediaSessionTracker) dispatch(ctx context.Context, events []domain.MediaEvent) {
	for _, ev := range events {
		t.metrics.RecordMediaEvent(ev.Kind)

		t.handlersMu.RLock()
		handlers := make([]MediaEventHandler, len(t.handlers[ev.Kind]))
		copy(handlers, t.handlers[ev.Kind])
		t.handlersMu.RUnlock()

		for _, h := range handlers {
			if err := t.invoke(ctx, h, ev); err != nil {
				t.metrics.RecordHandlerError(ev.Kind)
				t.logger.Errorw("Media event handler failed", "event", ev.Kind.String(), "error", err)
			}
		}
	}
}

func (t *MediaSessionTracker) invoke(ctx context.Context, h MediaEventHandler, ev domain.MediaEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrHandler, r)
		}
	}()
	if herr := h(ctx, ev); herr != nil {
		return fmt.Errorf("%w: %v", domain.ErrHandler, herr)
	}
	return nil
}
