package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
	"github.com/SukunDev/emo-chan-gui/internal/core/ports"
	"github.com/SukunDev/emo-chan-gui/pkg/logger"

	"go.uber.org/zap"
)

// System event kinds announced to clients.
const (
	SystemMediaUnavailable         = "media_unavailable"
	SystemAudioUnavailable         = "audio_unavailable"
	SystemNotificationsUnavailable = "notifications_unavailable"
)

type OrchestratorConfig struct {
	PollInterval time.Duration
	TickInterval time.Duration
	Thresholds   Thresholds
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		PollInterval: 200 * time.Millisecond,
		TickInterval: 100 * time.Millisecond,
		Thresholds:   DefaultThresholds(),
	}
}

// OrchestratorDeps lists the components the orchestrator drives. Tracker,
// Audio, Notifications and Link may be nil when the platform lacks them; a
// nil Tracker is announced as unavailable media.
type OrchestratorDeps struct {
	Tracker       *MediaSessionTracker
	Audio         ports.AudioSource
	Notifications ports.NotificationSource
	Hub           ports.Broadcaster
	Link          ports.ManagedLink
	Logger        *zap.SugaredLogger
	Metrics       ports.MetricsRecorder
}

// Orchestrator owns the runtime: it starts the sources, runs the change
// filter on a fixed tick and pushes significant updates to the hub.
type Orchestrator struct {
	cfg     OrchestratorConfig
	deps    OrchestratorDeps
	filter  *ChangeFilter
	logger  *zap.SugaredLogger
	metrics ports.MetricsRecorder

	audioActive atomic.Bool
	notesActive atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewOrchestrator(cfg OrchestratorConfig, deps OrchestratorDeps) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	var metrics ports.MetricsRecorder = ports.NopMetrics{}
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		filter:  NewChangeFilter(cfg.Thresholds),
		logger:  log,
		metrics: metrics,
	}
}

func (o *Orchestrator) Start(ctx context.Context) error {
	if o.deps.Hub == nil {
		return errors.New("orchestrator requires a hub")
	}
	if o.cfg.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", o.cfg.TickInterval)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.New("orchestrator already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.filter.Reset()

	o.wireLink(runCtx)
	o.startMedia(runCtx)
	o.startAudio(runCtx)
	o.startNotifications(runCtx)

	o.wg.Add(1)
	go o.tickLoop(runCtx)

	o.logger.Infow("Orchestrator started",
		"tick_interval", o.cfg.TickInterval,
		"media", o.deps.Tracker != nil,
		"audio", o.audioActive.Load(),
		"notifications", o.notesActive.Load(),
	)
	return nil
}

func (o *Orchestrator) wireLink(ctx context.Context) {
	link := o.deps.Link
	if link == nil {
		return
	}
	hub := o.deps.Hub
	link.SetDisconnectCallback(func(status domain.LinkStatus) {
		o.logger.Infow("Link status changed", "connected", status.Connected, "name", status.Name)
		hub.Broadcast(ctx, domain.NewStatusMessage(status))
	})
	link.SetNotifyHandler(func(data []byte) {
		o.logger.Debugw("Peer notification", "bytes", len(data))
		hub.Broadcast(ctx, domain.NewPeerNotifyMessage(data))
	})
}

func (o *Orchestrator) startMedia(ctx context.Context) {
	tracker := o.deps.Tracker
	if tracker == nil {
		o.announceUnavailable(ctx, SystemMediaUnavailable, errors.New("no media session source"))
		return
	}

	for _, kind := range []domain.MediaEventKind{
		domain.EventSessionChanged, domain.EventMediaChanged, domain.EventStatusChanged,
		domain.EventPlay, domain.EventPause, domain.EventStop,
	} {
		tracker.On(kind, o.logMediaEvent)
	}

	if err := tracker.Start(ctx, o.cfg.PollInterval); err != nil {
		o.announceUnavailable(ctx, SystemMediaUnavailable, err)
	}
}

func (o *Orchestrator) startAudio(ctx context.Context) {
	if o.deps.Audio == nil {
		return
	}
	if err := o.deps.Audio.Start(ctx); err != nil {
		o.announceUnavailable(ctx, SystemAudioUnavailable, err)
		return
	}
	o.audioActive.Store(true)
}

// AudioActive reports whether audio capture started successfully.
func (o *Orchestrator) AudioActive() bool {
	return o.audioActive.Load()
}

func (o *Orchestrator) startNotifications(ctx context.Context) {
	src := o.deps.Notifications
	if src == nil {
		return
	}
	if err := src.Start(ctx); err != nil {
		o.announceUnavailable(ctx, SystemNotificationsUnavailable, err)
		return
	}
	o.notesActive.Store(true)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-src.Notifications():
				if !ok {
					return
				}
				o.logger.Debugw("Notification received", "app", n.App)
				o.deps.Hub.Broadcast(ctx, domain.NewNotificationEvent(n))
			}
		}
	}()
}

func (o *Orchestrator) announceUnavailable(ctx context.Context, kind string, err error) {
	if !errors.Is(err, domain.ErrCollaboratorUnavailable) {
		err = fmt.Errorf("%w: %v", domain.ErrCollaboratorUnavailable, err)
	}
	o.logger.Warnw("Collaborator unavailable, feature disabled", "kind", kind, "error", err)
	o.deps.Hub.Announce(ctx, domain.NewSystemEvent(kind, err.Error()))
}

func (o *Orchestrator) logMediaEvent(ctx context.Context, ev domain.MediaEvent) error {
	switch ev.Kind {
	case domain.EventStatusChanged:
		o.logger.Infow("Media status changed", "from", ev.OldStatus.String(), "to", ev.NewStatus.String())
	default:
		o.logger.Infow("Media event", "event", ev.Kind.String(), "title", ev.New.Title, "artist", ev.New.Artist)
	}
	return nil
}

func (o *Orchestrator) tickLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	media := domain.UnknownSnapshot()
	if o.deps.Tracker != nil {
		media = o.deps.Tracker.Current()
	}
	audio := domain.SilentAudio()
	if o.audioActive.Load() {
		audio = o.deps.Audio.Latest()
	}

	send := o.filter.ShouldSend(media, audio)
	o.metrics.RecordFilterDecision(send)
	if !send {
		return
	}
	o.deps.Hub.Broadcast(ctx, domain.NewMediaEvent(media, audio))
}

// Stop tears components down in dependency order: link, then media tracker
// and the other sources, then the hub. The caller closes the listening
// socket afterwards.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	var errs []error

	if o.deps.Link != nil {
		if err := o.deps.Link.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close link: %w", err))
		}
	}

	if o.deps.Tracker != nil {
		o.deps.Tracker.Stop()
	}
	cancel()
	o.wg.Wait()

	if o.audioActive.Swap(false) {
		if err := o.deps.Audio.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop audio: %w", err))
		}
	}
	if o.notesActive.Swap(false) {
		if err := o.deps.Notifications.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop notifications: %w", err))
		}
	}

	o.deps.Hub.Close()

	o.logger.Infow("Orchestrator stopped")
	return errors.Join(errs...)
}
