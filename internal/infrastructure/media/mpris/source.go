// Package mpris reads the active media session from MPRIS players on the
// session bus.
package mpris

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
	"github.com/SukunDev/emo-chan-gui/internal/core/ports"
	"github.com/SukunDev/emo-chan-gui/pkg/logger"
)

const (
	busPrefix   = "org.mpris.MediaPlayer2."
	objectPath  = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	ifacePlayer = "org.mpris.MediaPlayer2.Player"
)

type player struct {
	busName string
	status  string
	meta    map[string]dbus.Variant
}

// Source implements ports.SnapshotSource. The session id of a snapshot is the
// player's bus name.
type Source struct {
	conn   *dbus.Conn
	logger *zap.SugaredLogger

	mu      sync.Mutex
	current string
}

var _ ports.SnapshotSource = (*Source)(nil)

func NewSource(log *zap.SugaredLogger) (*Source, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: session bus: %v", domain.ErrCollaboratorUnavailable, err)
	}
	return newSource(conn, log), nil
}

func newSource(conn *dbus.Conn, log *zap.SugaredLogger) *Source {
	if log == nil {
		log = logger.Nop()
	}
	return &Source{conn: conn, logger: log}
}

func (s *Source) Close() error {
	return s.conn.Close()
}

func (s *Source) Snapshot(ctx context.Context) (domain.MediaSnapshot, bool, error) {
	var names []string
	if err := s.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return domain.MediaSnapshot{}, false, fmt.Errorf("list bus names: %w", err)
	}

	players := make([]player, 0)
	for _, name := range names {
		if !strings.HasPrefix(name, busPrefix) {
			continue
		}
		p, err := s.readPlayer(ctx, name)
		if err != nil {
			// players come and go between ListNames and GetAll
			s.logger.Debugw("Skipping media player", "player", name, "error", err)
			continue
		}
		players = append(players, p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chosen, ok := selectPlayer(players, s.current)
	if !ok {
		s.current = ""
		return domain.MediaSnapshot{}, false, nil
	}
	s.current = chosen.busName
	return chosen.snapshot(), true, nil
}

func (s *Source) readPlayer(ctx context.Context, name string) (player, error) {
	var props map[string]dbus.Variant
	obj := s.conn.Object(name, objectPath)
	if err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.GetAll", 0, ifacePlayer).Store(&props); err != nil {
		return player{}, err
	}
	status, _ := props["PlaybackStatus"].Value().(string)
	meta, _ := props["Metadata"].Value().(map[string]dbus.Variant)
	return player{busName: name, status: status, meta: meta}, nil
}

// selectPlayer prefers a playing player, then the previously chosen one, then
// the first by bus name.
func selectPlayer(players []player, previous string) (player, bool) {
	if len(players) == 0 {
		return player{}, false
	}
	slices.SortFunc(players, func(a, b player) int { return strings.Compare(a.busName, b.busName) })

	if previous != "" {
		for _, p := range players {
			if p.busName == previous && p.status == "Playing" {
				return p, true
			}
		}
	}
	for _, p := range players {
		if p.status == "Playing" {
			return p, true
		}
	}
	for _, p := range players {
		if p.busName == previous {
			return p, true
		}
	}
	return players[0], true
}

func (p player) snapshot() domain.MediaSnapshot {
	title, _ := p.meta["xesam:title"].Value().(string)
	album, _ := p.meta["xesam:album"].Value().(string)

	var artist string
	switch v := p.meta["xesam:artist"].Value().(type) {
	case []string:
		artist = strings.Join(v, ", ")
	case string:
		artist = v
	}
	return domain.NewMediaSnapshot(title, artist, album, parseStatus(p.status), p.busName)
}

func parseStatus(s string) domain.MediaStatus {
	switch s {
	case "Playing":
		return domain.StatusPlaying
	case "Paused":
		return domain.StatusPaused
	case "Stopped":
		return domain.StatusStopped
	default:
		return domain.StatusUnknown
	}
}
