// Package bluez implements the link transport on top of the BlueZ D-Bus API.
package bluez

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
	"github.com/SukunDev/emo-chan-gui/internal/core/ports"
)

const (
	busName = "org.bluez"

	ifaceAdapter        = "org.bluez.Adapter1"
	ifaceDevice         = "org.bluez.Device1"
	ifaceCharacteristic = "org.bluez.GattCharacteristic1"
	ifaceProperties     = "org.freedesktop.DBus.Properties"
	ifaceObjectManager  = "org.freedesktop.DBus.ObjectManager"

	signalPropertiesChanged = ifaceProperties + ".PropertiesChanged"

	resolvePollInterval = 100 * time.Millisecond
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Transport talks to one local adapter over a private system bus connection.
type Transport struct {
	conn        *dbus.Conn
	adapter     string
	adapterPath dbus.ObjectPath
	logger      *zap.SugaredLogger
}

var _ ports.LinkTransport = (*Transport)(nil)

// NewTransport opens a private system bus connection. adapter is the HCI
// name, e.g. "hci0".
func NewTransport(adapter string, logger *zap.SugaredLogger) (*Transport, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}
	return &Transport{
		conn:        conn,
		adapter:     adapter,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		logger:      logger,
	}, nil
}

func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) Scan(ctx context.Context, timeout time.Duration) ([]domain.PeerDescriptor, error) {
	adapter := t.conn.Object(busName, t.adapterPath)

	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("le")}
	if err := adapter.CallWithContext(ctx, ifaceAdapter+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		t.logger.Debugw("Discovery filter rejected", "adapter", t.adapter, "error", err)
	}
	if err := adapter.CallWithContext(ctx, ifaceAdapter+".StartDiscovery", 0).Err; err != nil {
		return nil, fmt.Errorf("start discovery on %s: %w", t.adapter, err)
	}

	timer := time.NewTimer(timeout)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()

	// discovery must stop even when ctx is gone
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := adapter.CallWithContext(stopCtx, ifaceAdapter+".StopDiscovery", 0).Err; err != nil {
		t.logger.Warnw("Stop discovery failed", "adapter", t.adapter, "error", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	objects, err := t.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	return peersFromObjects(objects, t.adapterPath), nil
}

func (t *Transport) managedObjects(ctx context.Context) (managedObjects, error) {
	var objects managedObjects
	root := t.conn.Object(busName, "/")
	if err := root.CallWithContext(ctx, ifaceObjectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objects, nil
}

func (t *Transport) Connect(ctx context.Context, address string, onDisconnect func()) (ports.LinkSession, error) {
	path := devicePath(t.adapterPath, address)
	s := &session{
		t:            t,
		path:         path,
		device:       t.conn.Object(busName, path),
		onDisconnect: onDisconnect,
		notify:       make(map[dbus.ObjectPath]func([]byte)),
		signals:      make(chan *dbus.Signal, 32),
		done:         make(chan struct{}),
	}

	if err := s.device.CallWithContext(ctx, ifaceDevice+".Connect", 0).Err; err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	if err := s.waitResolved(ctx); err != nil {
		_ = s.device.Call(ifaceDevice+".Disconnect", 0).Err
		return nil, err
	}

	if err := t.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(ifaceProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		_ = s.device.Call(ifaceDevice+".Disconnect", 0).Err
		return nil, fmt.Errorf("watch %s: %w", address, err)
	}
	s.connected.Store(true)
	t.conn.Signal(s.signals)
	go s.watch()

	return s, nil
}

// devicePath maps AA:BB:CC:DD:EE:FF to <adapter>/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", adapter, strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
}

func peersFromObjects(objects managedObjects, adapter dbus.ObjectPath) []domain.PeerDescriptor {
	peers := make([]domain.PeerDescriptor, 0)
	for _, ifaces := range objects {
		props, ok := ifaces[ifaceDevice]
		if !ok {
			continue
		}
		if a, ok := props["Adapter"].Value().(dbus.ObjectPath); !ok || a != adapter {
			continue
		}
		addr, _ := props["Address"].Value().(string)
		if addr == "" {
			continue
		}
		name, _ := props["Name"].Value().(string)
		if name == "" {
			name, _ = props["Alias"].Value().(string)
			// BlueZ aliases unnamed devices to their address
			if strings.ReplaceAll(name, "-", ":") == addr {
				name = ""
			}
		}
		rssi, _ := props["RSSI"].Value().(int16)
		peers = append(peers, domain.PeerDescriptor{Name: name, Address: addr, RSSI: rssi})
	}
	slices.SortFunc(peers, func(a, b domain.PeerDescriptor) int {
		return strings.Compare(a.Address, b.Address)
	})
	return peers
}

// characteristicsFromObjects returns the device's characteristics ordered by
// object path, which follows the peer's attribute handle order.
func characteristicsFromObjects(objects managedObjects, device dbus.ObjectPath) []domain.Characteristic {
	prefix := string(device) + "/"
	paths := make([]string, 0)
	for path, ifaces := range objects {
		if _, ok := ifaces[ifaceCharacteristic]; ok && strings.HasPrefix(string(path), prefix) {
			paths = append(paths, string(path))
		}
	}
	slices.Sort(paths)

	chars := make([]domain.Characteristic, 0, len(paths))
	for _, p := range paths {
		props := objects[dbus.ObjectPath(p)][ifaceCharacteristic]
		uuid, _ := props["UUID"].Value().(string)
		flags, _ := props["Flags"].Value().([]string)
		chars = append(chars, domain.Characteristic{ID: p, UUID: uuid, Flags: flags})
	}
	return chars
}

type session struct {
	t            *Transport
	path         dbus.ObjectPath
	device       dbus.BusObject
	onDisconnect func()

	connected atomic.Bool
	dropOnce  sync.Once

	mu     sync.Mutex
	notify map[dbus.ObjectPath]func([]byte)

	signals   chan *dbus.Signal
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) waitResolved(ctx context.Context) error {
	ticker := time.NewTicker(resolvePollInterval)
	defer ticker.Stop()
	for {
		v, err := s.device.GetProperty(ifaceDevice + ".ServicesResolved")
		if err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("services not resolved on %s: %w", s.path, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *session) watch() {
	for {
		select {
		case <-s.done:
			return
		case sig, ok := <-s.signals:
			if !ok {
				return
			}
			s.handleSignal(sig)
		}
	}
}

func (s *session) handleSignal(sig *dbus.Signal) {
	if sig.Name != signalPropertiesChanged || len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)

	switch {
	case sig.Path == s.path && iface == ifaceDevice:
		if v, ok := changed["Connected"]; ok {
			if up, _ := v.Value().(bool); !up {
				s.dropped()
			}
		}
	case iface == ifaceCharacteristic:
		s.mu.Lock()
		handler := s.notify[sig.Path]
		s.mu.Unlock()
		if handler == nil {
			return
		}
		if v, ok := changed["Value"]; ok {
			if data, ok := v.Value().([]byte); ok {
				handler(data)
			}
		}
	}
}

func (s *session) dropped() {
	if !s.connected.Swap(false) {
		return
	}
	s.t.logger.Warnw("BlueZ reported device disconnect", "path", s.path)
	s.stopWatching()
	s.dropOnce.Do(func() {
		if s.onDisconnect != nil {
			s.onDisconnect()
		}
	})
}

func (s *session) stopWatching() {
	s.closeOnce.Do(func() {
		s.t.conn.RemoveSignal(s.signals)
		_ = s.t.conn.RemoveMatchSignal(
			dbus.WithMatchObjectPath(s.path),
			dbus.WithMatchInterface(ifaceProperties),
			dbus.WithMatchMember("PropertiesChanged"),
		)
		close(s.done)
	})
}

func (s *session) Characteristics(ctx context.Context) ([]domain.Characteristic, error) {
	objects, err := s.t.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	return characteristicsFromObjects(objects, s.path), nil
}

func (s *session) WriteWithoutResponse(ctx context.Context, characteristicID string, payload []byte) error {
	char := s.t.conn.Object(busName, dbus.ObjectPath(characteristicID))
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("command")}
	return char.CallWithContext(ctx, ifaceCharacteristic+".WriteValue", 0, payload, opts).Err
}

func (s *session) StartNotify(ctx context.Context, characteristicID string, handler func([]byte)) error {
	path := dbus.ObjectPath(characteristicID)
	if err := s.t.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(ifaceProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	s.mu.Lock()
	s.notify[path] = handler
	s.mu.Unlock()

	char := s.t.conn.Object(busName, path)
	if err := char.CallWithContext(ctx, ifaceCharacteristic+".StartNotify", 0).Err; err != nil {
		s.mu.Lock()
		delete(s.notify, path)
		s.mu.Unlock()
		return fmt.Errorf("start notify on %s: %w", path, err)
	}
	return nil
}

func (s *session) StopNotify(ctx context.Context, characteristicID string) error {
	path := dbus.ObjectPath(characteristicID)
	s.mu.Lock()
	_, subscribed := s.notify[path]
	delete(s.notify, path)
	s.mu.Unlock()
	if !subscribed {
		return nil
	}

	_ = s.t.conn.RemoveMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(ifaceProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	)
	return s.t.conn.Object(busName, path).CallWithContext(ctx, ifaceCharacteristic+".StopNotify", 0).Err
}

// Disconnect is a requested teardown; onDisconnect is not called.
func (s *session) Disconnect(ctx context.Context) error {
	s.dropOnce.Do(func() {})
	s.connected.Store(false)
	s.stopWatching()
	return s.device.CallWithContext(ctx, ifaceDevice+".Disconnect", 0).Err
}

func (s *session) IsConnected() bool {
	return s.connected.Load()
}
