package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SukunDev/emo-chan-gui/internal/core/domain"
	"github.com/SukunDev/emo-chan-gui/internal/core/ports"
	"github.com/SukunDev/emo-chan-gui/pkg/circuitbreaker"
)

type fakeSink struct {
	id   string
	fail atomic.Bool
	// block, when set, makes writes wait for ctx
	block bool
	// stall delays each write, like a websocket write deadline would
	stall time.Duration

	mu     sync.Mutex
	msgs   [][]byte
	closed bool
}

func (f *fakeSink) ID() string { return f.id }

func (f *fakeSink) WriteMessage(ctx context.Context, payload []byte) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.stall > 0 {
		select {
		case <-time.After(f.stall):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.fail.Load() {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, append([]byte(nil), payload...))
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.msgs))
	for _, m := range f.msgs {
		var v map[string]any
		if err := json.Unmarshal(m, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeLinkStatus struct {
	mu     sync.Mutex
	status domain.LinkStatus
}

func (f *fakeLinkStatus) Status() domain.LinkStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeLinkStatus) set(s domain.LinkStatus) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

type fakeWireless struct {
	canWrite atomic.Bool
	err      error
	// release, when set, holds every write until it is closed
	release chan struct{}

	mu     sync.Mutex
	writes [][]byte
}

func (f *fakeWireless) CanWrite() bool { return f.canWrite.Load() }

func (f *fakeWireless) Write(ctx context.Context, payload []byte) (bool, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, payload)
	if f.err != nil {
		return false, f.err
	}
	return true, nil
}

func (f *fakeWireless) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type fakeMirror struct {
	release chan struct{}

	mu   sync.Mutex
	msgs [][]byte
}

func (m *fakeMirror) Name() string { return "fake" }

func (m *fakeMirror) Publish(ctx context.Context, payload []byte) error {
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, payload)
	return nil
}

func (m *fakeMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

func newTestHub(t *testing.T, link *fakeLinkStatus, wireless *fakeWireless, opts ...HubOption) *Hub {
	t.Helper()
	opts = append([]HubOption{WithHeartbeatInterval(time.Hour)}, opts...)
	var (
		status ports.LinkStatusProvider
		sink   ports.WirelessSink
	)
	if link != nil {
		status = link
	}
	if wireless != nil {
		sink = wireless
	}
	h := NewHub(status, sink, zaptest.NewLogger(t).Sugar(), opts...)
	t.Cleanup(h.Close)
	return h
}

func TestHub_HeartbeatReportsLinkStatus(t *testing.T) {
	addr := "AA:BB:CC:DD:EE:FF"
	link := &fakeLinkStatus{status: domain.DisconnectedStatus()}
	h := newTestHub(t, link, nil, WithHeartbeatInterval(5*time.Millisecond))

	sink := &fakeSink{id: "c1"}
	require.NoError(t, h.AddClient(sink))

	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, time.Millisecond)
	first := sink.messages()[0]
	assert.Equal(t, domain.EventStatusResult, first["event"])
	assert.Equal(t, false, first["connected"])
	assert.Equal(t, domain.UnknownText, first["name"])
	assert.Nil(t, first["address"])

	link.set(domain.LinkStatus{Connected: true, Name: "Emo", Address: &addr})
	require.Eventually(t, func() bool {
		msgs := sink.messages()
		last := msgs[len(msgs)-1]
		return last["connected"] == true && last["address"] == addr && last["name"] == "Emo"
	}, time.Second, time.Millisecond)
}

func TestHub_RemoveClientStopsHeartbeat(t *testing.T) {
	h := newTestHub(t, nil, nil, WithHeartbeatInterval(2*time.Millisecond))
	sink := &fakeSink{id: "c1"}
	require.NoError(t, h.AddClient(sink))
	require.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, time.Millisecond)

	h.RemoveClient("c1")
	n := sink.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, sink.count())
	assert.Equal(t, 0, h.ClientCount())
	assert.False(t, sink.closed)

	// unknown ids are ignored
	h.RemoveClient("c1")
}

func TestHub_RemoveClientWaitsForBlockedHeartbeat(t *testing.T) {
	h := newTestHub(t, nil, nil, WithHeartbeatInterval(time.Millisecond))
	sink := &fakeSink{id: "slow", block: true}
	require.NoError(t, h.AddClient(sink))
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.RemoveClient("slow")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RemoveClient did not return")
	}
}

func TestHub_RemovedMidHeartbeatMissesLaterBroadcasts(t *testing.T) {
	h := newTestHub(t, nil, nil, WithHeartbeatInterval(time.Millisecond))
	slow := &fakeSink{id: "slow", stall: 30 * time.Millisecond}
	fast := &fakeSink{id: "fast"}
	require.NoError(t, h.AddClient(slow))
	require.NoError(t, h.AddClient(fast))
	// let the slow client's heartbeat get stuck in a write
	time.Sleep(5 * time.Millisecond)

	broadcastDone := make(chan struct{})
	go func() {
		defer close(broadcastDone)
		h.Broadcast(context.Background(), domain.NewAudioEvent(domain.SilentAudio()))
	}()
	h.RemoveClient("slow")

	select {
	case <-broadcastDone:
	case <-time.After(time.Second):
		t.Fatal("Broadcast did not return")
	}
	before := slow.count()

	h.Broadcast(context.Background(), domain.NewMediaEvent(domain.UnknownSnapshot(), domain.SilentAudio()))

	assert.Equal(t, before, slow.count())
	for _, m := range slow.messages() {
		assert.NotEqual(t, "media", m["type"])
	}
	assert.Eventually(t, func() bool {
		for _, m := range fast.messages() {
			if m["type"] == "media" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.ClientCount())
}

func TestHub_BroadcastIsolatesFailingClients(t *testing.T) {
	h := newTestHub(t, nil, nil)
	good1, good2 := &fakeSink{id: "a"}, &fakeSink{id: "c"}
	bad := &fakeSink{id: "b"}
	bad.fail.Store(true)
	for _, s := range []*fakeSink{good1, bad, good2} {
		require.NoError(t, h.AddClient(s))
	}

	h.Broadcast(context.Background(), domain.NewMediaEvent(domain.UnknownSnapshot(), domain.SilentAudio()))

	assert.Equal(t, 1, good1.count())
	assert.Equal(t, 1, good2.count())
	assert.Equal(t, "media", good1.messages()[0]["type"])
	// failure does not unregister
	assert.Equal(t, 3, h.ClientCount())
}

func TestHub_SendTargetsOneClient(t *testing.T) {
	h := newTestHub(t, nil, nil)
	a, b := &fakeSink{id: "a"}, &fakeSink{id: "b"}
	require.NoError(t, h.AddClient(a))
	require.NoError(t, h.AddClient(b))

	require.NoError(t, h.Send(context.Background(), "a", map[string]string{"event": "x"}))
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 0, b.count())

	err := h.Send(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, domain.ErrClientNotFound)

	b.fail.Store(true)
	err = h.Send(context.Background(), "b", "x")
	assert.ErrorIs(t, err, domain.ErrTransportSend)
	assert.Equal(t, 2, h.ClientCount())
}

func TestHub_WirelessOnlyWhenWritable(t *testing.T) {
	wireless := &fakeWireless{}
	h := newTestHub(t, nil, wireless)
	ev := domain.NewMediaEvent(domain.UnknownSnapshot(), domain.SilentAudio())

	h.Broadcast(context.Background(), ev)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, wireless.count())

	wireless.canWrite.Store(true)
	h.Broadcast(context.Background(), ev)
	require.Eventually(t, func() bool { return wireless.count() == 1 }, time.Second, time.Millisecond)

	// link housekeeping never goes to the peer
	h.Broadcast(context.Background(), domain.NewStatusMessage(domain.DisconnectedStatus()))
	h.Broadcast(context.Background(), domain.NewSystemEvent("audio_unavailable", "x"))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, wireless.count())
}

func TestHub_SlowSinksDoNotBlockBroadcast(t *testing.T) {
	release := make(chan struct{})
	wireless := &fakeWireless{release: release}
	wireless.canWrite.Store(true)
	mirror := &fakeMirror{release: release}
	h := newTestHub(t, nil, wireless, WithMirror(mirror))
	client := &fakeSink{id: "a"}
	require.NoError(t, h.AddClient(client))

	ev := domain.NewAudioEvent(domain.SilentAudio())
	start := time.Now()
	h.Broadcast(context.Background(), ev)
	// the first payload is now held inside the blocked writes
	require.Eventually(t, func() bool {
		return len(h.wirelessPump.queue) == 0 && len(h.mirrorPumps[0].queue) == 0
	}, time.Second, time.Millisecond)
	// the second fills the queues, the rest are dropped
	for i := 0; i < 4; i++ {
		h.Broadcast(context.Background(), ev)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 5, client.count())

	close(release)
	require.Eventually(t, func() bool { return wireless.count() == 2 && mirror.count() == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, wireless.count())
	assert.Equal(t, 2, mirror.count())
}

func TestHub_WirelessBreakerOpensOnFailures(t *testing.T) {
	wireless := &fakeWireless{err: domain.ErrTransportSend}
	wireless.canWrite.Store(true)
	cb := circuitbreaker.New(circuitbreaker.Config{
		Name:                "wireless",
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Cooldown:            time.Hour,
		MaxRequestsHalfOpen: 1,
	})
	h := newTestHub(t, nil, wireless, WithWirelessBreaker(cb))
	client := &fakeSink{id: "a"}
	require.NoError(t, h.AddClient(client))

	ev := domain.NewAudioEvent(domain.SilentAudio())
	for i := 1; i <= 2; i++ {
		h.Broadcast(context.Background(), ev)
		require.Eventually(t, func() bool { return wireless.count() == i }, time.Second, time.Millisecond)
	}
	require.Eventually(t, func() bool { return cb.State() == circuitbreaker.StateOpen }, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		h.Broadcast(context.Background(), ev)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, wireless.count())
	assert.Equal(t, 5, client.count())
}

func TestHub_AnnouncementsReplayedToLateClients(t *testing.T) {
	mirror := &fakeMirror{}
	h := newTestHub(t, nil, nil, WithMirror(mirror))
	early := &fakeSink{id: "early"}
	require.NoError(t, h.AddClient(early))

	h.Announce(context.Background(), domain.NewSystemEvent("audio_unavailable", "no loopback device"))
	assert.Equal(t, 1, early.count())

	late := &fakeSink{id: "late"}
	require.NoError(t, h.AddClient(late))
	msgs := late.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "system", msgs[0]["type"])
	assert.Equal(t, "audio_unavailable", msgs[0]["kind"])

	assert.Eventually(t, func() bool { return mirror.count() == 1 }, time.Second, time.Millisecond)
}

func TestHub_AnnouncementDeliveredOnceToJoiningClients(t *testing.T) {
	h := newTestHub(t, nil, nil)

	var wg sync.WaitGroup
	sinks := make([]*fakeSink, 20)
	for i := range sinks {
		sinks[i] = &fakeSink{id: fmt.Sprintf("c%d", i)}
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, s := range sinks {
			assert.NoError(t, h.AddClient(s))
		}
	}()
	go func() {
		defer wg.Done()
		h.Announce(context.Background(), domain.NewSystemEvent("audio_unavailable", "no loopback device"))
	}()
	wg.Wait()

	for _, s := range sinks {
		assert.Equal(t, 1, s.count(), "client %s", s.id)
	}
}

func TestHub_CloseClosesSinksAndRejectsClients(t *testing.T) {
	h := NewHub(nil, nil, zaptest.NewLogger(t).Sugar(), WithHeartbeatInterval(time.Millisecond))
	sinks := make([]*fakeSink, 3)
	for i := range sinks {
		sinks[i] = &fakeSink{id: fmt.Sprintf("c%d", i)}
		require.NoError(t, h.AddClient(sinks[i]))
	}

	h.Close()
	h.Close()
	for _, s := range sinks {
		assert.True(t, s.closed)
	}
	assert.Equal(t, 0, h.ClientCount())
	assert.ErrorIs(t, h.AddClient(&fakeSink{id: "new"}), ErrHubClosed)
}

func TestHub_DuplicateClientRejected(t *testing.T) {
	h := newTestHub(t, nil, nil)
	require.NoError(t, h.AddClient(&fakeSink{id: "a"}))
	assert.Error(t, h.AddClient(&fakeSink{id: "a"}))
}
