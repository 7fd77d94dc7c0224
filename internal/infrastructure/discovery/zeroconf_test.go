package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestListenerFromEntry(t *testing.T) {
	_, ok := listenerFromEntry(nil)
	assert.False(t, ok)

	noAddr := zeroconf.NewServiceEntry("emo", DefaultService, DefaultDomain)
	_, ok = listenerFromEntry(noAddr)
	assert.False(t, ok)

	entry := zeroconf.NewServiceEntry("emo-desk", DefaultService, DefaultDomain)
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Port = 8765
	entry.Text = []string{"path=/ws"}

	l, ok := listenerFromEntry(entry)
	assert.True(t, ok)
	assert.Equal(t, Listener{Instance: "emo-desk", Host: "192.168.1.20", Port: 8765, Text: []string{"path=/ws"}}, l)
}

func TestSortedListeners(t *testing.T) {
	got := sortedListeners(map[string]Listener{
		"b": {Instance: "b"},
		"a": {Instance: "a"},
	})
	assert.Equal(t, []Listener{{Instance: "a"}, {Instance: "b"}}, got)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Instance: "x"}.withDefaults()
	assert.Equal(t, DefaultService, cfg.Service)
	assert.Equal(t, DefaultDomain, cfg.Domain)
}

func TestAdvertiser_RejectsBadPort(t *testing.T) {
	a := NewAdvertiser(Config{Instance: "x"}, zaptest.NewLogger(t).Sugar())
	assert.Error(t, a.Start())
	// Stop without a running server is a no-op
	a.Stop()
}
