// Package discovery advertises the listener over mDNS/DNS-SD and finds other
// listeners on the local network.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	DefaultService = "_emo-listener._tcp"
	DefaultDomain  = "local."
)

type Config struct {
	Instance string
	Service  string
	Domain   string
	Port     int
	// TXT records, e.g. "path=/ws".
	Text []string
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	return c
}

type Advertiser struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu     sync.Mutex
	server *zeroconf.Server
}

func NewAdvertiser(cfg Config, logger *zap.SugaredLogger) *Advertiser {
	return &Advertiser{cfg: cfg.withDefaults(), logger: logger}
}

func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}
	if a.cfg.Port <= 0 {
		return fmt.Errorf("discovery: invalid port %d", a.cfg.Port)
	}

	server, err := zeroconf.Register(a.cfg.Instance, a.cfg.Service, a.cfg.Domain, a.cfg.Port, a.cfg.Text, nil)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", a.cfg.Service, err)
	}
	a.server = server
	a.logger.Infow("Advertising listener",
		"instance", a.cfg.Instance,
		"service", a.cfg.Service,
		"port", a.cfg.Port,
	)
	return nil
}

func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Infow("Stopped advertising listener", "instance", a.cfg.Instance)
}

// Listener is one advertised instance found by Browse.
type Listener struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Text     []string `json:"text,omitempty"`
}

// Browse collects listeners until ctx is done. Entries without an IPv4
// address are skipped.
func Browse(ctx context.Context, service, domain string, logger *zap.SugaredLogger) ([]Listener, error) {
	cfg := Config{Service: service, Domain: domain}.withDefaults()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Listener)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				l, ok := listenerFromEntry(entry)
				if !ok {
					continue
				}
				if _, seen := found[l.Instance]; !seen {
					logger.Debugw("Discovered listener", "instance", l.Instance, "host", l.Host, "port", l.Port)
				}
				found[l.Instance] = l
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse %s: %w", cfg.Service, err)
	}
	<-done

	return sortedListeners(found), nil
}

func listenerFromEntry(entry *zeroconf.ServiceEntry) (Listener, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return Listener{}, false
	}
	return Listener{
		Instance: entry.Instance,
		Host:     entry.AddrIPv4[0].String(),
		Port:     entry.Port,
		Text:     entry.Text,
	}, true
}

func sortedListeners(found map[string]Listener) []Listener {
	out := make([]Listener, 0, len(found))
	for _, l := range found {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}
