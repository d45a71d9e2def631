package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventRelayUpserted is emitted when a relay appears or its metadata changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a previously seen relay disappears.
	EventRelayRemoved EventType = "relay_removed"
)

// EventType identifies relay discovery updates.
type EventType string

// Event carries discovery updates for consumers.
type Event struct {
	Type  EventType
	Relay DiscoveredRelay
}

// DiscoveredRelay is one signaling relay found on the LAN.
type DiscoveredRelay struct {
	Name      string
	HostName  string
	Port      int
	Path      string
	Version   int
	Addresses []string
	LastSeen  time.Time
}

// URL returns a dialable websocket URL for the relay, preferring a resolved
// address over the mDNS hostname.
func (r DiscoveredRelay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	if host == "" {
		return ""
	}
	return "ws://" + host + ":" + strconv.Itoa(r.Port) + r.Path
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// RelayScanner finds relays with periodic and manual mDNS browse operations.
type RelayScanner struct {
	cfg Config

	browse browseFunc

	mu     sync.RWMutex
	relays map[string]DiscoveredRelay

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewRelayScanner creates a scanner with config defaults applied.
func NewRelayScanner(config Config) (*RelayScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &RelayScanner{
		cfg:             cfg,
		browse:          browse,
		relays:          make(map[string]DiscoveredRelay),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *RelayScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning.
func (s *RelayScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *RelayScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it.
func (s *RelayScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("relay scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}
}

// Relays returns the current snapshot of known relays.
func (s *RelayScanner) Relays() []DiscoveredRelay {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredRelay, 0, len(s.relays))
	for _, relay := range s.relays {
		out = append(out, relay)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].HostName < out[j].HostName
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *RelayScanner) loop() {
	defer s.wg.Done()

	// Prime the relay list immediately.
	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RelayScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredRelay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry)
				if !ok {
					continue
				}
				relay.LastSeen = time.Now()
				collectedMu.Lock()
				collected[relay.Name] = relay
				collectedMu.Unlock()
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *RelayScanner) applySnapshot(next map[string]DiscoveredRelay) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.relays
	s.relays = next

	for name, relay := range next {
		old, exists := previous[name]
		if !exists || !relaysEqual(old, relay) {
			s.emitEvent(Event{Type: EventRelayUpserted, Relay: relay})
		}
	}

	for name, relay := range previous {
		if _, exists := next[name]; !exists {
			s.emitEvent(Event{Type: EventRelayRemoved, Relay: relay})
		}
	}
}

func (s *RelayScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (DiscoveredRelay, bool) {
	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" || entry.Port <= 0 {
		return DiscoveredRelay{}, false
	}

	txt := txtToMap(entry.Text)

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	path := txt["path"]
	if path == "" {
		path = DefaultPath
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	return DiscoveredRelay{
		Name:      name,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Path:      path,
		Version:   version,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func relaysEqual(a, b DiscoveredRelay) bool {
	if a.Name != b.Name ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		a.Path != b.Path ||
		a.Version != b.Version ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
