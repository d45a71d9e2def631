package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartAdvertiserBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		RelayName: "Living Room Relay",
		Port:      9090,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		t.Fatalf("StartAdvertiser failed: %v", err)
	}
	if advertiser == nil {
		t.Fatalf("expected advertiser instance")
	}

	if gotInstance != "Living Room Relay" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9090 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "path=/ws")
}

func TestStartAdvertiserValidation(t *testing.T) {
	registerFn := func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		return nil, nil
	}

	if _, err := StartAdvertiser(Config{Port: 9090, registerFn: registerFn}); err == nil {
		t.Error("missing relay name accepted")
	}
	if _, err := StartAdvertiser(Config{RelayName: "x", registerFn: registerFn}); err == nil {
		t.Error("missing port accepted")
	}
}

func TestDiscoveredRelayURL(t *testing.T) {
	relay := DiscoveredRelay{
		HostName:  "relay.local.",
		Port:      9090,
		Path:      "/ws",
		Addresses: []string{"192.168.1.20"},
	}
	if got := relay.URL(); got != "ws://192.168.1.20:9090/ws" {
		t.Errorf("URL() = %q, want address-based URL", got)
	}

	relay.Addresses = nil
	if got := relay.URL(); got != "ws://relay.local:9090/ws" {
		t.Errorf("URL() = %q, want hostname-based URL", got)
	}
}

func TestRelayScannerRefreshAndEvents(t *testing.T) {
	browseCalls := make(chan int, 16)
	call := 0
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call++
			browseCalls <- call
			entries <- testServiceEntry("Relay A", 9090, "10.0.0.1")
			if call >= 2 {
				entries <- testServiceEntry("Relay B", 9091, "10.0.0.2")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		relays := scanner.Relays()
		return len(relays) == 1 && relays[0].Name == "Relay A"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		return len(scanner.Relays()) == 2
	})
}

func TestRelayScannerRemovalEvent(t *testing.T) {
	call := 0
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call++
			if call == 1 {
				entries <- testServiceEntry("Relay A", 9090, "10.0.0.1")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.Relays()) == 1
	})

	// The second scan sees nothing; the relay must disappear with a
	// removal event.
	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		return len(scanner.Relays()) == 0
	})

	sawRemoval := false
	for {
		select {
		case event := <-scanner.Events():
			if event.Type == EventRelayRemoved && event.Relay.Name == "Relay A" {
				sawRemoval = true
			}
			continue
		default:
		}
		break
	}
	if !sawRemoval {
		t.Error("no removal event for vanished relay")
	}
}

func testServiceEntry(instance string, port int, addr string) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	entry.Port = port
	entry.HostName = instance + ".local."
	entry.Text = []string{"version=1", "path=/ws"}
	entry.AddrIPv4 = []net.IP{net.ParseIP(addr)}
	return entry
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, value := range txt {
		if value == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
