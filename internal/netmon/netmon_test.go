package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeProber returns a settable link state.
type fakeProber struct {
	mu   sync.Mutex
	link Link
}

func (p *fakeProber) set(link Link) {
	p.mu.Lock()
	p.link = link
	p.mu.Unlock()
}

func (p *fakeProber) Probe(ctx context.Context) Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

func TestMonitor_InitialStateOffline(t *testing.T) {
	m := New(Config{Prober: &fakeProber{}})
	if m.Online() {
		t.Error("monitor online before first probe")
	}
	if m.Link().EffectiveType != "offline" {
		t.Errorf("EffectiveType = %q, want offline", m.Link().EffectiveType)
	}
}

func TestMonitor_ReachableSignalOnTransition(t *testing.T) {
	prober := &fakeProber{}
	m := New(Config{Prober: prober, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	// Stays offline: no signal.
	select {
	case <-m.Reachable():
		t.Fatal("reachable signalled while offline")
	case <-time.After(50 * time.Millisecond):
	}

	prober.set(Link{Online: true, EffectiveType: "wifi", RTTMs: 12})

	select {
	case <-m.Reachable():
	case <-time.After(time.Second):
		t.Fatal("no reachable signal after coming online")
	}
	if !m.Online() {
		t.Error("Online() = false after transition")
	}

	// Staying online must not re-signal.
	select {
	case <-m.Reachable():
		t.Fatal("reachable re-signalled without a transition")
	case <-time.After(50 * time.Millisecond):
	}

	// Drop and recover: a second signal arrives.
	prober.set(Link{EffectiveType: "offline"})
	waitFor(t, func() bool { return !m.Online() })

	prober.set(Link{Online: true, EffectiveType: "cellular", RTTMs: 140})
	select {
	case <-m.Reachable():
	case <-time.After(time.Second):
		t.Fatal("no reachable signal after recovery")
	}
}

func TestLink_WifiEquivalent(t *testing.T) {
	if (Link{Online: true, EffectiveType: "cellular"}).WifiEquivalent() {
		t.Error("cellular classified as wifi")
	}
	if (Link{EffectiveType: "wifi"}).WifiEquivalent() {
		t.Error("offline link classified as wifi")
	}
	if !(Link{Online: true, EffectiveType: "wifi"}).WifiEquivalent() {
		t.Error("wifi link not classified as wifi")
	}
}

func TestHTTPProber_ClassifiesByRTT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("probe used %s, want GET", r.Method)
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	// Loopback round trips are well under any sane threshold.
	p := &HTTPProber{URL: srv.URL}
	link := p.Probe(context.Background())
	if !link.Online {
		t.Fatal("probe against live server reported offline")
	}
	if link.EffectiveType != "wifi" {
		t.Errorf("EffectiveType = %q, want wifi", link.EffectiveType)
	}
	if link.DownlinkMbps <= 0 {
		t.Errorf("DownlinkMbps = %v, want a positive estimate", link.DownlinkMbps)
	}

	// An impossible threshold forces the cellular classification.
	p = &HTTPProber{URL: srv.URL, WifiRTTMs: 0.000001}
	link = p.Probe(context.Background())
	if link.EffectiveType != "cellular" {
		t.Errorf("EffectiveType = %q, want cellular", link.EffectiveType)
	}
}

func TestHTTPProber_UnreachableIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	p := &HTTPProber{URL: srv.URL, Client: &http.Client{Timeout: time.Second}}
	link := p.Probe(context.Background())
	if link.Online {
		t.Error("probe against closed server reported online")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
