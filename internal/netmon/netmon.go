// Package netmon tracks connectivity for the sync engine.
//
// The monitor polls a Prober at a fixed interval, maintains the
// current link state, and emits a single-shot reachable signal on the
// offline-to-online transition. It is pure observation: no retries or
// blocking work happen inside the monitor itself.
package netmon

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chairworks/fieldsync/internal/logging"
	"github.com/chairworks/fieldsync/internal/metrics"
)

// Link carries the current connectivity state and coarse link-quality
// hints.
type Link struct {
	Online        bool    `json:"online"`
	EffectiveType string  `json:"effective_type"` // "wifi", "cellular", "offline"
	DownlinkMbps  float64 `json:"downlink_mbps"`
	RTTMs         float64 `json:"rtt_ms"`
}

// WifiEquivalent reports whether the link is good enough to count as
// Wi-Fi for the sync_only_on_wifi gate.
func (l Link) WifiEquivalent() bool {
	return l.Online && l.EffectiveType == "wifi"
}

// Prober measures the current link. Implementations must return
// quickly; the monitor calls Probe on every poll tick.
//
// Deployments with a platform connectivity signal (mobile radios,
// NetworkManager) inject their own Prober; the default HTTPProber
// classifies by measured round-trip time.
type Prober interface {
	Probe(ctx context.Context) Link
}

// probeBodyLimit bounds how much of the probe response is read for the
// downlink estimate.
const probeBodyLimit = 256 << 10

// HTTPProber measures reachability with a GET against a well-known
// endpoint.
type HTTPProber struct {
	URL    string
	Client *http.Client

	// WifiRTTMs is the round-trip threshold below which the link is
	// classified wifi-equivalent. Defaults to 75ms.
	WifiRTTMs float64
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) Link {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Link{EffectiveType: "offline"}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Link{EffectiveType: "offline"}
	}
	defer resp.Body.Close()

	rtt := float64(time.Since(start).Microseconds()) / 1000

	// Draining the (small) probe body gives a rough downlink figure.
	// It is a link-quality hint, not a bandwidth measurement.
	n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, probeBodyLimit))
	var downlink float64
	if elapsed := time.Since(start).Seconds(); n > 0 && elapsed > 0 {
		downlink = float64(n) * 8 / elapsed / 1e6
	}

	threshold := p.WifiRTTMs
	if threshold == 0 {
		threshold = 75
	}

	effectiveType := "cellular"
	if rtt <= threshold {
		effectiveType = "wifi"
	}

	return Link{
		Online:        true,
		EffectiveType: effectiveType,
		DownlinkMbps:  downlink,
		RTTMs:         rtt,
	}
}

// Config configures the monitor.
type Config struct {
	// Prober measures the link. Required.
	Prober Prober

	// PollInterval is how often to probe (default: 5s, which bounds
	// offline-to-online transition latency).
	PollInterval time.Duration

	// Logger for monitor activity.
	Logger *slog.Logger
}

// Monitor maintains connectivity state and raises reachable signals.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	link Link

	reachable chan struct{}
}

// New creates a Monitor. The initial state is offline until the first
// probe completes.
func New(cfg Config) *Monitor {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	return &Monitor{
		prober:    cfg.Prober,
		interval:  cfg.PollInterval,
		logger:    cfg.Logger,
		link:      Link{EffectiveType: "offline"},
		reachable: make(chan struct{}, 1),
	}
}

// Start begins polling. It blocks until ctx is cancelled, so run it in
// its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	// Probe immediately so the engine doesn't wait a full interval
	// for the first reading.
	m.observe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(ctx)
		}
	}
}

// observe probes once and updates state, signalling on the
// offline-to-online transition.
func (m *Monitor) observe(ctx context.Context) {
	link := m.prober.Probe(ctx)

	m.mu.Lock()
	wasOnline := m.link.Online
	m.link = link
	m.mu.Unlock()

	if link.Online {
		metrics.Online.Set(1)
	} else {
		metrics.Online.Set(0)
	}

	if link.Online && !wasOnline {
		m.logger.Info("network became reachable",
			"effective_type", link.EffectiveType,
			"rtt_ms", link.RTTMs,
		)
		// Single-shot: drop the signal if nobody has consumed the
		// previous one yet.
		select {
		case m.reachable <- struct{}{}:
		default:
		}
	} else if !link.Online && wasOnline {
		m.logger.Info("network became unreachable")
	}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.link.Online
}

// Link returns the current link state.
func (m *Monitor) Link() Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.link
}

// Reachable returns the channel signalled on each offline-to-online
// transition.
func (m *Monitor) Reachable() <-chan struct{} {
	return m.reachable
}
