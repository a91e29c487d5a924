// Package connectivity abstracts reachability of the remote API so hosts
// can supply platform-appropriate signals (native network events, a polling
// prober, or a manual switch in tests).
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fieldops/sitesync/internal/logging"
)

// Observer reports whether the remote API is currently reachable and
// notifies subscribers when that changes.
type Observer interface {
	// Online returns the current reachability flag.
	Online() bool

	// Subscribe registers a callback invoked on every reachability change.
	// It returns an unsubscribe function.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Switch is a manually driven Observer. Hosts with native connectivity
// events feed them into Set; tests flip it directly.
type Switch struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

// NewSwitch creates a Switch with the given initial state.
func NewSwitch(online bool) *Switch {
	return &Switch{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// Online returns the current reachability flag.
func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the reachability flag, notifying subscribers on change.
func (s *Switch) Set(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	var subs []func(bool)
	if changed {
		for _, fn := range s.subs {
			subs = append(subs, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers a callback for reachability changes.
func (s *Switch) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Prober is an Observer that periodically probes an HTTP endpoint to detect
// reachability. Any response, regardless of status, counts as reachable;
// only transport failures count as offline.
type Prober struct {
	*Switch

	url      string
	client   *http.Client
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProber creates a Prober against the given URL. The initial state is
// online; the first probe corrects it if the endpoint is unreachable.
func NewProber(url string, client *http.Client, interval time.Duration) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Prober{
		Switch:   NewSwitch(true),
		url:      url,
		client:   client,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background probing.
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts background probing.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		logging.Error("Failed to build probe request", err, map[string]interface{}{"url": p.url})
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.Set(false)
		return
	}
	resp.Body.Close()
	p.Set(true)
}
