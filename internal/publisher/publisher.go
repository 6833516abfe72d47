// Package publisher turns the scheduler's in-memory state into the
// read-side snapshot feed: a pull query for polling clients and a
// best-effort push broadcast for Server-Sent Events subscribers.
package publisher

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"tachyon-lite/internal/download"
)

// Source is the subset of Scheduler the publisher depends on.
type Source interface {
	Snapshot() []download.View
}

// subscriber is one open SSE connection's delivery channel. A subscriber
// whose buffer is full misses that tick's snapshot rather than blocking the
// broadcast; it stays subscribed.
type subscriber struct {
	ch chan []byte
}

// Publisher broadcasts a JSON snapshot of every download to subscribers
// at a fixed interval, and answers one-off pull requests the same way.
type Publisher struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[int]*subscriber
	next int

	stop chan struct{}
	once sync.Once
}

func New(source Source, interval time.Duration, logger *slog.Logger) *Publisher {
	return &Publisher{
		source:   source,
		interval: interval,
		logger:   logger,
		subs:     make(map[int]*subscriber),
		stop:     make(chan struct{}),
	}
}

// Snapshot returns the current state, JSON-encoded, for a plain GET request.
func (p *Publisher) Snapshot() ([]byte, error) {
	return json.Marshal(p.source.Snapshot())
}

// Subscribe registers a new SSE listener and returns its delivery channel
// plus an unsubscribe function the caller must invoke when the connection
// closes.
func (p *Publisher) Subscribe(buffer int) (<-chan []byte, func()) {
	p.mu.Lock()
	id := p.next
	p.next++
	sub := &subscriber{ch: make(chan []byte, buffer)}
	p.subs[id] = sub
	p.mu.Unlock()

	return sub.ch, func() {
		p.mu.Lock()
		if s, ok := p.subs[id]; ok {
			close(s.ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
}

// Run broadcasts a snapshot to every subscriber every interval, until
// stopCh is closed or Close is called. It is safe to call Run from exactly one goroutine.
func (p *Publisher) Run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.broadcast()
		case <-stopCh:
			return
		case <-p.stop:
			return
		}
	}
}

// Close stops a running Run loop.
func (p *Publisher) Close() {
	p.once.Do(func() { close(p.stop) })
}

func (p *Publisher) broadcast() {
	payload, err := p.Snapshot()
	if err != nil {
		p.logger.Error("failed to encode snapshot for broadcast", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sub := range p.subs {
		select {
		case sub.ch <- payload:
		default:
			// Subscriber is behind; drop this tick for them rather than
			// block the broadcast for everyone else.
			p.logger.Debug("dropping snapshot for slow subscriber", "subscriber", id)
		}
	}
}
