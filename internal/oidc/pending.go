package oidc

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultFlowTTL bounds how long a user may take at the identity provider.
const DefaultFlowTTL = 10 * time.Minute

type pendingFlow struct {
	codeVerifier string
	createdAt    time.Time
}

// PendingFlows remembers started authorization flows by state until the
// callback arrives. Each state can be redeemed once.
type PendingFlows struct {
	mu            sync.Mutex
	flows         map[string]pendingFlow // state -> flow
	ttl           time.Duration
	now           func() time.Time
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewPendingFlows creates the store and starts its cleanup goroutine.
func NewPendingFlows(ttl time.Duration) *PendingFlows {
	if ttl <= 0 {
		ttl = DefaultFlowTTL
	}
	p := &PendingFlows{
		flows:         make(map[string]pendingFlow),
		ttl:           ttl,
		now:           time.Now,
		cleanupTicker: time.NewTicker(time.Minute),
		stopCleanup:   make(chan struct{}),
	}

	go p.cleanupLoop()

	return p
}

// Put records a started flow.
func (p *PendingFlows) Put(flow *AuthFlowData) {
	p.mu.Lock()
	p.flows[flow.State] = pendingFlow{codeVerifier: flow.CodeVerifier, createdAt: p.now()}
	p.mu.Unlock()
}

// Take returns the code verifier for state and forgets the flow.
// Unknown, replayed and expired states report false.
func (p *PendingFlows) Take(state string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	flow, ok := p.flows[state]
	if !ok {
		return "", false
	}
	delete(p.flows, state)

	if p.now().Sub(flow.createdAt) > p.ttl {
		return "", false
	}
	return flow.codeVerifier, true
}

// Len returns the number of pending flows.
func (p *PendingFlows) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.flows)
}

// Stop stops the cleanup goroutine.
func (p *PendingFlows) Stop() {
	p.stopOnce.Do(func() {
		p.cleanupTicker.Stop()
		close(p.stopCleanup)
	})
}

func (p *PendingFlows) cleanupLoop() {
	for {
		select {
		case <-p.cleanupTicker.C:
			p.cleanup()
		case <-p.stopCleanup:
			return
		}
	}
}

func (p *PendingFlows) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	expired := 0
	for state, flow := range p.flows {
		if now.Sub(flow.createdAt) > p.ttl {
			delete(p.flows, state)
			expired++
		}
	}

	if expired > 0 {
		slog.Debug("cleaned up abandoned OIDC flows", "count", expired)
	}
}
