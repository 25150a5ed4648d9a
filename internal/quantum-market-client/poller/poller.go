// Package poller keeps the session balance fresh. At most one polling
// goroutine runs per Poller; Start with a new (account, network) pair stops
// the previous one and waits for it to exit.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/assets"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/constants"
)

// Generation identifies one Start. Results carry it so stale ones can be
// told apart after a restart or Stop.
type Generation uint64

type FetchFunc func(ctx context.Context, accountID string, networkID uint64) (assets.Balance, error)

// PublishFunc receives successful fetches. It must return once ctx is done.
type PublishFunc func(ctx context.Context, gen Generation, bal assets.Balance)

type Poller struct {
	interval time.Duration
	fetch    FetchFunc
	publish  PublishFunc

	mu        sync.Mutex
	gen       Generation
	accountID string
	networkID uint64
	cancel    context.CancelFunc
	done      chan struct{}

	live atomic.Int32
	peak atomic.Int32
}

func New(interval time.Duration, fetch FetchFunc, publish PublishFunc) *Poller {
	if interval <= 0 {
		interval = constants.BalanceRefreshInterval
	}
	return &Poller{interval: interval, fetch: fetch, publish: publish}
}

// Start begins polling for the pair, fetching once immediately. Starting the
// pair that is already running returns its generation untouched.
func (p *Poller) Start(accountID string, networkID uint64) Generation {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil && p.accountID == accountID && p.networkID == networkID {
		return p.gen
	}
	p.stopLocked()

	p.gen++
	p.accountID, p.networkID = accountID, networkID
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(ctx, p.gen, accountID, networkID, p.done)
	return p.gen
}

// Stop cancels polling and waits for the goroutine to exit. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	p.accountID, p.networkID = "", 0
}

// Current reports whether gen belongs to the running poll.
func (p *Poller) Current(gen Generation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil && gen == p.gen
}

func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Live is the number of polling goroutines currently running.
func (p *Poller) Live() int { return int(p.live.Load()) }

// Peak is the highest Live value ever observed.
func (p *Poller) Peak() int { return int(p.peak.Load()) }

func (p *Poller) run(ctx context.Context, gen Generation, accountID string, networkID uint64, done chan struct{}) {
	defer close(done)
	n := p.live.Add(1)
	defer p.live.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}

	p.tick(ctx, gen, accountID, networkID)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, gen, accountID, networkID)
		}
	}
}

func (p *Poller) tick(ctx context.Context, gen Generation, accountID string, networkID uint64) {
	bal, err := p.fetch(ctx, accountID, networkID)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Warn("[poller] balance fetch failed", "account", accountID, "networkId", networkID, "error", err)
		return
	}
	p.publish(ctx, gen, bal)
}
