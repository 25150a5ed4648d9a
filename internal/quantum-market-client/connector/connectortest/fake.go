// Package connectortest provides in-memory connector fakes for tests.
package connectortest

import (
	"context"
	"math/big"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/connector"
)

// Provider is a scriptable ProviderHandle. Zero-valued errors mean success.
type Provider struct {
	emitter *connector.Emitter

	mu          sync.Mutex
	accounts    []string
	networkID   uint64
	chainID     uint64
	block       uint64
	balances    map[string]*big.Int
	accountsErr error
	networkErr  error
	chainErr    error
	blockErr    error
	balanceErr  error
	blockGate   chan struct{}

	closed        atomic.Int32
	balanceCalls  atomic.Int64
	networkCalls  atomic.Int64
	chainIDCalls  atomic.Int64
	blockNumCalls atomic.Int64
}

func NewProvider(accounts []string, chainID, networkID uint64) *Provider {
	return &Provider{
		emitter:   connector.NewEmitter(),
		accounts:  slices.Clone(accounts),
		chainID:   chainID,
		networkID: networkID,
		block:     1,
		balances:  make(map[string]*big.Int),
	}
}

func (p *Provider) Accounts(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accountsErr != nil {
		return nil, p.accountsErr
	}
	return slices.Clone(p.accounts), nil
}

func (p *Provider) NetworkID(ctx context.Context) (uint64, error) {
	p.networkCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.networkErr != nil {
		return 0, p.networkErr
	}
	return p.networkID, nil
}

func (p *Provider) ChainID(ctx context.Context) (uint64, error) {
	p.chainIDCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chainErr != nil {
		return 0, p.chainErr
	}
	return p.chainID, nil
}

func (p *Provider) Balance(ctx context.Context, address string) (*big.Int, error) {
	p.balanceCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balanceErr != nil {
		return nil, p.balanceErr
	}
	if b, ok := p.balances[strings.ToLower(address)]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// BlockNumber blocks while a gate installed with HoldBlockNumber is open.
func (p *Provider) BlockNumber(ctx context.Context) (uint64, error) {
	p.blockNumCalls.Add(1)
	p.mu.Lock()
	gate := p.blockGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blockErr != nil {
		return 0, p.blockErr
	}
	return p.block, nil
}

func (p *Provider) On(name connector.EventName, handler connector.Handler) connector.ListenerID {
	return p.emitter.On(name, handler)
}

func (p *Provider) RemoveListener(name connector.EventName, id connector.ListenerID) {
	p.emitter.RemoveListener(name, id)
}

func (p *Provider) Close() error {
	p.closed.Add(1)
	return nil
}

func (p *Provider) ProviderInfo() connector.ProviderInfo {
	return connector.ProviderInfo{ID: "fake", Name: "Fake Wallet", Type: "test"}
}

// Closed reports how many times Close was called.
func (p *Provider) Closed() int { return int(p.closed.Load()) }

func (p *Provider) ListenerCount(name connector.EventName) int {
	return p.emitter.ListenerCount(name)
}

func (p *Provider) TotalListeners() int {
	return p.ListenerCount(connector.EventChainChanged) +
		p.ListenerCount(connector.EventNetworkChanged) +
		p.ListenerCount(connector.EventAccountsChanged)
}

func (p *Provider) BalanceCalls() int64   { return p.balanceCalls.Load() }
func (p *Provider) NetworkIDCalls() int64 { return p.networkCalls.Load() }
func (p *Provider) ChainIDCalls() int64   { return p.chainIDCalls.Load() }
func (p *Provider) BlockCalls() int64     { return p.blockNumCalls.Load() }

func (p *Provider) SetBalance(address string, wei *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[strings.ToLower(address)] = new(big.Int).Set(wei)
}

func (p *Provider) SetBlock(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.block = n
}

// SetIDs changes what the provider reports without emitting anything.
func (p *Provider) SetIDs(chainID, networkID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chainID, p.networkID = chainID, networkID
}

func (p *Provider) SetAccountsError(err error) { p.setErr(&p.accountsErr, err) }
func (p *Provider) SetNetworkError(err error)  { p.setErr(&p.networkErr, err) }
func (p *Provider) SetChainError(err error)    { p.setErr(&p.chainErr, err) }
func (p *Provider) SetBlockError(err error)    { p.setErr(&p.blockErr, err) }
func (p *Provider) SetBalanceError(err error)  { p.setErr(&p.balanceErr, err) }

func (p *Provider) setErr(dst *error, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*dst = err
}

// HoldBlockNumber makes BlockNumber wait until the returned func is called.
func (p *Provider) HoldBlockNumber() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.blockGate = gate
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.blockGate = nil
			p.mu.Unlock()
			close(gate)
		})
	}
}

// SwitchChain updates both ids and emits chainChanged.
func (p *Provider) SwitchChain(chainID, networkID uint64) int {
	p.SetIDs(chainID, networkID)
	return p.emitter.Emit(connector.Event{Name: connector.EventChainChanged, ChainID: chainID})
}

// SwitchNetwork updates both ids and emits networkChanged.
func (p *Provider) SwitchNetwork(chainID, networkID uint64) int {
	p.SetIDs(chainID, networkID)
	return p.emitter.Emit(connector.Event{Name: connector.EventNetworkChanged, NetworkID: networkID})
}

// SwitchAccounts updates the account list and emits accountsChanged.
func (p *Provider) SwitchAccounts(accounts ...string) int {
	p.mu.Lock()
	p.accounts = slices.Clone(accounts)
	p.mu.Unlock()
	return p.emitter.Emit(connector.Event{Name: connector.EventAccountsChanged, Accounts: slices.Clone(accounts)})
}

// Emit sends ev as is.
func (p *Provider) Emit(ev connector.Event) int {
	return p.emitter.Emit(ev)
}

// Factory hands out queued providers.
type Factory struct {
	mu       sync.Mutex
	queue    []*Provider
	errs     []error
	cached   string
	gate     chan struct{}
	connects int
	cleared  int
}

// NewFactory returns providers in order; the last one is reused once the
// queue runs out.
func NewFactory(providers ...*Provider) *Factory {
	return &Factory{queue: providers}
}

// FailNext makes the next Connect calls fail in order.
func (f *Factory) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *Factory) SetCached(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached = id
}

// Hold makes Connect wait until the returned func is called.
func (f *Factory) Hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *Factory) Connect(ctx context.Context) (connector.ProviderHandle, error) {
	f.mu.Lock()
	f.connects++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if len(f.queue) == 0 {
		return nil, errors.Mark(errors.New("fake factory has no providers"), connector.ErrNoProviderAvailable)
	}
	p := f.queue[0]
	if len(f.queue) > 1 {
		f.queue = f.queue[1:]
	}
	f.cached = "fake"
	return p, nil
}

func (f *Factory) CachedProvider() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached
}

func (f *Factory) ClearCachedProvider() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached = ""
	f.cleared++
	return nil
}

func (f *Factory) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *Factory) Cleared() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}
