package connector

import (
	"context"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/constants"
)

// RPCProvider is a ProviderHandle backed by a JSON-RPC node. A background
// watcher re-reads chain id, network id and accounts and emits the matching
// change events.
type RPCProvider struct {
	opt     ProviderOption
	raw     *rpc.Client
	client  *ethclient.Client
	emitter *Emitter

	mu        sync.Mutex
	chainID   uint64
	networkID uint64
	accounts  []string

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// DialRPC returns a DialFunc that opens RPCProviders polling every watch
// interval (ProviderWatchInterval when zero).
func DialRPC(watch time.Duration) DialFunc {
	return func(ctx context.Context, opt ProviderOption) (ProviderHandle, error) {
		return DialRPCProvider(ctx, opt, watch)
	}
}

func DialRPCProvider(ctx context.Context, opt ProviderOption, watch time.Duration) (*RPCProvider, error) {
	if opt.NodeURI == "" {
		return nil, errors.Newf("provider %q has no nodeUri", opt.ID)
	}
	if watch <= 0 {
		watch = constants.ProviderWatchInterval
	}

	raw, err := rpc.DialContext(ctx, opt.NodeURI)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", opt.NodeURI)
	}

	p := &RPCProvider{
		opt:     opt,
		raw:     raw,
		client:  ethclient.NewClient(raw),
		emitter: NewEmitter(),
		done:    make(chan struct{}),
	}

	chainID, networkID, accounts, err := p.readState(ctx)
	if err != nil {
		raw.Close()
		return nil, err
	}
	p.chainID, p.networkID, p.accounts = chainID, networkID, accounts

	watchCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watch(watchCtx, watch)

	return p, nil
}

func (p *RPCProvider) ProviderInfo() ProviderInfo {
	typ := p.opt.Type
	if typ == "" {
		typ = "rpc"
	}
	return ProviderInfo{ID: p.opt.ID, Name: p.opt.Name, Type: typ}
}

// Accounts prefers what the node exposes and falls back to the configured
// watch accounts.
func (p *RPCProvider) Accounts(ctx context.Context) ([]string, error) {
	var addrs []common.Address
	err := p.raw.CallContext(ctx, &addrs, "eth_accounts")
	if err == nil && len(addrs) > 0 {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, a.Hex())
		}
		return out, nil
	}

	configured := p.configuredAccounts()
	if err != nil && len(configured) == 0 {
		return nil, errors.Wrap(err, "eth_accounts")
	}
	return configured, nil
}

func (p *RPCProvider) configuredAccounts() []string {
	out := make([]string, 0, len(p.opt.Accounts))
	for _, a := range p.opt.Accounts {
		a = strings.TrimSpace(a)
		if !common.IsHexAddress(a) {
			continue
		}
		out = append(out, common.HexToAddress(a).Hex())
	}
	return out
}

func (p *RPCProvider) NetworkID(ctx context.Context) (uint64, error) {
	id, err := p.client.NetworkID(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "net_version")
	}
	return id.Uint64(), nil
}

func (p *RPCProvider) ChainID(ctx context.Context) (uint64, error) {
	id, err := p.client.ChainID(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "eth_chainId")
	}
	return id.Uint64(), nil
}

func (p *RPCProvider) Balance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, errors.Newf("invalid address %q", address)
	}
	bal, err := p.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, errors.Wrap(err, "eth_getBalance")
	}
	return bal, nil
}

func (p *RPCProvider) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := p.client.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "eth_blockNumber")
	}
	return n, nil
}

// CodeAt and CallContract make the handle usable as a bind.ContractCaller.
func (p *RPCProvider) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return p.client.CodeAt(ctx, contract, blockNumber)
}

func (p *RPCProvider) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return p.client.CallContract(ctx, call, blockNumber)
}

func (p *RPCProvider) On(name EventName, handler Handler) ListenerID {
	return p.emitter.On(name, handler)
}

func (p *RPCProvider) RemoveListener(name EventName, id ListenerID) {
	p.emitter.RemoveListener(name, id)
}

// Close stops the watcher, drops listeners and closes the RPC connection.
func (p *RPCProvider) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
		p.emitter.RemoveAll()
		p.raw.Close()
	})
	return nil
}

func (p *RPCProvider) readState(ctx context.Context) (uint64, uint64, []string, error) {
	chainID, err := p.ChainID(ctx)
	if err != nil {
		return 0, 0, nil, err
	}
	networkID, err := p.NetworkID(ctx)
	if err != nil {
		return 0, 0, nil, err
	}
	accounts, err := p.Accounts(ctx)
	if err != nil {
		return 0, 0, nil, err
	}
	return chainID, networkID, accounts, nil
}

func (p *RPCProvider) watch(ctx context.Context, duration time.Duration) {
	defer close(p.done)

	cfg := retry.DefaultConfig()
	cfg.MaxDelayBeforeRetrying = duration
	cfg.InitialDelayBeforeRetrying = duration / 10

	timer := time.NewTimer(duration)
	defer timer.Stop()
	polls := 0
	for {
		timer.Reset(duration)
		select {
		case <-ctx.Done():
			log.Info("[connector] provider watcher exiting", "provider", p.opt.ID, "polls", polls)
			return
		case <-timer.C:
			_, _ = retry.Retry(ctx, cfg,
				func(ctx context.Context) ([]interface{}, error) {
					polls++
					return nil, p.poll(ctx)
				},
				nil, // always retry
				"poll wallet provider state")
		}
	}
}

func (p *RPCProvider) poll(ctx context.Context) error {
	readCtx, cancel := context.WithTimeout(ctx, constants.RPCTimeout)
	defer cancel()

	chainID, networkID, accounts, err := p.readState(readCtx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	chainChanged := chainID != p.chainID
	networkChanged := networkID != p.networkID
	accountsChanged := !slices.Equal(accounts, p.accounts)
	p.chainID, p.networkID, p.accounts = chainID, networkID, accounts
	p.mu.Unlock()

	if chainChanged {
		p.emitter.Emit(Event{Name: EventChainChanged, ChainID: chainID})
	}
	if networkChanged {
		p.emitter.Emit(Event{Name: EventNetworkChanged, NetworkID: networkID})
	}
	if accountsChanged {
		p.emitter.Emit(Event{Name: EventAccountsChanged, Accounts: slices.Clone(accounts)})
	}
	return nil
}
