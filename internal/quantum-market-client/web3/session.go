// Package web3 owns the wallet session: it connects through the injected
// connector, tracks account and network, keeps the balance fresh and
// publishes a consistent Snapshot to any number of readers.
//
// All session state is owned by a single goroutine. Public methods, bridge
// events, poll results and RPC replies are posted to it as messages, so
// handlers never race each other and arrival order cannot corrupt the
// snapshot.
package web3

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"

	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/assets"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/bridge"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/connector"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/constants"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/networks"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/poller"
)

const inboxSize = 64

// MetadataSource supplies the network metadata table used to resolve a
// network id into display data.
type MetadataSource interface {
	Table() networks.Table
}

// MetadataFunc adapts a plain function to MetadataSource.
type MetadataFunc func() networks.Table

func (f MetadataFunc) Table() networks.Table { return f() }

// SupportedChains reports which network ids the storefront can trade on.
type SupportedChains interface {
	IsSupported(networkID uint64) bool
}

// BalanceFetcher reads the native and token balance of address through the
// live provider handle.
type BalanceFetcher interface {
	Fetch(ctx context.Context, handle connector.ProviderHandle, address string, networkID uint64) (assets.Balance, error)
}

// Config wires a Manager to its collaborators. Zero durations fall back to
// the package defaults.
type Config struct {
	Metadata MetadataSource
	Balances BalanceFetcher
	// Chains is optional; without it every network counts as supported.
	Chains       SupportedChains
	PollInterval time.Duration
	RPCTimeout   time.Duration
}

type handleRef struct {
	h connector.ProviderHandle
}

// Manager is the wallet session. It is safe for concurrent use; see the
// package doc for how state is owned.
type Manager struct {
	cfg    Config
	bridge *bridge.Bridge
	poller *poller.Poller

	ctx       context.Context
	cancel    context.CancelFunc
	inbox     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	current atomic.Pointer[Snapshot]
	live    atomic.Pointer[handleRef]

	subsMu  sync.Mutex
	subs    map[uint64]chan Snapshot
	nextSub uint64

	// Everything below is owned by the loop goroutine.
	factory     connector.Factory
	state       ConnectionState
	epoch       uint64
	waiters     []chan<- error
	handle      connector.ProviderHandle
	info        *connector.ProviderInfo
	att         bridge.Attachment
	accountID   string
	networkID   uint64
	chainID     uint64
	networkData *networks.NetworkMetadata
	blockNumber uint64
	blockSeq    uint64
	balance     *assets.Balance
	lastErr     error
	revision    uint64
}

// NewManager validates cfg and starts the session loop. The session begins
// Disconnected with no connector; call SetConnector once one exists and
// Close when done.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Metadata == nil {
		return nil, errors.New("web3: metadata source is required")
	}
	if cfg.Balances == nil {
		return nil, errors.New("web3: balance fetcher is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.BalanceRefreshInterval
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = constants.RPCTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		bridge: bridge.New(),
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan func(), inboxSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		subs:   make(map[uint64]chan Snapshot),
	}
	m.poller = poller.New(cfg.PollInterval, m.fetchBalance, m.publishBalance)
	m.publish()

	go m.loop()
	return m, nil
}

// Snapshot returns the latest published state.
func (m *Manager) Snapshot() Snapshot {
	return *m.current.Load()
}

// Subscribe delivers the current snapshot and every later one. Slow readers
// only ever see the latest. The returned func unsubscribes and closes the
// channel.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.subsMu.Lock()
	ch <- *m.current.Load()
	select {
	case <-m.quit:
		m.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// WaitFor blocks until a published snapshot satisfies cond.
func (m *Manager) WaitFor(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	ch, cancel := m.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return m.Snapshot(), ctx.Err()
		case s, ok := <-ch:
			if !ok {
				return m.Snapshot(), ErrSessionClosed
			}
			if cond(s) {
				return s, nil
			}
		}
	}
}

// SetConnector injects the connector once the host has initialized it. A
// cached provider triggers one automatic connect when nothing is connected
// or connecting.
func (m *Manager) SetConnector(f connector.Factory) {
	m.post(func() {
		m.factory = f
		if f == nil {
			return
		}
		cached := f.CachedProvider()
		if cached == "" || m.state != Disconnected {
			return
		}
		log.Info("[web3] cached provider found, reconnecting", "provider", cached)
		m.startConnect(nil)
	})
}

// Connect establishes a session. Without a connector it returns nil and the
// session stays Disconnected. Calls made while a connect is in flight join
// it; calls made while Connected return nil.
func (m *Manager) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	if !m.post(func() { m.startConnect(reply) }) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Logout tears the session down and clears the cached provider marker.
func (m *Manager) Logout(ctx context.Context) error {
	reply := make(chan error, 1)
	if !m.post(func() { reply <- m.teardown(true) }) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the session without touching the cached provider marker,
// so the next start reconnects.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		released := make(chan struct{})
		if m.post(func() {
			_ = m.teardown(false)
			close(released)
		}) {
			<-released
		}
		m.cancel()
		close(m.quit)
		<-m.done

		m.subsMu.Lock()
		for id, ch := range m.subs {
			delete(m.subs, id)
			close(ch)
		}
		m.subsMu.Unlock()
	})
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) post(fn func()) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	select {
	case m.inbox <- fn:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Manager) postCtx(ctx context.Context, fn func()) bool {
	select {
	case m.inbox <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-m.quit:
		return false
	}
}

func (m *Manager) startConnect(reply chan<- error) {
	if m.factory == nil {
		log.Info("[web3] connect skipped, connector not initialized")
		m.publish()
		sendReply(reply, nil)
		return
	}

	switch m.state {
	case Connected:
		sendReply(reply, nil)
		return
	case Connecting:
		m.waiters = append(m.waiters, reply)
		return
	}

	m.epoch++
	m.state = Connecting
	m.lastErr = nil
	m.waiters = append(m.waiters, reply)
	m.publish()

	go m.openHandle(m.epoch, m.factory)
}

// openHandle runs off the loop: it asks the connector for a handle and reads
// accounts, network id and chain id before handing back to the loop.
func (m *Manager) openHandle(epoch uint64, factory connector.Factory) {
	handle, err := factory.Connect(m.ctx)
	if err != nil {
		m.post(func() { m.connectFailed(epoch, nil, err) })
		return
	}

	account, networkID, chainID, err := m.readIdentity(handle)
	if err != nil {
		if !m.post(func() { m.connectFailed(epoch, handle, err) }) {
			closeHandle(handle)
		}
		return
	}

	if !m.post(func() { m.handleReady(epoch, handle, account, networkID, chainID) }) {
		closeHandle(handle)
	}
}

func (m *Manager) readIdentity(handle connector.ProviderHandle) (string, uint64, uint64, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RPCTimeout)
	defer cancel()

	accounts, err := handle.Accounts(ctx)
	if err != nil {
		return "", 0, 0, rpcRead(err, "read accounts")
	}
	if len(accounts) == 0 {
		return "", 0, 0, ErrNoAccount
	}
	networkID, err := handle.NetworkID(ctx)
	if err != nil {
		return "", 0, 0, rpcRead(err, "read network id")
	}
	chainID, err := handle.ChainID(ctx)
	if err != nil {
		return "", 0, 0, rpcRead(err, "read chain id")
	}
	return accounts[0], networkID, chainID, nil
}

func (m *Manager) connectFailed(epoch uint64, handle connector.ProviderHandle, err error) {
	if handle != nil {
		closeHandle(handle)
	}
	if epoch != m.epoch || m.state != Connecting {
		return
	}
	m.fail(err)
}

func (m *Manager) handleReady(epoch uint64, handle connector.ProviderHandle, accountID string, networkID, chainID uint64) {
	if epoch != m.epoch || m.state != Connecting {
		closeHandle(handle)
		return
	}

	m.handle = handle
	m.info = connector.InfoFor(handle)
	m.live.Store(&handleRef{h: handle})
	m.accountID = accountID
	m.networkID = networkID
	m.chainID = chainID
	m.networkData = networks.Resolve(networkID, m.cfg.Metadata.Table())

	att, err := m.bridge.Attach(handle, m.callbacks())
	if err != nil {
		m.fail(err)
		return
	}
	m.att = att

	m.poller.Start(accountID, networkID)
	m.fetchBlock(true)
}

func (m *Manager) callbacks() bridge.Callbacks {
	return bridge.Callbacks{
		OnNetwork: func(att bridge.Attachment, chainID, networkID uint64) {
			m.post(func() { m.handleNetwork(att, chainID, networkID) })
		},
		OnAccounts: func(att bridge.Attachment, accounts []string) {
			m.post(func() { m.handleAccounts(att, accounts) })
		},
		OnError: func(att bridge.Attachment, err error) {
			m.post(func() { m.handleEventError(att, err) })
		},
	}
}

// fetchBlock reads the head block off the loop. Only the newest read is
// applied; when completing is set it also finishes the connect sequence.
func (m *Manager) fetchBlock(completing bool) {
	m.blockSeq++
	seq, epoch, att, handle := m.blockSeq, m.epoch, m.att, m.handle

	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RPCTimeout)
		defer cancel()
		n, err := handle.BlockNumber(ctx)
		m.post(func() { m.handleBlock(seq, epoch, att, completing, n, err) })
	}()
}

func (m *Manager) handleBlock(seq, epoch uint64, att bridge.Attachment, completing bool, n uint64, err error) {
	if seq != m.blockSeq || epoch != m.epoch || att != m.att || !m.bridge.Current(att) {
		return
	}

	if err != nil {
		err = rpcRead(err, "read block number")
		if completing && m.state == Connecting {
			m.fail(err)
			return
		}
		log.Warn("[web3] block number refresh failed", "networkId", m.networkID, "error", err)
		return
	}

	m.blockNumber = n
	if completing && m.state == Connecting {
		m.state = Connected
		log.Info("[web3] connected",
			"account", m.accountID,
			"networkId", m.networkID,
			"chainId", m.chainID,
			"network", networks.DisplayName(m.networkData, m.networkID))
		m.publish()
		m.flush(nil)
		return
	}
	if m.state == Connected {
		m.publish()
	}
}

func (m *Manager) handleNetwork(att bridge.Attachment, chainID, networkID uint64) {
	if att != m.att || !m.bridge.Current(att) {
		return
	}
	if chainID == m.chainID && networkID == m.networkID {
		return
	}

	m.chainID = chainID
	m.networkID = networkID
	m.networkData = networks.Resolve(networkID, m.cfg.Metadata.Table())
	m.balance = nil
	log.Info("[web3] network changed",
		"networkId", networkID,
		"chainId", chainID,
		"network", networks.DisplayName(m.networkData, networkID))

	// same poll key on a new chain still gets a fresh generation
	m.poller.Stop()
	m.poller.Start(m.accountID, networkID)
	if m.state == Connected {
		m.publish()
	}
	m.fetchBlock(m.state == Connecting)
}

// handleEventError runs when the bridge dropped a provider event because a
// follow-up read failed; the network is read again in the background.
func (m *Manager) handleEventError(att bridge.Attachment, err error) {
	if att != m.att || !m.bridge.Current(att) {
		return
	}
	log.Warn("[web3] provider event lost, re-reading network", "networkId", m.networkID, "error", err)
	m.resyncNetwork()
}

func (m *Manager) resyncNetwork() {
	att, handle := m.att, m.handle
	cfg := retry.DefaultConfig()
	cfg.MaxNumRetries = constants.ResyncAttempts
	cfg.InitialDelayBeforeRetrying = constants.ResyncDelay
	cfg.MaxDelayBeforeRetrying = m.cfg.RPCTimeout

	go func() {
		res, err := retry.Retry(m.ctx, cfg,
			func(ctx context.Context) ([]interface{}, error) {
				if !m.bridge.Current(att) {
					return nil, errDetached
				}
				ctx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
				defer cancel()
				chainID, err := handle.ChainID(ctx)
				if err != nil {
					return nil, rpcRead(err, "read chain id")
				}
				networkID, err := handle.NetworkID(ctx)
				if err != nil {
					return nil, rpcRead(err, "read network id")
				}
				return []interface{}{chainID, networkID}, nil
			},
			func(err error) bool { return !errors.Is(err, errDetached) },
			"re-read provider network")
		if err != nil {
			if !errors.Is(err, errDetached) {
				log.Warn("[web3] network resync failed", "error", err)
			}
			return
		}
		chainID, networkID := res[0].(uint64), res[1].(uint64)
		m.post(func() { m.handleNetwork(att, chainID, networkID) })
	}()
}

func (m *Manager) handleAccounts(att bridge.Attachment, accounts []string) {
	if att != m.att || !m.bridge.Current(att) {
		return
	}
	if len(accounts) == 0 {
		log.Info("[web3] wallet disconnected by provider")
		_ = m.teardown(false)
		return
	}
	if strings.EqualFold(accounts[0], m.accountID) {
		return
	}

	m.accountID = accounts[0]
	m.balance = nil
	log.Info("[web3] account changed", "account", m.accountID)

	m.poller.Start(m.accountID, m.networkID)
	if m.state == Connected {
		m.publish()
	}
}

func (m *Manager) fetchBalance(ctx context.Context, accountID string, networkID uint64) (assets.Balance, error) {
	ref := m.live.Load()
	if ref == nil {
		return assets.Balance{}, ErrSessionClosed
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
	defer cancel()

	bal, err := m.cfg.Balances.Fetch(ctx, ref.h, accountID, networkID)
	if err != nil {
		return assets.Balance{}, rpcRead(err, "fetch balance")
	}
	return bal, nil
}

func (m *Manager) publishBalance(ctx context.Context, gen poller.Generation, bal assets.Balance) {
	m.postCtx(ctx, func() {
		if !m.poller.Current(gen) {
			return
		}
		m.balance = &bal
		if m.state == Connected {
			m.publish()
		}
	})
}

// fail rolls a connect attempt back to a clean Failed state.
func (m *Manager) fail(err error) {
	m.epoch++
	m.release()
	m.state = Failed
	m.lastErr = err
	log.Warn("[web3] connect failed", "error", err)
	m.publish()
	m.flush(err)
}

// teardown stops the poller, detaches the bridge and closes the handle, in
// that order, then publishes Disconnected. Pending connects get
// ErrSessionClosed.
func (m *Manager) teardown(clearMarker bool) error {
	m.epoch++
	m.release()

	var err error
	if clearMarker && m.factory != nil {
		if err = m.factory.ClearCachedProvider(); err != nil {
			err = errors.Wrap(err, "clear cached provider")
			log.Warn("[web3] logout", "error", err)
		}
	}

	m.state = Disconnected
	m.lastErr = nil
	m.publish()
	m.flush(ErrSessionClosed)
	return err
}

func (m *Manager) release() {
	m.poller.Stop()
	if m.handle != nil {
		m.bridge.Detach(m.handle)
		closeHandle(m.handle)
	}

	m.live.Store(nil)
	m.handle = nil
	m.info = nil
	m.att = 0
	m.accountID = ""
	m.networkID = 0
	m.chainID = 0
	m.networkData = nil
	m.blockNumber = 0
	m.balance = nil
}

func (m *Manager) flush(err error) {
	for _, w := range m.waiters {
		sendReply(w, err)
	}
	m.waiters = nil
}

func (m *Manager) publish() {
	m.revision++
	s := Snapshot{
		State:     m.state,
		IsTestnet: networks.IsTestnet(nil),
		Revision:  m.revision,
	}
	if m.state == Connected {
		s.ProviderInfo = m.info
		s.AccountID = m.accountID
		s.NetworkID = m.networkID
		s.ChainID = m.chainID
		s.NetworkData = m.networkData
		s.NetworkDisplayName = networks.DisplayName(m.networkData, m.networkID)
		s.IsTestnet = networks.IsTestnet(m.networkData)
		s.Supported = m.cfg.Chains == nil || m.cfg.Chains.IsSupported(m.networkID)
		s.BlockNumber = m.blockNumber
		if m.balance != nil {
			b := *m.balance
			s.Balance = &b
		}
	}
	if m.state == Failed && m.lastErr != nil {
		s.Error = m.lastErr.Error()
	}
	m.current.Store(&s)

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func sendReply(ch chan<- error, err error) {
	if ch != nil {
		ch <- err
	}
}

func closeHandle(handle connector.ProviderHandle) {
	c, ok := handle.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Warn("[web3] close provider handle", "error", err)
	}
}
