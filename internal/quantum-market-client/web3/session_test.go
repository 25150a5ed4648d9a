package web3

import (
	"context"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/assets"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/connector"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/connector/connectortest"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/networks"
)

func marketTable() networks.Table {
	return networks.Table{
		{Chain: "ETH", Network: "mainnet", NetworkID: 1, ChainID: 1},
		{
			Name:      "GAIA-X",
			Chain:     "GX",
			Network:   "gaiaxtestnet",
			NetworkID: 2021000,
			ChainID:   2021000,
		},
	}
}

type stubBalances struct {
	mu    sync.Mutex
	gate  chan struct{}
	calls atomic.Int64
}

func (s *stubBalances) hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (s *stubBalances) Fetch(ctx context.Context, handle connector.ProviderHandle, address string, networkID uint64) (assets.Balance, error) {
	s.calls.Add(1)
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	native, err := assets.NativeBalance(ctx, handle, address)
	if err != nil {
		return assets.Balance{}, err
	}
	return assets.Balance{Native: native, Token: address + "@" + strconv.FormatUint(networkID, 10)}, nil
}

type supportedSet map[uint64]bool

func (s supportedSet) IsSupported(id uint64) bool { return s[id] }

func newTestManager(t *testing.T) (*Manager, *stubBalances) {
	t.Helper()
	balances := &stubBalances{}
	m, err := NewManager(Config{
		Metadata:     MetadataFunc(marketTable),
		Balances:     balances,
		Chains:       supportedSet{3: true, 4: true, 2021000: true},
		PollInterval: time.Hour,
		RPCTimeout:   time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, balances
}

func waitFor(t *testing.T, m *Manager, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := m.WaitFor(ctx, cond)
	require.NoError(t, err, "waiting for %s, last snapshot %+v", what, m.Snapshot())
	return s
}

func connected(t *testing.T, m *Manager, f connector.Factory) Snapshot {
	t.Helper()
	m.SetConnector(f)
	require.NoError(t, m.Connect(context.Background()))
	s := m.Snapshot()
	require.Equal(t, Connected, s.State)
	return s
}

func TestConnectWithoutConnectorIsSkipped(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.Connect(context.Background()))
	s := m.Snapshot()
	assert.Equal(t, Disconnected, s.State)
	assert.Empty(t, s.AccountID)
	assert.Empty(t, s.Error)
}

func TestConnectUnknownNetwork(t *testing.T) {
	m, _ := newTestManager(t)
	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	p.SetBlock(42)
	p.SetBalance("0xAA", big.NewInt(1500000000000000000))

	s := connected(t, m, connectortest.NewFactory(p))
	assert.Equal(t, "0xAA", s.AccountID)
	assert.Equal(t, uint64(3), s.NetworkID)
	assert.Equal(t, uint64(3), s.ChainID)
	assert.Nil(t, s.NetworkData)
	assert.Equal(t, "Unknown Network (3)", s.NetworkDisplayName)
	assert.True(t, s.IsTestnet)
	assert.True(t, s.Supported)
	assert.Equal(t, uint64(42), s.BlockNumber)
	require.NotNil(t, s.ProviderInfo)
	assert.Equal(t, "fake", s.ProviderInfo.ID)
	assert.Equal(t, 3, p.TotalListeners())

	s = waitFor(t, m, "balance", func(s Snapshot) bool { return s.Balance != nil })
	assert.Equal(t, assets.Balance{Native: "1.5", Token: "0xAA@3"}, *s.Balance)
}

func TestNetworkChangedToKnownTestnet(t *testing.T) {
	m, balances := newTestManager(t)
	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	connected(t, m, connectortest.NewFactory(p))
	waitFor(t, m, "first balance", func(s Snapshot) bool { return s.Balance != nil })

	blocksBefore := p.BlockCalls()
	fetchesBefore := balances.calls.Load()
	p.SetBlock(900)
	p.SwitchNetwork(2021000, 2021000)

	s := waitFor(t, m, "gaia-x", func(s Snapshot) bool {
		return s.NetworkID == 2021000 && s.BlockNumber == 900 && s.Balance != nil && s.Balance.Token == "0xAA@2021000"
	})
	assert.Equal(t, Connected, s.State)
	assert.Equal(t, uint64(2021000), s.ChainID)
	assert.Equal(t, "GAIA-X", s.NetworkDisplayName)
	assert.True(t, s.IsTestnet)
	require.NotNil(t, s.NetworkData)
	assert.Equal(t, "gaiaxtestnet", s.NetworkData.Network)
	assert.Greater(t, p.BlockCalls(), blocksBefore)
	assert.Greater(t, balances.calls.Load(), fetchesBefore)
	assert.Equal(t, 3, p.TotalListeners())
}

func TestChainChangedRequeriesNetworkID(t *testing.T) {
	m, _ := newTestManager(t)
	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	connected(t, m, connectortest.NewFactory(p))

	p.SwitchChain(1, 1)
	s := waitFor(t, m, "mainnet", func(s Snapshot) bool { return s.ChainID == 1 && s.NetworkID == 1 })
	assert.False(t, s.IsTestnet)
	assert.Equal(t, "ETH", s.NetworkDisplayName)
	assert.False(t, s.Supported)
}

func TestChainOnlySwitchRefreshesBalance(t *testing.T) {
	m, balances := newTestManager(t)
	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	connected(t, m, connectortest.NewFactory(p))
	first := waitFor(t, m, "balance", func(s Snapshot) bool { return s.Balance != nil })
	fetches := balances.calls.Load()

	p.SwitchChain(5, 3)
	s := waitFor(t, m, "chain 5", func(s Snapshot) bool { return s.ChainID == 5 && s.Revision > first.Revision })
	assert.Equal(t, uint64(3), s.NetworkID)
	require.Eventually(t, func() bool { return balances.calls.Load() > fetches }, time.Second, 5*time.Millisecond)

	s = waitFor(t, m, "balance on chain 5", func(s Snapshot) bool { return s.ChainID == 5 && s.Balance != nil })
	assert.Equal(t, "0xAA@3", s.Balance.Token)
	assert.Equal(t, 1, m.poller.Live())
	assert.LessOrEqual(t, m.poller.Peak(), 1)
}

func TestLostChainEventIsResynced(t *testing.T) {
	m, _ := newTestManager(t)
	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	connected(t, m, connectortest.NewFactory(p))
	calls := p.NetworkIDCalls()

	p.SetNetworkError(errors.New("rpc timeout"))
	p.SwitchChain(4, 4)
	// one read from the bridge, at least one from the resync
	require.Eventually(t, func() bool { return p.NetworkIDCalls() >= calls+2 }, time.Second, 5*time.Millisecond)
	s := m.Snapshot()
	assert.Equal(t, Connected, s.State)
	assert.Equal(t, uint64(3), s.ChainID)
	assert.Equal(t, uint64(3), s.NetworkID)

	p.SetNetworkError(nil)
	s = waitFor(t, m, "resynced network", func(s Snapshot) bool { return s.ChainID == 4 && s.NetworkID == 4 })
	assert.Equal(t, Connected, s.State)
	assert.Equal(t, 3, p.TotalListeners())
}

func TestAccountsChangedRestartsPollerOnly(t *testing.T) {
	m, _ := newTestManager(t)
	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	connected(t, m, connectortest.NewFactory(p))
	attBefore := m.bridge.Attached()

	p.SwitchAccounts("0xBB")
	s := waitFor(t, m, "new account balance", func(s Snapshot) bool {
		return s.AccountID == "0xBB" && s.Balance != nil && s.Balance.Token == "0xBB@3"
	})
	assert.Equal(t, uint64(3), s.NetworkID)
	assert.Equal(t, 3, p.TotalListeners())
	assert.Same(t, attBefore, m.bridge.Attached())
	assert.LessOrEqual(t, m.poller.Peak(), 1)
}

func TestDuplicateEventsAreNoops(t *testing.T) {
	m, _ := newTestManager(t)
	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	connected(t, m, connectortest.NewFactory(p))
	s := waitFor(t, m, "balance", func(s Snapshot) bool { return s.Balance != nil })

	p.SwitchAccounts("0xaa")
	p.SwitchNetwork(3, 3)
	time.Sleep(100 * time.Millisecond)

	after := m.Snapshot()
	assert.Equal(t, s.Revision, after.Revision)
}

func TestEventOrderIndependence(t *testing.T) {
	orders := map[string]func(p *connectortest.Provider){
		"chain first": func(p *connectortest.Provider) {
			p.SwitchChain(2021000, 2021000)
			p.SwitchAccounts("0xCC")
		},
		"accounts first": func(p *connectortest.Provider) {
			p.SwitchAccounts("0xCC")
			p.SwitchChain(2021000, 2021000)
		},
	}
	for name, apply := range orders {
		t.Run(name, func(t *testing.T) {
			m, _ := newTestManager(t)
			p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
			connected(t, m, connectortest.NewFactory(p))

			apply(p)
			s := waitFor(t, m, "provider truth", func(s Snapshot) bool {
				return s.AccountID == "0xCC" && s.NetworkID == 2021000 && s.ChainID == 2021000
			})
			assert.Equal(t, "GAIA-X", s.NetworkDisplayName)
		})
	}
}

func TestEmptyAccountsIsProviderDisconnect(t *testing.T) {
	m, _ := newTestManager(t)
	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	f := connectortest.NewFactory(p)
	connected(t, m, f)

	p.SwitchAccounts()
	s := waitFor(t, m, "disconnected", func(s Snapshot) bool { return s.State == Disconnected })
	assert.Empty(t, s.AccountID)
	assert.Nil(t, s.Balance)
	assert.Equal(t, 0, p.TotalListeners())
	assert.Equal(t, 1, p.Closed())
	assert.Equal(t, 0, f.Cleared())
	assert.False(t, m.poller.Active())
}

func TestConcurrentConnectsJoin(t *testing.T) {
	m, _ := newTestManager(t)
	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	f := connectortest.NewFactory(p)
	release := f.Hold()
	m.SetConnector(f)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- m.Connect(context.Background()) }()
	}
	waitFor(t, m, "connecting", func(s Snapshot) bool { return s.State == Connecting })
	require.Eventually(t, func() bool { return len(m.waitersForTest()) == 2 }, time.Second, 5*time.Millisecond)
	release()

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, 1, f.Connects())
	assert.Equal(t, 3, p.TotalListeners())
	assert.Equal(t, Connected, m.Snapshot().State)

	// already connected
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, f.Connects())
}

func TestLogoutThenConnectDoesNotLeak(t *testing.T) {
	m, _ := newTestManager(t)
	first := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	second := connectortest.NewProvider([]string{"0xBB"}, 4, 4)
	f := connectortest.NewFactory(first, second)
	connected(t, m, f)

	require.NoError(t, m.Logout(context.Background()))
	s := m.Snapshot()
	assert.Equal(t, Disconnected, s.State)
	assert.Empty(t, s.AccountID)
	assert.Equal(t, 0, first.TotalListeners())
	assert.Equal(t, 1, first.Closed())
	assert.Equal(t, 1, f.Cleared())
	assert.Empty(t, f.CachedProvider())
	assert.False(t, m.poller.Active())

	require.NoError(t, m.Connect(context.Background()))
	s = m.Snapshot()
	assert.Equal(t, "0xBB", s.AccountID)
	assert.Equal(t, 0, first.TotalListeners())
	assert.Equal(t, 3, second.TotalListeners())
	assert.LessOrEqual(t, m.poller.Peak(), 1)

	// events on the retired handle go nowhere
	assert.Equal(t, 0, first.SwitchAccounts("0xDD"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "0xBB", m.Snapshot().AccountID)
}

func TestLogoutDiscardsInFlightBalance(t *testing.T) {
	m, balances := newTestManager(t)
	release := balances.hold()
	defer release()

	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	connected(t, m, connectortest.NewFactory(p))
	require.Eventually(t, func() bool { return balances.calls.Load() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Logout(context.Background()))
	release()
	time.Sleep(50 * time.Millisecond)

	s := m.Snapshot()
	assert.Equal(t, Disconnected, s.State)
	assert.Nil(t, s.Balance)
}

func TestLogoutAbandonsInFlightConnect(t *testing.T) {
	m, _ := newTestManager(t)
	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	f := connectortest.NewFactory(p)
	release := f.Hold()
	m.SetConnector(f)

	errs := make(chan error, 1)
	go func() { errs <- m.Connect(context.Background()) }()
	waitFor(t, m, "connecting", func(s Snapshot) bool { return s.State == Connecting })

	require.NoError(t, m.Logout(context.Background()))
	assert.True(t, errors.Is(<-errs, ErrSessionClosed))

	release()
	require.Eventually(t, func() bool { return p.Closed() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, p.TotalListeners())
	assert.Equal(t, Disconnected, m.Snapshot().State)
}

func TestConnectFailureRollsBackAndRetries(t *testing.T) {
	m, _ := newTestManager(t)
	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	f := connectortest.NewFactory(p)
	f.FailNext(connector.ErrConnectionRejected)
	m.SetConnector(f)

	err := m.Connect(context.Background())
	assert.True(t, errors.Is(err, connector.ErrConnectionRejected))
	s := m.Snapshot()
	assert.Equal(t, Failed, s.State)
	assert.NotEmpty(t, s.Error)
	assert.Empty(t, s.AccountID)
	assert.Zero(t, s.NetworkID)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, Connected, m.Snapshot().State)
	assert.Empty(t, m.Snapshot().Error)
}

func TestReadFailuresRollBack(t *testing.T) {
	tests := map[string]struct {
		breakProvider func(p *connectortest.Provider)
		wantErr       error
	}{
		"accounts": {func(p *connectortest.Provider) { p.SetAccountsError(errors.New("boom")) }, ErrRPCRead},
		"network":  {func(p *connectortest.Provider) { p.SetNetworkError(errors.New("boom")) }, ErrRPCRead},
		"chain":    {func(p *connectortest.Provider) { p.SetChainError(errors.New("boom")) }, ErrRPCRead},
		"block":    {func(p *connectortest.Provider) { p.SetBlockError(errors.New("boom")) }, ErrRPCRead},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			m, _ := newTestManager(t)
			p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
			tt.breakProvider(p)
			m.SetConnector(connectortest.NewFactory(p))

			err := m.Connect(context.Background())
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)

			s := m.Snapshot()
			assert.Equal(t, Failed, s.State)
			assert.Empty(t, s.AccountID)
			assert.Nil(t, s.Balance)
			assert.Equal(t, 0, p.TotalListeners())
			assert.Equal(t, 1, p.Closed())
			assert.False(t, m.poller.Active())
		})
	}
}

func TestNoAccountFails(t *testing.T) {
	m, _ := newTestManager(t)
	p := connectortest.NewProvider(nil, 3, 3)
	m.SetConnector(connectortest.NewFactory(p))

	err := m.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrNoAccount))
	assert.Equal(t, Failed, m.Snapshot().State)
}

type refusingProvider struct {
	*connectortest.Provider
}

func (p refusingProvider) On(name connector.EventName, h connector.Handler) connector.ListenerID {
	if name == connector.EventNetworkChanged {
		return ""
	}
	return p.Provider.On(name, h)
}

type refusingFactory struct {
	*connectortest.Factory
	p refusingProvider
}

func (f refusingFactory) Connect(ctx context.Context) (connector.ProviderHandle, error) {
	if _, err := f.Factory.Connect(ctx); err != nil {
		return nil, err
	}
	return f.p, nil
}

func TestListenerAttachFailureRollsBack(t *testing.T) {
	m, _ := newTestManager(t)
	inner := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	p := refusingProvider{inner}
	m.SetConnector(refusingFactory{Factory: connectortest.NewFactory(inner), p: p})

	err := m.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrListenerAttach))
	assert.Equal(t, Failed, m.Snapshot().State)
	assert.Equal(t, 0, inner.TotalListeners())
	assert.False(t, m.poller.Active())
}

func TestBlockRefreshFailureIsIsolated(t *testing.T) {
	m, _ := newTestManager(t)
	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	p.SetBlock(7)
	connected(t, m, connectortest.NewFactory(p))

	p.SetBlockError(errors.New("timeout"))
	p.SwitchNetwork(2021000, 2021000)

	s := waitFor(t, m, "network switch", func(s Snapshot) bool { return s.NetworkID == 2021000 })
	require.Eventually(t, func() bool { return p.BlockCalls() >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	s = m.Snapshot()
	assert.Equal(t, Connected, s.State)
	assert.Equal(t, uint64(7), s.BlockNumber)
}

func TestBalanceFailureKeepsLastValue(t *testing.T) {
	balances := &stubBalances{}
	m, err := NewManager(Config{
		Metadata:     MetadataFunc(marketTable),
		Balances:     balances,
		PollInterval: 10 * time.Millisecond,
		RPCTimeout:   time.Second,
	})
	require.NoError(t, err)
	defer m.Close()

	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	p.SetBalance("0xAA", big.NewInt(2e18))
	connected(t, m, connectortest.NewFactory(p))
	waitFor(t, m, "balance", func(s Snapshot) bool { return s.Balance != nil && s.Balance.Native == "2" })

	p.SetBalanceError(errors.New("rpc down"))
	calls := balances.calls.Load()
	require.Eventually(t, func() bool { return balances.calls.Load() > calls+2 }, time.Second, 5*time.Millisecond)

	s := m.Snapshot()
	assert.Equal(t, Connected, s.State)
	require.NotNil(t, s.Balance)
	assert.Equal(t, "2", s.Balance.Native)
	assert.Equal(t, 1, m.poller.Live())
}

func TestAutoReconnectWithCachedProvider(t *testing.T) {
	m, _ := newTestManager(t)
	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	f := connectortest.NewFactory(p)
	f.SetCached("fake")

	m.SetConnector(f)
	waitFor(t, m, "auto connect", func(s Snapshot) bool { return s.State == Connected })
	assert.Equal(t, 1, f.Connects())

	// a second injection while connected does not reconnect
	m.SetConnector(f)
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, f.Connects())
	assert.Equal(t, 3, p.TotalListeners())
}

func TestAutoReconnectJoinsManualConnect(t *testing.T) {
	m, _ := newTestManager(t)
	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	f := connectortest.NewFactory(p)
	release := f.Hold()
	defer release()
	m.SetConnector(f)

	errs := make(chan error, 1)
	go func() { errs <- m.Connect(context.Background()) }()
	waitFor(t, m, "connecting", func(s Snapshot) bool { return s.State == Connecting })

	// the marker shows up while the manual attempt is still open
	f.SetCached("fake")
	m.SetConnector(f)
	release()

	require.NoError(t, <-errs)
	s := waitFor(t, m, "connected", func(s Snapshot) bool { return s.State == Connected })
	assert.Equal(t, "0xAA", s.AccountID)
	assert.Equal(t, 1, f.Connects())
	assert.Equal(t, 3, p.TotalListeners())
}

func TestNoAutoReconnectWithoutMarker(t *testing.T) {
	m, _ := newTestManager(t)
	f := connectortest.NewFactory(connectortest.NewProvider([]string{"0xAA"}, 3, 3))

	m.SetConnector(f)
	// SetConnector is processed in order with Connect, so this observes it
	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, 0, f.Connects())
}

func TestSubscribeAndClose(t *testing.T) {
	m, _ := newTestManager(t)
	ch, cancel := m.Subscribe()
	defer cancel()

	first := <-ch
	assert.Equal(t, Disconnected, first.State)

	p := connectortest.NewProvider([]string{"0xAA"}, 3, 3)
	connected(t, m, connectortest.NewFactory(p))

	m.Close()
	var last Snapshot
	for s := range ch {
		last = s
	}
	assert.Equal(t, Disconnected, last.State)
	assert.Equal(t, 1, p.Closed())
	assert.Equal(t, 0, p.TotalListeners())
	assert.True(t, errors.Is(m.Connect(context.Background()), ErrSessionClosed))

	late, _ := m.Subscribe()
	_, ok := <-late
	assert.True(t, ok)
	_, ok = <-late
	assert.False(t, ok)
}

func TestSnapshotJSONState(t *testing.T) {
	b, err := Connected.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "connected", string(b))

	var s ConnectionState
	require.NoError(t, s.UnmarshalText([]byte("failed")))
	assert.Equal(t, Failed, s)
	require.Error(t, s.UnmarshalText([]byte("sleeping")))
	assert.Equal(t, "unknown", ConnectionState(99).String())
}
