package networks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureFromConfigCreatesFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "networks.json")
	m := NewManagerAt(path)

	require.NoError(t, m.EnsureFromConfig(ctx, testTable()))

	_, err := os.Stat(path)
	require.NoError(t, err)

	table := m.Table()
	require.Len(t, table, 3)
	assert.Equal(t, uint64(1), table[0].NetworkID)
	assert.Equal(t, uint64(3), table[1].NetworkID)
	assert.Equal(t, uint64(2021000), table[2].NetworkID)

	reloaded := NewManagerAt(path)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, table, reloaded.Table())
}

func TestEnsureFromConfigKeepsUserValues(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "networks.json")
	raw := `{"schema":1,"networks":{"2021000":{"name":"My Gaia","chain":"GX","networkId":2021000}}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	m := NewManagerAt(path)

	require.NoError(t, m.EnsureFromConfig(ctx, testTable()))

	got, ok, err := m.FindByNetworkID(ctx, 2021000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "My Gaia", got.Name, "user value must not be overwritten")
	assert.Equal(t, "gaiaxtestnet", got.Network, "blank field is filled from defaults")
	assert.Equal(t, "GX", got.NativeCurrency.Symbol)
	assert.Equal(t, uint64(2021000), got.ChainID)
}

func TestEnsureFromConfigNormalizesDefaults(t *testing.T) {
	ctx := context.Background()
	m := NewManagerAt(filepath.Join(t.TempDir(), "networks.json"))

	require.NoError(t, m.EnsureFromConfig(ctx, Table{
		{Chain: "ETH"},
		{NetworkID: 9},
		{Chain: " ETH ", Network: "Goerli", NetworkID: 5},
	}))

	table := m.Table()
	require.Len(t, table, 1, "entries without an id or a chain are skipped")
	assert.Equal(t, "ETH", table[0].Chain)
	assert.Equal(t, "goerli", table[0].Network)
	assert.Equal(t, uint64(5), table[0].ChainID, "chain id defaults to network id")
}

func TestFindByNetworkID(t *testing.T) {
	ctx := context.Background()
	m := NewManagerAt(filepath.Join(t.TempDir(), "networks.json"))
	require.NoError(t, m.EnsureFromConfig(ctx, testTable()))

	got, ok, err := m.FindByNetworkID(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), got.NetworkID)

	_, ok, err = m.FindByNetworkID(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = m.FindByNetworkID(ctx, 0)
	require.Error(t, err)
}

func TestLoadSkipsInvalidEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "networks.json")
	raw := `{"schema":0,"networks":{"1":{"chain":"ETH","network":"mainnet","networkId":1},"x":{"chain":"broken"}}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	m := NewManagerAt(path)
	require.NoError(t, m.Load(ctx))

	table := m.Table()
	require.Len(t, table, 1)
	assert.Equal(t, uint64(1), table[0].NetworkID)
}

func TestProbeRPCRejectsBadURLs(t *testing.T) {
	m := NewManagerAt(filepath.Join(t.TempDir(), "networks.json"))

	_, err := m.ProbeRPC(context.Background(), "  ")
	require.Error(t, err)

	_, err = m.ProbeRPC(context.Background(), "ftp://node.example")
	require.Error(t, err)

	_, err = m.ProbeRPC(context.Background(), "not a url")
	require.Error(t, err)
}
