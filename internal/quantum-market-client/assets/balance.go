package assets

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/connector"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/constants"
)

// Balance is what the session shows for the current account.
type Balance struct {
	Native string `json:"native"`
	Token  string `json:"token"`
}

// NativeBalance reads the account's native balance in whole-coin units.
func NativeBalance(ctx context.Context, handle connector.ProviderHandle, address string) (string, error) {
	if handle == nil {
		return "", errors.New("assets: no provider handle")
	}
	wei, err := handle.Balance(ctx, address)
	if err != nil {
		return "", errors.Wrap(err, "assets: native balance")
	}
	return FormatUnits(wei, constants.NativeDecimals, constants.NativeDecimals), nil
}

// NodeClients hands out a node client per network for handles that cannot
// make contract calls themselves.
type NodeClients interface {
	ClientForNetwork(ctx context.Context, networkID uint64) (*ethclient.Client, error)
}

// Fetcher reads both balances for one account on one network.
type Fetcher struct {
	Tokens *TokenBalancer
	// Nodes may be nil.
	Nodes NodeClients
}

func (f *Fetcher) Fetch(ctx context.Context, handle connector.ProviderHandle, address string, networkID uint64) (Balance, error) {
	native, err := NativeBalance(ctx, handle, address)
	if err != nil {
		return Balance{}, err
	}

	caller, err := f.callerFor(ctx, handle, networkID)
	if err != nil {
		return Balance{}, err
	}
	token, err := f.Tokens.TokenBalance(ctx, address, networkID, caller)
	if err != nil {
		return Balance{}, err
	}

	return Balance{Native: native, Token: token}, nil
}

func (f *Fetcher) callerFor(ctx context.Context, handle connector.ProviderHandle, networkID uint64) (bind.ContractCaller, error) {
	if _, ok := f.Tokens.TokenFor(networkID); !ok {
		return nil, nil
	}
	if c, ok := handle.(bind.ContractCaller); ok {
		return c, nil
	}
	if f.Nodes == nil {
		return nil, errors.Newf("assets: no contract caller for network %d", networkID)
	}
	client, err := f.Nodes.ClientForNetwork(ctx, networkID)
	if err != nil {
		return nil, errors.Wrapf(err, "assets: node client for network %d", networkID)
	}
	return client, nil
}
