package assets

import (
	"context"
	"math/big"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

const erc20BalanceABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

var erc20ABI = mustParseABI(erc20BalanceABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Token is the domain token deployed on one network.
type Token struct {
	Symbol   string `json:"symbol" mapstructure:"symbol"`
	Address  string `json:"address" mapstructure:"address"`
	Decimals uint8  `json:"decimals" mapstructure:"decimals"`
}

// TokenBalancer reads the domain-token balance; the token address differs
// per network.
type TokenBalancer struct {
	tokens map[uint64]Token
}

// NewTokenBalancer takes tokens keyed by decimal network id, the shape they
// have in config.
func NewTokenBalancer(byNetwork map[string]Token) (*TokenBalancer, error) {
	tokens := make(map[uint64]Token, len(byNetwork))
	for key, t := range byNetwork {
		id, err := strconv.ParseUint(strings.TrimSpace(key), 10, 64)
		if err != nil || id == 0 {
			return nil, errors.Newf("token network id %q is not a positive integer", key)
		}
		t.Address = strings.TrimSpace(t.Address)
		if !common.IsHexAddress(t.Address) {
			return nil, errors.Newf("token for network %d: invalid address %q", id, t.Address)
		}
		if t.Decimals == 0 {
			t.Decimals = 18
		}
		tokens[id] = t
	}
	return &TokenBalancer{tokens: tokens}, nil
}

func (b *TokenBalancer) TokenFor(networkID uint64) (Token, bool) {
	if b == nil {
		return Token{}, false
	}
	t, ok := b.tokens[networkID]
	return t, ok
}

// TokenBalance returns the formatted balance, "0" when the network has no
// token configured.
func (b *TokenBalancer) TokenBalance(ctx context.Context, address string, networkID uint64, caller bind.ContractCaller) (string, error) {
	token, ok := b.TokenFor(networkID)
	if !ok {
		return "0", nil
	}
	if caller == nil {
		return "", errors.New("assets: no contract caller")
	}
	if !common.IsHexAddress(address) {
		return "", errors.Newf("assets: invalid address %q", address)
	}

	owner := common.HexToAddress(address)
	if owner == (common.Address{}) {
		return "0", nil
	}

	contract := bind.NewBoundContract(common.HexToAddress(token.Address), erc20ABI, caller, nil, nil)

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return "", errors.Wrapf(err, "assets: %s balanceOf", token.Symbol)
	}
	if len(out) == 0 {
		return "", errors.New("assets: empty balanceOf result")
	}
	raw := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)

	return FormatUnits(raw, token.Decimals, int(token.Decimals)), nil
}
