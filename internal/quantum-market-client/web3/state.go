package web3

import (
	"github.com/cockroachdb/errors"

	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/assets"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/connector"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/networks"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Failed
)

var stateNames = map[ConnectionState]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Failed:       "failed",
}

func (s ConnectionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, errors.Newf("unknown connection state %d", int(s))
	}
	return []byte(name), nil
}

func (s *ConnectionState) UnmarshalText(b []byte) error {
	for state, name := range stateNames {
		if name == string(b) {
			*s = state
			return nil
		}
	}
	return errors.Newf("unknown connection state %q", string(b))
}

// Snapshot is the observable session state. Account, ids, block number and
// balance are only set while State is Connected.
type Snapshot struct {
	State              ConnectionState           `json:"connectionState"`
	ProviderInfo       *connector.ProviderInfo   `json:"providerInfo,omitempty"`
	AccountID          string                    `json:"accountId,omitempty"`
	NetworkID          uint64                    `json:"networkId,omitempty"`
	ChainID            uint64                    `json:"chainId,omitempty"`
	NetworkData        *networks.NetworkMetadata `json:"networkData,omitempty"`
	NetworkDisplayName string                    `json:"networkDisplayName,omitempty"`
	IsTestnet          bool                      `json:"isTestnet"`
	Supported          bool                      `json:"supported"`
	BlockNumber        uint64                    `json:"blockNumber,omitempty"`
	Balance            *assets.Balance           `json:"balance,omitempty"`
	// Error is the reason for the last Failed transition.
	Error    string `json:"error,omitempty"`
	Revision uint64 `json:"revision"`
}
