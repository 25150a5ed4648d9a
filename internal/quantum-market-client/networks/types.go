package networks

import "github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/constants"

type NativeCurrency struct {
	Name     string `json:"name" mapstructure:"name"`
	Symbol   string `json:"symbol" mapstructure:"symbol"`
	Decimals uint8  `json:"decimals" mapstructure:"decimals"`
}

// NetworkMetadata is one row of the network metadata table.
type NetworkMetadata struct {
	// Name is the canonical display name; optional.
	Name           string         `json:"name,omitempty" mapstructure:"name"`
	Chain          string         `json:"chain" mapstructure:"chain"`
	Network        string         `json:"network" mapstructure:"network"`
	NetworkID      uint64         `json:"networkId" mapstructure:"networkId"`
	ChainID        uint64         `json:"chainId" mapstructure:"chainId"`
	NativeCurrency NativeCurrency `json:"nativeCurrency" mapstructure:"nativeCurrency"`
}

// Table is the read-only metadata table handed to the resolver.
type Table []NetworkMetadata

type Store struct {
	Schema   int                        `json:"schema"`
	Networks map[string]NetworkMetadata `json:"networks"` // key = decimal network id
}

// ProbeResult is what an RPC endpoint reports about itself.
type ProbeResult struct {
	RpcUrl        string           `json:"rpcUrl"`
	ChainID       uint64           `json:"chainId"`
	NetworkID     uint64           `json:"networkId,omitempty"`
	ClientVersion string           `json:"clientVersion,omitempty"`
	LatestBlock   uint64           `json:"latestBlock,omitempty"`
	DisplayName   string           `json:"displayName"`
	IsTestnet     bool             `json:"isTestnet"`
	Metadata      *NetworkMetadata `json:"metadata,omitempty"`
}

func NewEmptyStore() Store {
	return Store{
		Schema:   constants.SchemaV1,
		Networks: map[string]NetworkMetadata{},
	}
}
