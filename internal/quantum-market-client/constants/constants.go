package constants

import "time"

const (
	AppName            = "quantum-market-client"
	NetworksFile       = "networks.json"
	CachedProviderFile = "cached_provider.json"

	SchemaV1      = 1
	FilePerm      = 0o600
	DirectoryPerm = 0o700

	NativeAddr = "0x0000000000000000000000000000000000000000"

	// Network label that marks a production chain in the metadata table.
	MainnetLabel = "mainnet"

	NativeDecimals = 18

	BalanceRefreshInterval = 20 * time.Second
	ProviderWatchInterval  = 4 * time.Second
	RPCTimeout             = 7 * time.Second

	ResyncAttempts = 5
	ResyncDelay    = 50 * time.Millisecond
)
