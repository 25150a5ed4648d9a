package chains

// ChainConfig is one entry of the supported-chain list.
type ChainConfig struct {
	Name        string `json:"name" yaml:"name" mapstructure:"name"`
	NetworkID   uint64 `json:"networkId" yaml:"networkId" mapstructure:"networkId"`
	IsDefault   bool   `json:"isDefault" yaml:"isDefault" mapstructure:"isDefault"`
	ProviderURI string `json:"providerUri" yaml:"providerUri" mapstructure:"providerUri"`
	NodeURI     string `json:"nodeUri,omitempty" yaml:"nodeUri" mapstructure:"nodeUri"`
	ExplorerURI string `json:"explorerUri,omitempty" yaml:"explorerUri" mapstructure:"explorerUri"`
}

type AllChainsConfig struct {
	Chains []ChainConfig `json:"chains" yaml:"chains" mapstructure:"chains"`
}
