package config

import (
	"bytes"
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/assets"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/chains"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/connector"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/constants"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/networks"
)

//go:embed config.yaml
var EmbeddedConfigYAML []byte

type ClientSettings struct {
	LocalHost      string
	Port           string
	AllowedOrigins []string
}

type WalletSettings struct {
	Providers     []connector.ProviderOption
	CacheProvider bool
	// AutoApprove names a provider id to connect without prompting.
	AutoApprove         string
	PollIntervalSeconds int
}

type Config struct {
	ClientSettings   *ClientSettings
	Chains           []chains.ChainConfig
	NetworksMetadata networks.Table
	Tokens           map[string]assets.Token
	Wallet           WalletSettings
}

func (c *Config) AllChains() *chains.AllChainsConfig {
	return &chains.AllChainsConfig{Chains: c.Chains}
}

func (c *Config) PollInterval() time.Duration {
	if c.Wallet.PollIntervalSeconds <= 0 {
		return constants.BalanceRefreshInterval
	}
	return time.Duration(c.Wallet.PollIntervalSeconds) * time.Second
}

func Load() (*Config, error) {
	home, _ := os.UserHomeDir()
	paths := []string{
		filepath.Join(home, ".config", constants.AppName),
		filepath.Join(home, "config"),
		".",
	}

	return LoadFrom(paths)
}

// LoadFrom reads the embedded defaults and merges the first config.yaml
// found in each of paths over them, in order. QM_HOST and QM_PORT override
// the listen address.
func LoadFrom(paths []string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(EmbeddedConfigYAML)); err != nil {
		return nil, errors.Wrap(err, "read embedded config")
	}

	for _, p := range paths {
		file := filepath.Join(p, "config.yaml")
		if _, err := os.Stat(file); err != nil {
			continue
		}
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "merge %s", file)
		}
	}

	if err := v.BindEnv("ClientSettings.LocalHost", "QM_HOST"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("ClientSettings.Port", "QM_PORT"); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Normalize() error {
	if c.ClientSettings == nil {
		c.ClientSettings = &ClientSettings{}
	}
	c.ClientSettings.LocalHost = strings.TrimSpace(c.ClientSettings.LocalHost)
	c.ClientSettings.Port = strings.TrimSpace(c.ClientSettings.Port)
	if c.ClientSettings.LocalHost == "" {
		c.ClientSettings.LocalHost = "127.0.0.1"
	}
	if c.ClientSettings.Port == "" {
		return errors.New("ClientSettings.Port is required")
	}

	if len(c.Chains) == 0 {
		return errors.New("at least one chain must be configured")
	}

	c.Wallet.AutoApprove = strings.TrimSpace(c.Wallet.AutoApprove)
	if c.Wallet.AutoApprove != "" {
		found := false
		for _, p := range c.Wallet.Providers {
			if strings.TrimSpace(p.ID) == c.Wallet.AutoApprove {
				found = true
				break
			}
		}
		if !found {
			return errors.Newf("Wallet.AutoApprove: unknown provider %q", c.Wallet.AutoApprove)
		}
	}
	return nil
}
