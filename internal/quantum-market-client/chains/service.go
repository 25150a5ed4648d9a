package chains

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Service answers questions about the locally curated chain list and keeps
// one dialed node client per chain.
type Service struct {
	chains []ChainConfig

	mu               sync.Mutex
	clientsByNetwork map[uint64]*ethclient.Client
}

func NewService(cfg *AllChainsConfig) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("chains config is nil")
	}

	seen := make(map[uint64]struct{}, len(cfg.Chains))
	list := make([]ChainConfig, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		c.Name = strings.TrimSpace(c.Name)
		c.ProviderURI = strings.TrimSpace(c.ProviderURI)
		c.NodeURI = strings.TrimSpace(c.NodeURI)
		c.ExplorerURI = strings.TrimSpace(c.ExplorerURI)

		if c.NetworkID == 0 {
			return nil, errors.Newf("chain %q: networkId is required", c.Name)
		}
		if _, dup := seen[c.NetworkID]; dup {
			return nil, errors.Newf("chain %q: duplicate networkId %d", c.Name, c.NetworkID)
		}
		seen[c.NetworkID] = struct{}{}
		list = append(list, c)
	}

	return &Service{
		chains:           list,
		clientsByNetwork: make(map[uint64]*ethclient.Client),
	}, nil
}

// Chains returns the configured list in config order.
func (s *Service) Chains() []ChainConfig {
	out := make([]ChainConfig, len(s.chains))
	copy(out, s.chains)
	return out
}

func (s *Service) DefaultChainIDs() []uint64 {
	out := make([]uint64, 0, len(s.chains))
	for _, c := range s.chains {
		if c.IsDefault {
			out = append(out, c.NetworkID)
		}
	}
	return out
}

func (s *Service) SupportedChainIDs() []uint64 {
	out := make([]uint64, 0, len(s.chains))
	for _, c := range s.chains {
		out = append(out, c.NetworkID)
	}
	return out
}

func (s *Service) IsSupported(networkID uint64) bool {
	_, err := s.ByNetworkID(networkID)
	return err == nil
}

func (s *Service) ByNetworkID(networkID uint64) (ChainConfig, error) {
	if networkID == 0 {
		return ChainConfig{}, errors.New("networkId is 0")
	}
	for _, c := range s.chains {
		if c.NetworkID == networkID {
			return c, nil
		}
	}
	return ChainConfig{}, errors.Newf("unknown networkId %d", networkID)
}

// ClientForNetwork returns (and caches) a node client for the chain's NodeURI.
func (s *Service) ClientForNetwork(ctx context.Context, networkID uint64) (*ethclient.Client, error) {
	chain, err := s.ByNetworkID(networkID)
	if err != nil {
		return nil, err
	}
	if chain.NodeURI == "" {
		return nil, errors.Newf("chain %q has no nodeUri configured", chain.Name)
	}

	s.mu.Lock()
	if existing := s.clientsByNetwork[networkID]; existing != nil {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	// Dial outside the lock (avoid blocking concurrent readers)
	dialed, err := ethclient.DialContext(ctx, chain.NodeURI)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %q", chain.Name)
	}

	s.mu.Lock()
	if existing := s.clientsByNetwork[networkID]; existing != nil {
		s.mu.Unlock()
		// We raced; close what we just dialed and return existing
		dialed.Close()
		return existing, nil
	}
	s.clientsByNetwork[networkID] = dialed
	s.mu.Unlock()

	return dialed, nil
}

// Close closes all cached clients (call on shutdown).
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, client := range s.clientsByNetwork {
		if client != nil {
			client.Close()
		}
		delete(s.clientsByNetwork, key)
	}
	return nil
}
