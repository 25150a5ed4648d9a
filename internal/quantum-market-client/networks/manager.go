package networks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/constants"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/securefile"
)

// Manager owns the on-disk network metadata table (networks.json).
type Manager struct {
	mu    sync.RWMutex
	path  string
	store Store
}

func NewManager() (*Manager, error) {
	if strings.TrimSpace(constants.AppName) == "" {
		return nil, errors.New("appName must not be empty")
	}

	path, err := securefile.ResolvePath(constants.AppName, constants.NetworksFile)
	if err != nil {
		return nil, err
	}
	return NewManagerAt(path), nil
}

// NewManagerAt uses an explicit file path.
func NewManagerAt(path string) *Manager {
	return &Manager{
		path:  path,
		store: NewEmptyStore(),
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx)
}

func (m *Manager) load(ctx context.Context) error {
	_ = ctx

	b, err := os.ReadFile(m.path)
	if err != nil {
		return errors.Wrap(err, "read networks file")
	}

	var s Store
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "unmarshal networks file")
	}
	if s.Schema == 0 {
		s.Schema = constants.SchemaV1
	}

	norm := NewEmptyStore()
	norm.Schema = s.Schema

	for _, n := range s.Networks {
		normalized, err := normalizeNetwork(n)
		if err != nil {
			// skip invalid entries rather than bricking startup
			continue
		}
		norm.Networks[networkKey(normalized.NetworkID)] = normalized
	}

	m.store = norm
	return nil
}

func (m *Manager) ensureLoadedIfExists(ctx context.Context) error {
	if len(m.store.Networks) > 0 {
		return nil
	}
	if securefile.Exists(m.path) {
		return m.load(ctx)
	}
	m.store = NewEmptyStore()
	return nil
}

func (m *Manager) persist(ctx context.Context) error {
	_ = ctx

	if err := os.MkdirAll(filepath.Dir(m.path), constants.DirectoryPerm); err != nil {
		return errors.Wrap(err, "mkdir networks dir")
	}

	b, err := json.MarshalIndent(m.store, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal networks store")
	}

	return securefile.AtomicWriteFile(m.path, b, constants.FilePerm)
}

// EnsureFromConfig merges config networks into networks.json:
// - first run: creates file
// - later runs: adds only missing networks
// - fills blank fields without overwriting user values
func (m *Manager) EnsureFromConfig(ctx context.Context, defaults Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoadedIfExists(ctx); err != nil {
		return err
	}

	changed := false

	for _, dn := range defaults {
		dnNorm, err := normalizeNetwork(dn)
		if err != nil {
			continue
		}

		key := networkKey(dnNorm.NetworkID)
		existing, ok := m.store.Networks[key]
		if !ok {
			m.store.Networks[key] = dnNorm
			changed = true
			continue
		}

		updated, filled := fillBlanks(existing, dnNorm)
		if filled {
			m.store.Networks[key] = updated
			changed = true
		}
	}

	if !securefile.Exists(m.path) {
		changed = true
	}

	if changed {
		return m.persist(ctx)
	}
	return nil
}

// Table returns the current table ordered by network id.
func (m *Manager) Table() Table {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(Table, 0, len(m.store.Networks))
	for _, n := range m.store.Networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NetworkID < out[j].NetworkID
	})
	return out
}

// FindByNetworkID looks a single entry up; ok is false when the table has no
// such network.
func (m *Manager) FindByNetworkID(ctx context.Context, networkID uint64) (NetworkMetadata, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoadedIfExists(ctx); err != nil {
		return NetworkMetadata{}, false, err
	}
	if networkID == 0 {
		return NetworkMetadata{}, false, errors.New("missing networkId")
	}
	n, ok := m.store.Networks[networkKey(networkID)]
	return n, ok, nil
}

func fillBlanks(existing, defaults NetworkMetadata) (NetworkMetadata, bool) {
	changed := false
	if existing.Name == "" && defaults.Name != "" {
		existing.Name = defaults.Name
		changed = true
	}
	if existing.Chain == "" && defaults.Chain != "" {
		existing.Chain = defaults.Chain
		changed = true
	}
	if existing.Network == "" && defaults.Network != "" {
		existing.Network = defaults.Network
		changed = true
	}
	if existing.ChainID == 0 && defaults.ChainID != 0 {
		existing.ChainID = defaults.ChainID
		changed = true
	}
	if existing.NativeCurrency.Symbol == "" && defaults.NativeCurrency.Symbol != "" {
		existing.NativeCurrency = defaults.NativeCurrency
		changed = true
	}
	return existing, changed
}

func networkKey(networkID uint64) string {
	return strconv.FormatUint(networkID, 10)
}

func normalizeNetwork(n NetworkMetadata) (NetworkMetadata, error) {
	n.Name = strings.TrimSpace(n.Name)
	n.Chain = strings.TrimSpace(n.Chain)
	n.Network = strings.ToLower(strings.TrimSpace(n.Network))
	n.NativeCurrency.Name = strings.TrimSpace(n.NativeCurrency.Name)
	n.NativeCurrency.Symbol = strings.TrimSpace(n.NativeCurrency.Symbol)

	if n.NetworkID == 0 {
		return NetworkMetadata{}, errors.New("network.networkId is required")
	}
	if n.Chain == "" && n.Name == "" {
		return NetworkMetadata{}, errors.New("network.chain or network.name is required")
	}
	if n.ChainID == 0 {
		n.ChainID = n.NetworkID
	}
	if n.NativeCurrency.Decimals == 0 && n.NativeCurrency.Symbol != "" {
		n.NativeCurrency.Decimals = constants.NativeDecimals
	}
	return n, nil
}
