package connector

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

// ProviderOption is one wallet the modal can offer.
type ProviderOption struct {
	ID       string   `json:"id" mapstructure:"id"`
	Name     string   `json:"name" mapstructure:"name"`
	Type     string   `json:"type" mapstructure:"type"`
	NodeURI  string   `json:"nodeUri" mapstructure:"nodeUri"`
	Accounts []string `json:"accounts,omitempty" mapstructure:"accounts"`
}

type DialFunc func(ctx context.Context, opt ProviderOption) (ProviderHandle, error)

type Options struct {
	Providers     []ProviderOption
	CacheProvider bool
	Approver      Approver
	// Markers may be nil, in which case nothing is remembered across runs.
	Markers *MarkerStore
	// Dial defaults to DialRPC(constants.ProviderWatchInterval).
	Dial DialFunc
}

// Modal is the Factory the client ships with: it offers the configured
// providers through an Approver and remembers the chosen one.
type Modal struct {
	opts Options

	mu     sync.Mutex
	cached string
}

// Initialize builds the connector capability the host injects into the
// session manager.
func Initialize(ctx context.Context, opts Options) (*Modal, error) {
	if opts.Approver == nil {
		return nil, errors.New("connector: approver is required")
	}
	if opts.Dial == nil {
		opts.Dial = DialRPC(0)
	}

	providers := make([]ProviderOption, 0, len(opts.Providers))
	seen := make(map[string]struct{}, len(opts.Providers))
	for _, p := range opts.Providers {
		p.ID = strings.TrimSpace(p.ID)
		p.NodeURI = strings.TrimSpace(p.NodeURI)
		if p.ID == "" {
			return nil, errors.Newf("connector: provider %q has no id", p.Name)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, errors.Newf("connector: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		providers = append(providers, p)
	}
	opts.Providers = providers

	m := &Modal{opts: opts}

	if opts.CacheProvider && opts.Markers != nil {
		cached, err := opts.Markers.Load()
		if err != nil {
			log.Warn("[connector] ignoring unreadable cached provider", "path", opts.Markers.Path(), "error", err)
		}
		if _, ok := m.option(cached); cached != "" && !ok {
			log.Warn("[connector] cached provider no longer configured", "provider", cached)
			if err := opts.Markers.Clear(); err != nil {
				log.Warn("[connector] clear stale cached provider", "error", err)
			}
			cached = ""
		}
		m.cached = cached
	}

	return m, nil
}

func (m *Modal) option(id string) (ProviderOption, bool) {
	for _, p := range m.opts.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderOption{}, false
}

func (m *Modal) reachable() []ProviderOption {
	out := make([]ProviderOption, 0, len(m.opts.Providers))
	for _, p := range m.opts.Providers {
		if p.NodeURI != "" {
			out = append(out, p)
		}
	}
	return out
}

// Providers lists the options the modal would offer.
func (m *Modal) Providers() []ProviderOption {
	return m.reachable()
}

// Connect skips the prompt when a cached provider is still offered.
func (m *Modal) Connect(ctx context.Context) (ProviderHandle, error) {
	options := m.reachable()
	if len(options) == 0 {
		return nil, ErrNoProviderAvailable
	}

	var (
		chosen ProviderOption
		found  bool
	)
	if cached := m.CachedProvider(); cached != "" {
		for _, o := range options {
			if o.ID == cached {
				chosen, found = o, true
				break
			}
		}
	}
	if !found {
		picked, err := m.opts.Approver.Choose(ctx, options)
		if err != nil {
			return nil, err
		}
		chosen = picked
	}

	handle, err := m.opts.Dial(ctx, chosen)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "dial provider %q", chosen.ID), ErrNoProviderAvailable)
	}

	if m.opts.CacheProvider {
		m.mu.Lock()
		m.cached = chosen.ID
		m.mu.Unlock()
		if m.opts.Markers != nil {
			if err := m.opts.Markers.Save(chosen.ID); err != nil {
				log.Warn("[connector] persist cached provider", "provider", chosen.ID, "error", err)
			}
		}
	}

	return handle, nil
}

func (m *Modal) CachedProvider() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached
}

func (m *Modal) ClearCachedProvider() error {
	m.mu.Lock()
	m.cached = ""
	m.mu.Unlock()

	if m.opts.Markers == nil {
		return nil
	}
	return m.opts.Markers.Clear()
}
