// Package connector is the wallet-connector capability the session manager
// depends on: a Factory hands out live ProviderHandles, remembers which
// provider was used last, and every handle exposes chain reads plus the
// chainChanged / networkChanged / accountsChanged events.
package connector

import (
	"context"
	"math/big"

	"github.com/cockroachdb/errors"
)

var (
	// ErrConnectionRejected is returned when the user declines the connection.
	ErrConnectionRejected = errors.New("connector: connection rejected by user")
	// ErrNoProviderAvailable is returned when no wallet provider is reachable.
	ErrNoProviderAvailable = errors.New("connector: no wallet provider available")
)

type EventName string

const (
	EventChainChanged    EventName = "chainChanged"
	EventNetworkChanged  EventName = "networkChanged"
	EventAccountsChanged EventName = "accountsChanged"
)

// Event is what a provider delivers to listeners. Only the field matching
// Name is meaningful.
type Event struct {
	Name      EventName
	ChainID   uint64
	NetworkID uint64
	Accounts  []string
}

type Handler func(Event)

// ListenerID identifies one registration made with On.
type ListenerID string

// ProviderHandle is a live, revocable connection to a user's wallet.
type ProviderHandle interface {
	Accounts(ctx context.Context) ([]string, error)
	NetworkID(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (uint64, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)

	On(name EventName, handler Handler) ListenerID
	RemoveListener(name EventName, id ListenerID)
}

// Factory is what the host environment injects: it opens connections and
// owns the cached-provider marker.
type Factory interface {
	Connect(ctx context.Context) (ProviderHandle, error)
	CachedProvider() string
	ClearCachedProvider() error
}

// ProviderInfo describes which wallet backs a handle.
type ProviderInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Describer is implemented by handles that know what they are.
type Describer interface {
	ProviderInfo() ProviderInfo
}

// InfoFor derives provider metadata from a handle; nil for a nil handle.
func InfoFor(handle ProviderHandle) *ProviderInfo {
	if handle == nil {
		return nil
	}
	if d, ok := handle.(Describer); ok {
		info := d.ProviderInfo()
		return &info
	}
	return &ProviderInfo{ID: "injected", Name: "Web3", Type: "injected"}
}
