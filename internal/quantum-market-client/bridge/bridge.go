// Package bridge subscribes to a provider handle's change events and turns
// them into network and account updates for the session.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/connector"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/constants"
)

var ErrListenerAttach = errors.New("bridge: failed to attach provider listeners")

// Attachment identifies one Attach call. Callbacks carry it so the receiver
// can drop updates from a subscription that has since been detached.
type Attachment uint64

type Callbacks struct {
	// OnNetwork always carries both ids.
	OnNetwork  func(att Attachment, chainID, networkID uint64)
	OnAccounts func(att Attachment, accounts []string)
	// OnError reports a failed re-query; may be nil.
	OnError    func(att Attachment, err error)
}

var events = []connector.EventName{
	connector.EventChainChanged,
	connector.EventNetworkChanged,
	connector.EventAccountsChanged,
}

type Bridge struct {
	timeout time.Duration

	mu     sync.Mutex
	handle connector.ProviderHandle
	ids    map[connector.EventName]connector.ListenerID
	att    Attachment
	cancel context.CancelFunc
}

func New() *Bridge {
	return &Bridge{timeout: constants.RPCTimeout}
}

// Attach registers the three listeners on handle. Attaching the handle that
// is already attached returns the current attachment; attaching a different
// one detaches the previous handle first. A nil handle is a no-op.
func (b *Bridge) Attach(handle connector.ProviderHandle, cb Callbacks) (Attachment, error) {
	if handle == nil {
		return 0, nil
	}
	if cb.OnNetwork == nil || cb.OnAccounts == nil {
		return 0, errors.Wrap(ErrListenerAttach, "network and account callbacks are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle == handle {
		return b.att, nil
	}
	if b.handle != nil {
		b.detachLocked()
	}

	b.att++
	att := b.att
	ctx, cancel := context.WithCancel(context.Background())

	ids := make(map[connector.EventName]connector.ListenerID, len(events))
	for _, name := range events {
		id := handle.On(name, b.handlerFor(ctx, handle, att, name, cb))
		if id == "" {
			for n, registered := range ids {
				handle.RemoveListener(n, registered)
			}
			cancel()
			return 0, errors.Wrapf(ErrListenerAttach, "provider refused %s listener", name)
		}
		ids[name] = id
	}

	b.handle = handle
	b.ids = ids
	b.cancel = cancel
	return att, nil
}

// Detach removes exactly the listeners Attach registered on handle and
// cancels in-flight re-queries. Detaching a handle that is not attached is
// a no-op.
func (b *Bridge) Detach(handle connector.ProviderHandle) {
	if handle == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle != handle {
		return
	}
	b.detachLocked()
}

func (b *Bridge) detachLocked() {
	for name, id := range b.ids {
		b.handle.RemoveListener(name, id)
	}
	b.cancel()
	b.handle = nil
	b.ids = nil
	b.cancel = nil
	// invalidate the old attachment
	b.att++
}

// Current reports whether att is the live attachment.
func (b *Bridge) Current(att Attachment) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle != nil && att == b.att
}

// Attached returns the handle currently subscribed to, or nil.
func (b *Bridge) Attached() connector.ProviderHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle
}

func (b *Bridge) handlerFor(ctx context.Context, handle connector.ProviderHandle, att Attachment, name connector.EventName, cb Callbacks) connector.Handler {
	switch name {
	case connector.EventChainChanged:
		return func(ev connector.Event) {
			readCtx, cancel := context.WithTimeout(ctx, b.timeout)
			defer cancel()

			networkID, err := handle.NetworkID(readCtx)
			if err != nil {
				b.fail(att, cb, errors.Wrap(err, "re-query network id after chainChanged"))
				return
			}
			if b.Current(att) {
				cb.OnNetwork(att, ev.ChainID, networkID)
			}
		}
	case connector.EventNetworkChanged:
		return func(ev connector.Event) {
			readCtx, cancel := context.WithTimeout(ctx, b.timeout)
			defer cancel()

			chainID, err := handle.ChainID(readCtx)
			if err != nil {
				b.fail(att, cb, errors.Wrap(err, "re-query chain id after networkChanged"))
				return
			}
			if b.Current(att) {
				cb.OnNetwork(att, chainID, ev.NetworkID)
			}
		}
	default:
		return func(ev connector.Event) {
			if b.Current(att) {
				cb.OnAccounts(att, append([]string(nil), ev.Accounts...))
			}
		}
	}
}

func (b *Bridge) fail(att Attachment, cb Callbacks, err error) {
	if !b.Current(att) {
		return
	}
	log.Warn("[bridge] provider event dropped", "error", err)
	if cb.OnError != nil {
		cb.OnError(att, err)
	}
}
