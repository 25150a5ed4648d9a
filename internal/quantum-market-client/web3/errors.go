package web3

import (
	"github.com/cockroachdb/errors"

	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/bridge"
)

var (
	// ErrRPCRead marks a failed chain read.
	ErrRPCRead = errors.New("web3: rpc read failed")
	// ErrListenerAttach is fatal to a connect attempt.
	ErrListenerAttach = bridge.ErrListenerAttach
	// ErrNoAccount is returned when the wallet exposes no account.
	ErrNoAccount = errors.New("web3: wallet exposed no account")
	// ErrSessionClosed is returned to callers whose connect attempt was
	// abandoned by logout, or who call into a closed manager.
	ErrSessionClosed = errors.New("web3: session closed")
)

// errDetached stops a background read once its attachment is gone.
var errDetached = errors.New("web3: provider detached")

func rpcRead(err error, what string) error {
	return errors.Mark(errors.Wrap(err, what), ErrRPCRead)
}
