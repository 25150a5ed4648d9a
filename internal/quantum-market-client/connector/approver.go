package connector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/term"
)

// Approver asks the user which provider to connect. Returning
// ErrConnectionRejected means the user declined.
type Approver interface {
	Choose(ctx context.Context, options []ProviderOption) (ProviderOption, error)
}

// TerminalApprover prompts on a TTY.
type TerminalApprover struct {
	In  io.Reader
	Out io.Writer
	// Fd is checked with term.IsTerminal; -1 skips the check.
	Fd int
}

func NewTerminalApprover() *TerminalApprover {
	return &TerminalApprover{In: os.Stdin, Out: os.Stdout, Fd: int(os.Stdin.Fd())}
}

func (a *TerminalApprover) Choose(ctx context.Context, options []ProviderOption) (ProviderOption, error) {
	if len(options) == 0 {
		return ProviderOption{}, ErrNoProviderAvailable
	}
	if a.Fd >= 0 && !term.IsTerminal(a.Fd) {
		return ProviderOption{}, errors.Wrap(ErrNoProviderAvailable, "no terminal to approve the connection")
	}

	_, _ = fmt.Fprintln(a.Out)
	_, _ = fmt.Fprintln(a.Out, "=== Connect Wallet ===")
	for i, o := range options {
		_, _ = fmt.Fprintf(a.Out, "  [%d] %s (%s)\n", i+1, o.Name, o.ID)
	}
	_, _ = fmt.Fprint(a.Out, "Select a wallet, or press enter to cancel: ")

	type result struct {
		line string
		err  error
	}
	lines := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(a.In).ReadString('\n')
		lines <- result{line: line, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return ProviderOption{}, ctx.Err()
	case r = <-lines:
	}
	if r.err != nil && r.line == "" {
		return ProviderOption{}, ErrConnectionRejected
	}

	return pick(options, r.line)
}

func pick(options []ProviderOption, answer string) (ProviderOption, error) {
	answer = strings.TrimSpace(answer)
	switch strings.ToLower(answer) {
	case "", "n", "no", "q", "cancel":
		return ProviderOption{}, ErrConnectionRejected
	}

	if n, err := strconv.Atoi(answer); err == nil {
		if n < 1 || n > len(options) {
			return ProviderOption{}, errors.Wrapf(ErrConnectionRejected, "no wallet number %d", n)
		}
		return options[n-1], nil
	}
	for _, o := range options {
		if strings.EqualFold(o.ID, answer) {
			return o, nil
		}
	}
	return ProviderOption{}, errors.Wrapf(ErrConnectionRejected, "unknown wallet %q", answer)
}

// AutoApprover approves without asking, for headless runs. An empty ID picks
// the first option.
type AutoApprover struct {
	ID string
}

func (a AutoApprover) Choose(_ context.Context, options []ProviderOption) (ProviderOption, error) {
	if len(options) == 0 {
		return ProviderOption{}, ErrNoProviderAvailable
	}
	if a.ID == "" {
		return options[0], nil
	}
	for _, o := range options {
		if o.ID == a.ID {
			return o, nil
		}
	}
	return ProviderOption{}, errors.Wrapf(ErrConnectionRejected, "wallet %q is not offered", a.ID)
}
