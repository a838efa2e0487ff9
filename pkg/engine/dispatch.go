package engine

import "context"

// CommandDispatcher is the seam a host process would implement to expose
// Strata over a command-and-response surface (a wire protocol, a REPL, an
// RPC handler). Strata itself does not implement one: command dispatch,
// request framing, and response encoding are named here only so a caller
// wiring Strata into a server has a stable interface to target, not a
// feature this module provides.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, command string, args [][]byte) ([]byte, error)
}
