package tunnel

import (
	"errors"
	"fmt"
)

// ErrNoEnabledRules is returned by Start when there is nothing to serve.
var ErrNoEnabledRules = errors.New("no enabled forwarding rules")

// BindError reports a listener that could not be opened. It affects only
// the one rule.
type BindError struct {
	Port int
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s (port %d): %v", e.Addr, e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ConnectError reports an unreachable local backend. It drops one client.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect backend %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
