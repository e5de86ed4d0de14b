package firewall

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// CommandRunner abstracts command execution so backends can be tested
// without touching the host firewall.
type CommandRunner interface {
	Run(name string, args ...string) error
}

// RealCommandRunner executes commands with a bounded runtime.
type RealCommandRunner struct {
	Timeout time.Duration
}

// DefaultCommandRunner is the default command runner.
var DefaultCommandRunner CommandRunner = &RealCommandRunner{Timeout: 10 * time.Second}

// Run executes a command, folding its combined output into the error.
func (r *RealCommandRunner) Run(name string, args ...string) error {
	ctx := context.Background()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %s failed: %w: %s", name, err, string(out))
	}
	return nil
}
