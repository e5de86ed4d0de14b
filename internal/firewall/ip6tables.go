package firewall

import (
	"strconv"
)

// maxDuplicateRules bounds the revoke loop when earlier crashes left
// several identical rules behind.
const maxDuplicateRules = 16

// IP6Tables manages "-I INPUT -p tcp --dport P -j ACCEPT" rules. Inserting
// at the head keeps the accept ahead of any trailing reject rules.
type IP6Tables struct {
	binary string
	chain  string
	runner CommandRunner
}

// NewIP6Tables creates an ip6tables backend.
func NewIP6Tables(binary string, runner CommandRunner) *IP6Tables {
	if binary == "" {
		binary = "ip6tables"
	}
	if runner == nil {
		runner = DefaultCommandRunner
	}
	return &IP6Tables{binary: binary, chain: "INPUT", runner: runner}
}

func (b *IP6Tables) Name() string { return "ip6tables" }

func (b *IP6Tables) ruleArgs(action string, port int) []string {
	return []string{action, b.chain, "-p", "tcp", "--dport", strconv.Itoa(port), "-j", "ACCEPT"}
}

func (b *IP6Tables) exists(port int) bool {
	return b.runner.Run(b.binary, b.ruleArgs("-C", port)...) == nil
}

// Allow inserts the rule unless "-C" finds it already present.
func (b *IP6Tables) Allow(port int) error {
	if b.exists(port) {
		return nil
	}
	return b.runner.Run(b.binary, b.ruleArgs("-I", port)...)
}

// Revoke deletes every copy of the rule.
func (b *IP6Tables) Revoke(port int) error {
	for i := 0; i < maxDuplicateRules && b.exists(port); i++ {
		if err := b.runner.Run(b.binary, b.ruleArgs("-D", port)...); err != nil {
			return err
		}
	}
	return nil
}
