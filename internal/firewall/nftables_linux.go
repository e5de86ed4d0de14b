//go:build linux

package firewall

import (
	"fmt"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/v6tunnel/internal/brand"
	"grimm.is/v6tunnel/internal/logging"
)

// NFTablesConn is the subset of *nftables.Conn used here, so tests can
// substitute MockNFTablesConn.
type NFTablesConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	AddChain(c *nftables.Chain) *nftables.Chain
	ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error)
	InsertRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	Flush() error
}

// RealNFTablesConn wraps the actual nftables.Conn.
type RealNFTablesConn struct {
	conn *nftables.Conn
}

// NewRealNFTablesConn creates a new RealNFTablesConn wrapping an nftables.Conn.
func NewRealNFTablesConn(conn *nftables.Conn) *RealNFTablesConn {
	return &RealNFTablesConn{conn: conn}
}

func (r *RealNFTablesConn) AddTable(t *nftables.Table) *nftables.Table {
	return r.conn.AddTable(t)
}

func (r *RealNFTablesConn) AddChain(c *nftables.Chain) *nftables.Chain {
	return r.conn.AddChain(c)
}

func (r *RealNFTablesConn) ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error) {
	return r.conn.ListChainsOfTableFamily(family)
}

func (r *RealNFTablesConn) InsertRule(rule *nftables.Rule) *nftables.Rule {
	return r.conn.InsertRule(rule)
}

func (r *RealNFTablesConn) DelRule(rule *nftables.Rule) error {
	return r.conn.DelRule(rule)
}

func (r *RealNFTablesConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	return r.conn.GetRules(t, c)
}

func (r *RealNFTablesConn) Flush() error {
	return r.conn.Flush()
}

// NFTables inserts tagged accept rules at the head of an inet table/chain,
// by default the OpenWrt fw4 input chain. When the chain does not exist a
// private table with an input base chain is created; an accept there ends
// only that chain, so drops in the system's own input chain still apply.
type NFTables struct {
	conn      NFTablesConn
	tableName string
	chainName string
	logger    *logging.Logger

	mu    sync.Mutex
	table *nftables.Table
	chain *nftables.Chain
}

// NewNFTables opens a netlink connection for the backend.
func NewNFTables(table, chain string, logger *logging.Logger) (*NFTables, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open nftables connection: %w", err)
	}
	return NewNFTablesWithConn(NewRealNFTablesConn(conn), table, chain, logger), nil
}

// NewNFTablesWithConn builds the backend over an existing connection.
func NewNFTablesWithConn(conn NFTablesConn, table, chain string, logger *logging.Logger) *NFTables {
	if logger == nil {
		logger = logging.Nop()
	}
	return &NFTables{conn: conn, tableName: table, chainName: chain, logger: logger}
}

func (n *NFTables) Name() string { return "nftables" }

// ruleTag identifies our rule for a port in the rule's UserData.
func ruleTag(port int) []byte {
	return []byte(fmt.Sprintf("%s-port-%d", brand.LowerName, port))
}

func (n *NFTables) ensure() error {
	if n.chain != nil {
		return nil
	}

	chains, err := n.conn.ListChainsOfTableFamily(nftables.TableFamilyINet)
	if err != nil {
		return fmt.Errorf("failed to list chains: %w", err)
	}
	for _, c := range chains {
		if c.Table != nil && c.Table.Name == n.tableName && c.Name == n.chainName {
			n.table, n.chain = c.Table, c
			return nil
		}
	}

	policy := nftables.ChainPolicyAccept
	table := n.conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   n.tableName,
	})
	chain := n.conn.AddChain(&nftables.Chain{
		Name:     n.chainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("failed to create %s/%s: %w", n.tableName, n.chainName, err)
	}
	n.table, n.chain = table, chain
	n.logger.Warn("nftables chain not found, created a private table; "+
		"its accept rules do not override drops in the system input chain",
		"table", n.tableName, "chain", n.chainName)
	return nil
}

// acceptTCPv6 matches "meta nfproto ipv6 tcp dport <port> accept".
func acceptTCPv6(port int) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV6}},
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       2, // destination port
			Len:          2,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(uint16(port))},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func (n *NFTables) matching(port int) ([]*nftables.Rule, error) {
	rules, err := n.conn.GetRules(n.table, n.chain)
	if err != nil {
		return nil, fmt.Errorf("failed to get rules: %w", err)
	}
	tag := string(ruleTag(port))
	var out []*nftables.Rule
	for _, r := range rules {
		if string(r.UserData) == tag {
			out = append(out, r)
		}
	}
	return out, nil
}

// Allow inserts the accept rule at the head of the chain unless a tagged
// one already exists.
func (n *NFTables) Allow(port int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.ensure(); err != nil {
		return err
	}
	existing, err := n.matching(port)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	n.conn.InsertRule(&nftables.Rule{
		Table:    n.table,
		Chain:    n.chain,
		Exprs:    acceptTCPv6(port),
		UserData: ruleTag(port),
	})
	return n.conn.Flush()
}

// Revoke deletes every tagged rule for port.
func (n *NFTables) Revoke(port int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.ensure(); err != nil {
		return err
	}
	existing, err := n.matching(port)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}
	for _, r := range existing {
		if err := n.conn.DelRule(r); err != nil {
			return fmt.Errorf("failed to delete rule: %w", err)
		}
	}
	return n.conn.Flush()
}
