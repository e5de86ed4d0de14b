//go:build linux

package firewall

import (
	"sync"

	"github.com/google/nftables"
	"github.com/stretchr/testify/mock"
)

// MockNFTablesConn is a testify mock of NFTablesConn that also keeps the
// committed ruleset in memory so probes see earlier inserts.
type MockNFTablesConn struct {
	mock.Mock
	mu sync.Mutex

	chains  []*nftables.Chain
	rules   map[string][]*nftables.Rule
	pending []*nftables.Rule // inserted at the head on Flush
	deletes []*nftables.Rule
}

// NewMockNFTablesConn creates a new mock nftables connection.
func NewMockNFTablesConn() *MockNFTablesConn {
	return &MockNFTablesConn{rules: make(map[string][]*nftables.Rule)}
}

func chainKey(t *nftables.Table, c *nftables.Chain) string {
	return t.Name + "/" + c.Name
}

func (m *MockNFTablesConn) AddTable(t *nftables.Table) *nftables.Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called(t)
	return t
}

func (m *MockNFTablesConn) AddChain(c *nftables.Chain) *nftables.Chain {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called(c)
	m.chains = append(m.chains, c)
	return c
}

func (m *MockNFTablesConn) ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called(family)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	var out []*nftables.Chain
	for _, c := range m.chains {
		if c.Table.Family == family {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockNFTablesConn) InsertRule(r *nftables.Rule) *nftables.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called(r)
	m.pending = append(m.pending, r)
	return r
}

func (m *MockNFTablesConn) DelRule(r *nftables.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called(r)
	if err := args.Error(0); err != nil {
		return err
	}
	m.deletes = append(m.deletes, r)
	return nil
}

func (m *MockNFTablesConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called(t, c)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	return append([]*nftables.Rule(nil), m.rules[chainKey(t, c)]...), nil
}

// Flush commits queued adds and deletes.
func (m *MockNFTablesConn) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called()
	if err := args.Error(0); err != nil {
		m.pending, m.deletes = nil, nil
		return err
	}
	for _, r := range m.pending {
		key := chainKey(r.Table, r.Chain)
		m.rules[key] = append([]*nftables.Rule{r}, m.rules[key]...)
	}
	for _, d := range m.deletes {
		key := chainKey(d.Table, d.Chain)
		kept := m.rules[key][:0]
		for _, r := range m.rules[key] {
			if r != d {
				kept = append(kept, r)
			}
		}
		m.rules[key] = kept
	}
	m.pending, m.deletes = nil, nil
	return nil
}

// Rules returns the committed rules of a chain.
func (m *MockNFTablesConn) Rules(table, chain string) []*nftables.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*nftables.Rule(nil), m.rules[table+"/"+chain]...)
}
