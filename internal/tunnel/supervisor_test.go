package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/v6tunnel/internal/clock"
	"grimm.is/v6tunnel/internal/logging"
	"grimm.is/v6tunnel/internal/network"
	"grimm.is/v6tunnel/internal/state"
)

// fakeFirewall tracks open ports and call counts.
type fakeFirewall struct {
	mu      sync.Mutex
	open    map[int]bool
	allows  int
	revokes int
}

func newFakeFirewall() *fakeFirewall {
	return &fakeFirewall{open: make(map[int]bool)}
}

func (f *fakeFirewall) Allow(port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allows++
	f.open[port] = true
	return nil
}

func (f *fakeFirewall) Revoke(port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokes++
	delete(f.open, port)
	return nil
}

func (f *fakeFirewall) isOpen(port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[port]
}

type staticResolver struct {
	ip  net.IP
	err error
}

func (r staticResolver) Resolve() (net.IP, error) { return r.ip, r.err }

type harness struct {
	store *state.SQLiteStore
	fw    *fakeFirewall
	clk   *clock.MockClock
	sup   *Supervisor
}

func newHarness(t *testing.T, resolver AddressResolver) *harness {
	t.Helper()
	store, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store: store,
		fw:    newFakeFirewall(),
		clk:   clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	opts := DefaultOptions()
	opts.Network = "tcp"
	opts.ListenHost = "127.0.0.1"
	opts.DialTimeout = time.Second
	opts.Clock = h.clk
	opts.Logger = logging.Nop()
	opts.Metrics = newRegistry()

	h.sup = NewSupervisor(store, h.fw, resolver, opts)
	t.Cleanup(func() { h.sup.Stop(context.Background()) })
	return h
}

func (h *harness) addRule(t *testing.T, local, remote int) int64 {
	t.Helper()
	id, err := h.store.AddRule(context.Background(), local, remote)
	require.NoError(t, err)
	return id
}

func (h *harness) setEnabled(t *testing.T, id int64, enabled bool) {
	t.Helper()
	ctx := context.Background()
	r, err := h.store.GetRule(ctx, id)
	require.NoError(t, err)
	r.Enabled = enabled
	require.NoError(t, h.store.UpdateRule(ctx, r))
}

func listening(port int) bool {
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	c.Close()
	return true
}

func TestSupervisor_StartWithoutRules(t *testing.T) {
	h := newHarness(t, nil)
	err := h.sup.Start(context.Background())
	assert.True(t, errors.Is(err, ErrNoEnabledRules))
	assert.False(t, h.sup.Running())

	id := h.addRule(t, 22, freePort(t))
	h.setEnabled(t, id, false)
	err = h.sup.Start(context.Background())
	assert.True(t, errors.Is(err, ErrNoEnabledRules), "disabled rules do not count")
}

func TestSupervisor_StartTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	remote := freePort(t)
	h.addRule(t, startEcho(t), remote)

	require.NoError(t, h.sup.Start(ctx))
	require.NoError(t, h.sup.Start(ctx))

	assert.True(t, h.sup.Running())
	assert.Len(t, h.sup.Active(), 1)
	assert.Equal(t, 1, h.fw.allows, "second start must not add a duplicate firewall rule")
	assert.True(t, listening(remote))
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.sup.Stop(ctx))
	assert.Equal(t, 0, h.fw.revokes)

	remote := freePort(t)
	h.addRule(t, startEcho(t), remote)
	require.NoError(t, h.sup.Start(ctx))
	require.NoError(t, h.sup.Stop(ctx))
	require.NoError(t, h.sup.Stop(ctx))

	assert.False(t, h.sup.Running())
	assert.Equal(t, 1, h.fw.revokes)
	assert.False(t, h.fw.isOpen(remote))
	assert.False(t, listening(remote))
}

func TestSupervisor_DisableAndRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	echo := startEcho(t)
	keepPort, togglePort := freePort(t), freePort(t)
	h.addRule(t, echo, keepPort)
	toggle := h.addRule(t, echo, togglePort)

	require.NoError(t, h.sup.Start(ctx))
	assert.True(t, h.fw.isOpen(togglePort))

	h.setEnabled(t, toggle, false)
	require.NoError(t, h.sup.Restart(ctx))

	assert.False(t, listening(togglePort))
	assert.False(t, h.fw.isOpen(togglePort))
	assert.True(t, listening(keepPort))
	assert.True(t, h.fw.isOpen(keepPort))
	assert.Contains(t, h.clk.Sleeps(), 500*time.Millisecond, "restart waits for ports to settle")

	h.setEnabled(t, toggle, true)
	require.NoError(t, h.sup.Restart(ctx))
	assert.True(t, listening(togglePort))
	assert.True(t, h.fw.isOpen(togglePort))
	assert.Len(t, h.sup.Active(), 2)
}

func TestSupervisor_StartWhileRunningConverges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	echo := startEcho(t)
	first := freePort(t)
	id := h.addRule(t, echo, first)
	require.NoError(t, h.sup.Start(ctx))

	second := freePort(t)
	h.addRule(t, echo, second)
	h.setEnabled(t, id, false)
	require.NoError(t, h.sup.Start(ctx))

	assert.False(t, listening(first))
	assert.True(t, listening(second))

	// With everything disabled a running service stays up with no workers.
	rules, err := h.store.ListRules(ctx)
	require.NoError(t, err)
	for _, r := range rules {
		h.setEnabled(t, r.ID, false)
	}
	require.NoError(t, h.sup.Start(ctx))
	assert.True(t, h.sup.Running())
	assert.Empty(t, h.sup.Active())
}

func TestSupervisor_BindFailureIsolated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port

	echo := startEcho(t)
	h.addRule(t, echo, busyPort)
	okPort := freePort(t)
	h.addRule(t, echo, okPort)

	require.NoError(t, h.sup.Start(ctx))
	assert.True(t, h.sup.Running())
	assert.Len(t, h.sup.Active(), 1)
	assert.True(t, h.fw.isOpen(okPort))
	assert.False(t, h.fw.isOpen(busyPort), "no firewall rule for a worker that never bound")

	st, err := h.sup.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.RuleCount)
	assert.Equal(t, 1, st.ActiveCount)
}

func TestSupervisor_StaggeredStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	echo := startEcho(t)
	h.addRule(t, echo, freePort(t))
	h.addRule(t, echo, freePort(t))
	h.addRule(t, echo, freePort(t))

	require.NoError(t, h.sup.Start(ctx))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, h.clk.Sleeps())
}

func TestSupervisor_CrashedWorkerReflectedInStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, staticResolver{ip: net.ParseIP("2001:db8::1")})
	id := h.addRule(t, startEcho(t), freePort(t))
	require.NoError(t, h.sup.Start(ctx))

	h.sup.mu.Lock()
	h.sup.workers[id].listener.Close()
	h.sup.mu.Unlock()

	require.Eventually(t, func() bool {
		st, err := h.sup.Status(ctx)
		return err == nil && st.ActiveCount == 0
	}, 2*time.Second, 10*time.Millisecond)

	st, err := h.sup.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.RuleCount)
	assert.Equal(t, "2001:db8::1", st.IPv6Addr)

	// The next start replaces the dead worker.
	require.NoError(t, h.sup.Start(ctx))
	st, err = h.sup.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ActiveCount)
}

func TestSupervisor_StatusWithoutAddress(t *testing.T) {
	h := newHarness(t, staticResolver{err: &network.ResolveError{Err: network.ErrNoGlobalAddress}})
	st, err := h.sup.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Empty(t, st.IPv6Addr)

	snap := h.sup.Snapshot()
	assert.False(t, snap.HasAddress)
}

func TestSupervisor_RelayThroughRule(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	remote := freePort(t)
	h.addRule(t, startEcho(t), remote)
	require.NoError(t, h.sup.Start(ctx))

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(remote)))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write([]byte("through the tunnel"))
	require.NoError(t, err)
	got := make([]byte, len("through the tunnel"))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "through the tunnel", string(got))
}
