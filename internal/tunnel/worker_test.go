package tunnel

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/v6tunnel/internal/logging"
	"grimm.is/v6tunnel/internal/metrics"
	"grimm.is/v6tunnel/internal/state"
)

// startEcho runs a loopback echo service and returns its port.
func startEcho(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func testWorkerConfig(reg *metrics.Registry) WorkerConfig {
	return WorkerConfig{
		Network:     "tcp",
		ListenHost:  "127.0.0.1",
		BackendHost: "127.0.0.1",
		DialTimeout: time.Second,
		Logger:      logging.Nop(),
		Metrics:     reg,
	}
}

func newRegistry() *metrics.Registry {
	return metrics.NewIsolated()
}

func TestWorker_EchoRoundTrip(t *testing.T) {
	echoPort := startEcho(t)
	reg := newRegistry()

	w, err := StartWorker(testWorkerConfig(reg), state.ProxyRule{ID: 1, LocalPort: echoPort, RemotePort: freePort(t), Enabled: true})
	require.NoError(t, err)
	defer w.Stop()

	large := make([]byte, 3*relayBufferSize+17)
	_, err = rand.Read(large)
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"small", []byte("hello over v6")},
		{"larger than buffer", large},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := net.Dial("tcp", w.Addr().String())
			require.NoError(t, err)
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(5 * time.Second))

			if len(tt.payload) == 0 {
				require.NoError(t, conn.(*net.TCPConn).CloseWrite())
				got, err := io.ReadAll(conn)
				require.NoError(t, err)
				assert.Empty(t, got)
				return
			}

			go conn.Write(tt.payload)

			got := make([]byte, len(tt.payload))
			_, err = io.ReadFull(conn, got)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.payload, got), "echoed bytes differ")
		})
	}

	port := metrics.Port(w.Rule().RemotePort)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.ConnectionsTotal.WithLabelValues(port)) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_BindError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	_, err = StartWorker(testWorkerConfig(nil), state.ProxyRule{ID: 1, LocalPort: 80, RemotePort: port})
	require.Error(t, err)

	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, port, bindErr.Port)
}

func TestWorker_BackendDownDropsClient(t *testing.T) {
	reg := newRegistry()
	w, err := StartWorker(testWorkerConfig(reg), state.ProxyRule{ID: 1, LocalPort: freePort(t), RemotePort: freePort(t)})
	require.NoError(t, err)
	defer w.Stop()

	conn, err := net.Dial("tcp", w.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "client should be closed when the backend is unreachable")

	port := metrics.Port(w.Rule().RemotePort)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.ConnectErrors.WithLabelValues(port)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, w.Alive(), "listener must survive a failed client")

	// The listener keeps serving.
	conn2, err := net.Dial("tcp", w.Addr().String())
	require.NoError(t, err)
	conn2.Close()
}

func TestWorker_StopTerminatesRelays(t *testing.T) {
	echoPort := startEcho(t)
	w, err := StartWorker(testWorkerConfig(nil), state.ProxyRule{ID: 1, LocalPort: echoPort, RemotePort: freePort(t)})
	require.NoError(t, err)

	conn, err := net.Dial("tcp", w.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.ConnCount() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err)
	assert.False(t, w.Alive())
	assert.Equal(t, 0, w.ConnCount())

	// Idempotent.
	w.Stop()

	// Port is released.
	ln, err := net.Listen("tcp", w.Addr().String())
	require.NoError(t, err)
	ln.Close()
}

func TestWorker_ListenerCrashMarksDead(t *testing.T) {
	w, err := StartWorker(testWorkerConfig(nil), state.ProxyRule{ID: 1, LocalPort: 80, RemotePort: freePort(t)})
	require.NoError(t, err)
	defer w.Stop()

	w.listener.Close()
	require.Eventually(t, func() bool { return !w.Alive() }, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_MaxConns(t *testing.T) {
	echoPort := startEcho(t)
	cfg := testWorkerConfig(nil)
	cfg.MaxConns = 1

	w, err := StartWorker(cfg, state.ProxyRule{ID: 1, LocalPort: echoPort, RemotePort: freePort(t)})
	require.NoError(t, err)
	defer w.Stop()

	first, err := net.Dial("tcp", w.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	first.Write([]byte("a"))
	io.ReadFull(first, make([]byte, 1))

	second, err := net.Dial("tcp", w.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	second.Write([]byte("b"))

	// The second client waits in the backlog until the first finishes.
	second.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err = second.Read(make([]byte, 1))
	require.Error(t, err)

	first.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = io.ReadFull(second, buf)
	require.NoError(t, err)
	assert.Equal(t, "b", string(buf))
}
