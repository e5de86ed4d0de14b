package tunnel

import (
	"io"
	"net"
	"sync"
)

const relayBufferSize = 32 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, relayBufferSize)
		return &b
	},
}

// relay copies bytes between client and backend until either direction
// ends, then closes both connections. It returns the byte counts for
// client->backend (in) and backend->client (out) once both copies exit.
func relay(client, backend net.Conn) (in, out int64) {
	var (
		wg        sync.WaitGroup
		closeOnce sync.Once
	)
	closeBoth := func() {
		closeOnce.Do(func() {
			client.Close()
			backend.Close()
		})
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		in = pipe(backend, client)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		out = pipe(client, backend)
	}()
	wg.Wait()
	return in, out
}

func pipe(dst io.Writer, src io.Reader) int64 {
	bp := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bp)

	n, _ := io.CopyBuffer(dst, src, *bp)
	return n
}
