package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// tunnelPauseBytes is the pending-bytes watermark at which a
	// direction's reader stops pulling more data from its source.
	tunnelPauseBytes = 64 * 1024
	// tunnelResumeBytes is the watermark at which reading resumes,
	// chosen below tunnelPauseBytes to avoid thrashing.
	tunnelResumeBytes = 32 * 1024
	// tunnelMinReadSegment is the buffer size used for each read.
	tunnelMinReadSegment = 4 * 1024
	// tunnelGraceTimeout bounds how long the tunnel waits for the second
	// direction to finish once the first has closed.
	tunnelGraceTimeout = 5 * time.Second
)

var tunnelBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, tunnelMinReadSegment)
		return &buf
	},
}

// halfCloser is implemented by connections that support shutting down
// only the write half (TCP does, via net.TCPConn.CloseWrite).
type halfCloser interface {
	CloseWrite() error
}

// pacingGate enforces hysteresis backpressure: a reader calls wait
// before each read and is blocked once add() has pushed pending bytes
// past the pause threshold, until release() has drained it back below
// the resume threshold.
type pacingGate struct {
	mu      sync.Mutex
	pending int64
	gate    chan struct{}
}

func newPacingGate() *pacingGate {
	g := &pacingGate{gate: make(chan struct{})}
	close(g.gate) // start open: reads may proceed immediately
	return g
}

func (g *pacingGate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.gate
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *pacingGate) add(n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending += n
	if g.pending >= tunnelPauseBytes {
		select {
		case <-g.gate:
			g.gate = make(chan struct{})
		default:
		}
	}
}

func (g *pacingGate) release(n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending -= n
	if g.pending <= tunnelResumeBytes {
		select {
		case <-g.gate:
		default:
			close(g.gate)
		}
	}
}

// chunk is one read-ahead segment in flight between a direction's reader
// and writer stage.
type chunk struct {
	buf *[]byte
	n   int
}

// pump runs one direction of the tunnel: read from src, write to dst,
// honoring ctx cancellation and the pause/resume watermarks. onBytes, if
// non-nil, is called with the number of bytes successfully written.
func pump(ctx context.Context, src io.Reader, dst io.Writer, onBytes func(int64)) error {
	gate := newPacingGate()
	queue := make(chan chunk, tunnelPauseBytes/tunnelMinReadSegment+4)
	readErr := make(chan error, 1)

	go func() {
		defer close(queue)
		for {
			if err := gate.wait(ctx); err != nil {
				readErr <- err
				return
			}

			bufPtr := tunnelBufPool.Get().(*[]byte)
			n, err := src.Read(*bufPtr)
			if n > 0 {
				gate.add(int64(n))
				select {
				case queue <- chunk{buf: bufPtr, n: n}:
				case <-ctx.Done():
					tunnelBufPool.Put(bufPtr)
					readErr <- ctx.Err()
					return
				}
			} else {
				tunnelBufPool.Put(bufPtr)
			}

			if err != nil {
				if err == io.EOF {
					readErr <- nil
				} else {
					readErr <- err
				}
				return
			}
		}
	}()

	var writeErr error
	for c := range queue {
		if writeErr == nil {
			if _, err := dst.Write((*c.buf)[:c.n]); err != nil {
				writeErr = err
			} else if onBytes != nil {
				onBytes(int64(c.n))
			}
		}
		gate.release(int64(c.n))
		tunnelBufPool.Put(c.buf)
	}

	if writeErr != nil {
		return writeErr
	}
	return <-readErr
}

// directionResult reports the outcome of one pump direction.
type directionResult struct {
	clientToUpstream bool
	err              error
}

// Tunnel forwards bytes bidirectionally between client and upstream
// after a successful CONNECT, until one side closes. Both directions run
// concurrently with independent backpressure; when one direction
// finishes, the other side is half-closed so it can still flush any
// remaining buffered data, bounded by a grace timeout after which both
// sockets are force-closed.
func Tunnel(ctx context.Context, client, upstream net.Conn, onBytesUp, onBytesDown func(int64)) error {
	results := make(chan directionResult, 2)

	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
			upstream.Close()
		case <-watcherDone:
		}
	}()

	go func() {
		err := pump(ctx, client, upstream, onBytesUp)
		results <- directionResult{clientToUpstream: true, err: err}
	}()
	go func() {
		err := pump(ctx, upstream, client, onBytesDown)
		results <- directionResult{clientToUpstream: false, err: err}
	}()

	first := <-results
	if first.clientToUpstream {
		halfCloseWrite(upstream)
	} else {
		halfCloseWrite(client)
	}

	var second directionResult
	select {
	case second = <-results:
	case <-time.After(tunnelGraceTimeout):
		client.Close()
		upstream.Close()
		second = <-results
	}

	client.Close()
	upstream.Close()

	if err := firstRealError(first.err); err != nil {
		return err
	}
	return firstRealError(second.err)
}

// halfCloseWrite signals the peer that no more data is coming in this
// direction, if conn supports it.
func halfCloseWrite(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		hc.CloseWrite()
	}
}

// firstRealError filters out the benign outcomes of a tunnel direction
// (clean EOF, cancellation, and "use of closed network connection" from
// the peer side closing during coordinated shutdown) so that a peer
// closing is never reported as a tunnel error.
func firstRealError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
