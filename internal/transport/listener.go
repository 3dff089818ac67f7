package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// Listener accepts framed connections on the well-known port and enforces
// the single-active-session policy: a new inbound connection immediately
// supersedes and closes the previous one.
type Listener struct {
	ln  net.Listener
	log zerolog.Logger

	mu      sync.Mutex
	current *Conn
}

// Listen binds a TCP listener on the given port. Port 0 picks a free port
// (used by tests); Port() reports the bound one.
func Listen(port int, log zerolog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return &Listener{ln: ln, log: log}, nil
}

// Port returns the port the listener is bound to.
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Accept waits for the next inbound connection, closing any prior live
// one before handing the new Conn back. The superseded connection's
// readers unblock with ErrClosed.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("accept: %w", res.err)
		}
		conn := newConn(res.conn, l.log)
		l.supersede(conn)
		l.log.Info().Stringer("peer", res.conn.RemoteAddr()).Msg("connection accepted")
		return conn, nil
	case <-ctx.Done():
		// The goroutine may still be blocked in Accept; it unblocks when
		// the listener is closed. Reap any connection it races in.
		go func() {
			res := <-ch
			if res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *Listener) supersede(next *Conn) {
	l.mu.Lock()
	prev := l.current
	l.current = next
	l.mu.Unlock()

	if prev != nil {
		l.log.Info().Msg("superseding previous connection")
		prev.Close()
	}
}

// Close shuts down the listener and any live connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	current := l.current
	l.current = nil
	l.mu.Unlock()

	if current != nil {
		current.Close()
	}
	return l.ln.Close()
}
