package netbackend

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cuemby/kvstore/pkg/kverrors"
)

// pool is a small buffered-channel pool of persistent connections to one
// server address. A caller checks out a connection, uses it, and returns
// it on completion (including error paths); pool exhaustion queues
// callers up to a bounded time then fails with Busy.
type pool struct {
	addr         string
	dialTimeout  time.Duration
	checkoutWait time.Duration

	conns chan net.Conn
	size  int

	mu      sync.Mutex
	created int
}

func newPool(addr string, size int, dialTimeout, checkoutWait time.Duration) *pool {
	if size <= 0 {
		size = 8
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	if checkoutWait <= 0 {
		checkoutWait = 2 * time.Second
	}
	return &pool{
		addr:         addr,
		dialTimeout:  dialTimeout,
		checkoutWait: checkoutWait,
		conns:        make(chan net.Conn, size),
		size:         size,
	}
}

func (p *pool) dial() (net.Conn, error) {
	return net.DialTimeout("tcp", p.addr, p.dialTimeout)
}

// checkout returns an idle pooled connection, dials a fresh one while the
// pool hasn't reached its configured size yet, or blocks up to
// checkoutWait for one to free up before failing with Busy.
func (p *pool) checkout(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.created < p.size {
		p.created++
		p.mu.Unlock()
		conn, err := p.dial()
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, kverrors.Wrap(kverrors.BackendIO, "netbackend.pool.checkout", p.addr, err)
		}
		return conn, nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.checkoutWait)
	defer timer.Stop()
	select {
	case conn := <-p.conns:
		return conn, nil
	case <-timer.C:
		return nil, kverrors.Wrap(kverrors.Busy, "netbackend.pool.checkout", "connection pool exhausted", nil)
	case <-ctx.Done():
		return nil, kverrors.Wrap(kverrors.Busy, "netbackend.pool.checkout", "connection pool exhausted", ctx.Err())
	}
}

// release returns conn to the pool, or closes it if the pool is full or
// healthy is false (the call path discovered the connection is broken).
// A nil conn is ignored.
func (p *pool) release(conn net.Conn, healthy bool) {
	if conn == nil {
		return
	}
	if !healthy {
		_ = conn.Close()
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		return
	}
	select {
	case p.conns <- conn:
	default:
		_ = conn.Close()
	}
}

// close drains and closes every idle pooled connection.
func (p *pool) close() {
	for {
		select {
		case conn := <-p.conns:
			_ = conn.Close()
		default:
			return
		}
	}
}
