//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
)

// watch is the per-connection state of the fallback poller. Frames are read
// from br so the byte peeked to detect readiness is not lost.
type watch struct {
	br    *bufio.Reader
	rearm chan struct{}
	stop  chan struct{}
}

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server can run on macOS/Windows without the epoll optimization.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts a goroutine that waits for data on conn.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{
		br:    bufio.NewReader(conn),
		rearm: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

// monitor peeks one byte to detect readiness, reports the connection and then
// waits for Rearm before peeking again, so it never reads while a worker is
// consuming a frame.
func (e *Epoll) monitor(conn net.Conn, w *watch) {
	for {
		_, err := w.br.Peek(1)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}

		select {
		case e.readyCh <- conn:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.rearm:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Remove unregisters a connection from the fallback poller.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Reader returns the buffered reader frames of conn must be read from.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return conn
	}
	return w.br
}

// Rearm lets the monitor of conn wait for the next frame.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case w.rearm <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one connection is ready for reading, then
// drains any others already reported.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*watch)
	e.mu.Unlock()
	return nil
}

func isEINTR(error) bool { return false }

// socketFD is not needed by the fallback.
func socketFD(net.Conn) int {
	return -1
}
