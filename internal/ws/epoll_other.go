//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Epoll emulates readiness notification with one goroutine per connection
// on platforms without epoll. Each goroutine peeks through a buffered reader
// and waits for the worker to consume the frame before peeking again.
type Epoll struct {
	mu      sync.Mutex
	conns   map[*Connection]struct{}
	readyCh chan *Connection
	done    chan struct{}
}

func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[*Connection]struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

func (e *Epoll) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.reader = br
	c.resume = make(chan struct{}, 1)

	e.mu.Lock()
	e.conns[c] = struct{}{}
	e.mu.Unlock()

	go e.monitor(c, br)
	return nil
}

func (e *Epoll) monitor(c *Connection, br *bufio.Reader) {
	for {
		_, err := br.Peek(1)
		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-c.resume:
		case <-e.done:
			return
		}
		e.mu.Lock()
		_, ok := e.conns[c]
		e.mu.Unlock()
		if !ok {
			return
		}
	}
}

func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
	e.Resume(c)
	return nil
}

// Resume lets the monitor of c look for the next frame.
func (e *Epoll) Resume(c *Connection) {
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

func (e *Epoll) Wait(timeout time.Duration) ([]*Connection, error) {
	var ready []*Connection
	select {
	case c := <-e.readyCh:
		ready = append(ready, c)
	case <-time.After(timeout):
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}
	for {
		select {
		case c := <-e.readyCh:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

func socketFD(net.Conn) int { return -1 }
