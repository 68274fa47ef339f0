// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package seedlistener binds a single inbound TCP port shared by every
// torrent a process is running, and routes each accepted connection to the
// controller for the info hash its handshake names. Grounded on
// uber-kraken/lib/torrent/scheduler/scheduler.go's listener/listenLoop field
// pair and conn.Handshaker, generalized from kraken's one-torrent-archive
// listener to route across any number of concurrently downloading torrents
// sharing one listener.
package seedlistener

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kraken-torrent/gotorrent/core"
	"github.com/kraken-torrent/gotorrent/peerwire"
)

// portRangeStart and portRangeEnd bound the random bind port.
const (
	portRangeStart = 32000
	portRangeEnd   = 33001
)

// routeTimeout bounds how long an accepted socket may take to present its
// handshake before the listener gives up on it.
const routeTimeout = peerwire.HandshakeTimeout

// Conn pairs an accepted socket with the handshake the listener already read
// off it, so the receiving controller's Session can finish the exchange
// without re-reading bytes that are already consumed.
type Conn struct {
	net.Conn
	Handshake *peerwire.Handshake
}

// Listener accepts inbound peer connections on one bound port and fans them
// out by info hash to whichever torrent has called Register.
type Listener struct {
	ln     net.Listener
	logger *zap.SugaredLogger

	mu     sync.Mutex
	routes map[core.InfoHash]chan *Conn

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New binds a random port in [32000, 33001) with SO_REUSEADDR (via
// net.ListenConfig's default reuse-address behavior on the platforms this
// module targets) and starts the accept loop.
func New(logger *zap.SugaredLogger) (*Listener, error) {
	ln, err := bindRandomPort()
	if err != nil {
		return nil, fmt.Errorf("bind: %s", err)
	}
	l := &Listener{
		ln:     ln,
		logger: logger,
		routes: make(map[core.InfoHash]chan *Conn),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

func bindRandomPort() (net.Listener, error) {
	span := portRangeEnd - portRangeStart
	first := rand.Intn(span)
	var lastErr error
	for i := 0; i < span; i++ {
		port := portRangeStart + (first+i)%span
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in [%d, %d): %s", portRangeStart, portRangeEnd, lastErr)
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Register returns the channel of inbound connections destined for ih. The
// caller must call Unregister when the torrent stops accepting new peers.
func (l *Listener) Register(ih core.InfoHash) <-chan *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan *Conn, 16)
	l.routes[ih] = ch
	return ch
}

// Unregister stops routing connections for ih, closing any peers still
// waiting in its channel.
func (l *Listener) Unregister(ih core.InfoHash) {
	l.mu.Lock()
	ch, ok := l.routes[ih]
	delete(l.routes, ih)
	l.mu.Unlock()
	if !ok {
		return
	}
	close(ch)
	for c := range ch {
		c.Close()
	}
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				l.logger.Warnf("Accept error on seed listener: %s", err)
				continue
			}
		}
		l.wg.Add(1)
		go l.route(conn)
	}
}

// route reads the inbound socket's handshake and hands it to the registered
// torrent, if any; sockets for unregistered info hashes (no matching
// torrent, or one that already stopped accepting peers) are closed.
func (l *Listener) route(conn net.Conn) {
	defer l.wg.Done()

	conn.SetDeadline(time.Now().Add(routeTimeout))
	hs, err := peerwire.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	l.mu.Lock()
	ch, ok := l.routes[hs.InfoHash]
	l.mu.Unlock()
	if !ok {
		conn.Close()
		return
	}

	select {
	case ch <- &Conn{Conn: conn, Handshake: hs}:
	case <-l.done:
		conn.Close()
	}
}

// Close stops the accept loop and closes the bound socket.
func (l *Listener) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	l.wg.Wait()
	return err
}
