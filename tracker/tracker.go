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

// Package tracker defines the common tracker client surface implemented by
// both the HTTP (BEP 3) and UDP (BEP 15) wire protocols. Grounded on
// uber-kraken/tracker/announceclient.Client's single-method interface shape,
// generalized from kraken's JSON-over-HTTP protocol to BEP 3/15.
package tracker

import (
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/kraken-torrent/gotorrent/core"
)

// Event is the announce event reported to a tracker.
type Event int

// Announce events, per BEP 3.
const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

// AnnounceRequest carries the progress a client reports to a tracker.
type AnnounceRequest struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	NumWant    int
	Key        uint32
	Event      Event
}

// Peer is a single compact peer entry returned by a tracker.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), portString(p.Port))
}

func portString(port uint16) string {
	return (&net.TCPAddr{Port: int(port)}).String()[1:] // drop the leading ':'.
}

// AnnounceResponse carries a tracker's reply to an announce.
type AnnounceResponse struct {
	Interval time.Duration
	Peers    []Peer
}

// Tracker announces progress to a single tracker endpoint and tracks
// reachability / reannounce timing.
type Tracker interface {
	// Announce reports progress and returns the peer list. On network
	// failure it marks the tracker unreachable and returns a nil response
	// with no error.
	Announce(req AnnounceRequest) (*AnnounceResponse, error)

	// CanReannounce reports whether enough time has elapsed since the last
	// successful announce and the tracker is reachable.
	CanReannounce() bool

	// Reachable reports the tracker's last-known reachability.
	Reachable() bool

	// URL returns the tracker's announce URL.
	URL() string
}

// State is the bookkeeping shared by both protocol implementations:
// reachability, last announce time, and the minimum reannounce interval
// reported by the tracker itself. Embedded by httptracker.Tracker and
// udptracker.Tracker.
type State struct {
	mu sync.Mutex

	clk          clock.Clock
	url          string
	reachable    bool
	lastAnnounce time.Time
	minInterval  time.Duration
}

// NewState creates a new State for a tracker reachable at url.
func NewState(clk clock.Clock, url string) *State {
	return &State{
		clk:         clk,
		url:         url,
		reachable:   true,
		minInterval: time.Minute,
	}
}

// URL returns the tracker's announce URL.
func (s *State) URL() string {
	return s.url
}

// Reachable reports the tracker's last-known reachability.
func (s *State) Reachable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reachable
}

// CanReannounce reports whether enough time has elapsed since the last
// successful announce and the tracker is reachable.
func (s *State) CanReannounce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reachable {
		return false
	}
	return s.clk.Now().Sub(s.lastAnnounce) >= s.minInterval
}

// MarkUnreachable records a network failure.
func (s *State) MarkUnreachable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reachable = false
}

// MarkSuccess records a successful announce and updates the minimum
// reannounce interval if the tracker supplied one.
func (s *State) MarkSuccess(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reachable = true
	s.lastAnnounce = s.clk.Now()
	if interval > 0 {
		s.minInterval = interval
	}
}
