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

// Package scheduler drives piece/block request placement across the live
// peer set each torrent tick: a normal in-order scan mode and an endgame
// mode that broadcasts the tail of the torrent to every unchoked peer.
package scheduler

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/kraken-torrent/gotorrent/core"
)

// requestTimeout is how long a piece may stay in flight to one peer before
// it is eligible to be requested again.
const requestTimeout = 10 * time.Second

// pieceRequest records that piece index is currently in flight to peerID.
type pieceRequest struct {
	peerID core.PeerID
	at     time.Time
}

// requestTracker is thread-safe piece-in-flight bookkeeping, generalized
// from uber-kraken/lib/torrent/scheduler/piecerequest.Manager's
// requests/requestsByPeer maps down to a single in-order, no-pipeline-limit
// policy: one outstanding request per piece, ascending-index scan rather
// than reservoir-sampled rarest-first.
type requestTracker struct {
	mu       sync.Mutex
	requests map[int]pieceRequest
	clk      clock.Clock
}

func newRequestTracker(clk clock.Clock) *requestTracker {
	return &requestTracker{
		requests: make(map[int]pieceRequest),
		clk:      clk,
	}
}

// inFlight reports whether piece i has an unexpired in-flight request.
func (t *requestTracker) inFlight(i int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.requests[i]
	if !ok {
		return false
	}
	return t.clk.Now().Sub(r.at) <= requestTimeout
}

// markRequested records piece i as now in flight to peerID.
func (t *requestTracker) markRequested(i int, peerID core.PeerID) {
	t.mu.Lock()
	t.requests[i] = pieceRequest{peerID: peerID, at: t.clk.Now()}
	t.mu.Unlock()
}

// clear removes any in-flight bookkeeping for piece i, called once the
// piece is verified complete or its hash fails.
func (t *requestTracker) clear(i int) {
	t.mu.Lock()
	delete(t.requests, i)
	t.mu.Unlock()
}

// clearPeer drops all in-flight bookkeeping attributed to peerID, called
// when a session closes so its claimed pieces become requestable again.
func (t *requestTracker) clearPeer(peerID core.PeerID) {
	t.mu.Lock()
	for i, r := range t.requests {
		if r.peerID == peerID {
			delete(t.requests, i)
		}
	}
	t.mu.Unlock()
}
