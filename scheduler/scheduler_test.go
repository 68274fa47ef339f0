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
package scheduler

import (
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kraken-torrent/gotorrent/core"
	"github.com/kraken-torrent/gotorrent/peerwire"
)

func TestBlockRequestsSplitsTrailingBlock(t *testing.T) {
	msgs := BlockRequests(4, 40000)
	require.Equal(t, []peerwire.Message{
		peerwire.Request(4, 0, 16384),
		peerwire.Request(4, 16384, 16384),
		peerwire.Request(4, 32768, 7232),
	}, msgs)
}

func TestCancelBlocksMatchesBlockRequests(t *testing.T) {
	reqs := BlockRequests(2, 20000)
	cancels := CancelBlocks(2, 20000)
	require.Len(t, cancels, len(reqs))
	for i := range reqs {
		require.Equal(t, reqs[i].Index, cancels[i].Index)
		require.Equal(t, reqs[i].Begin, cancels[i].Begin)
		require.Equal(t, reqs[i].Length, cancels[i].Length)
		require.Equal(t, peerwire.MsgCancel, cancels[i].ID)
	}
}

type fakePeer struct {
	id          core.PeerID
	has         map[uint32]bool
	canReq      bool
	unchoked    bool
	endgame     bool
	sent        []peerwire.Message
	markedCount int
}

func (p *fakePeer) RemotePeerID() core.PeerID        { return p.id }
func (p *fakePeer) CanRequest() bool                 { return p.canReq }
func (p *fakePeer) Unchoked() bool                   { return p.unchoked }
func (p *fakePeer) HasPiece(index uint32) bool       { return p.has[index] }
func (p *fakePeer) Send(msg peerwire.Message) error  { p.sent = append(p.sent, msg); return nil }
func (p *fakePeer) Endgame() bool                    { return p.endgame }
func (p *fakePeer) SetEndgame()                      { p.endgame = true }
func (p *fakePeer) MarkRequested(index uint32, n int) { p.markedCount++ }

type fakePieces struct {
	num        int
	size       int64
	have       map[int]bool
	needed     map[int]bool
	downloaded int64
	total      int64
}

func (f *fakePieces) NumPieces() int          { return f.num }
func (f *fakePieces) PieceSize(i int) int64   { return f.size }
func (f *fakePieces) Have(i int) bool         { return f.have[i] }
func (f *fakePieces) Needed(i int) bool       { return f.needed[i] }
func (f *fakePieces) DownloadedBytes() int64  { return f.downloaded }
func (f *fakePieces) TotalBytes() int64       { return f.total }

func TestTickNormalRequestsAscendingPieces(t *testing.T) {
	peerID, _ := core.GeneratePeerID("-GT0001-")
	peer := &fakePeer{id: peerID, canReq: true, unchoked: true, has: map[uint32]bool{0: true, 1: true, 2: true}}
	pieces := &fakePieces{
		num:    3,
		size:   16384,
		have:   map[int]bool{},
		needed: map[int]bool{0: true, 1: true, 2: true},
		total:  100,
	}

	s := New(90, clock.New(), zap.NewNop().Sugar())
	s.Tick([]Peer{peer}, pieces)

	require.Len(t, peer.sent, 3)
	require.Equal(t, uint32(0), peer.sent[0].Index)
	require.Equal(t, uint32(1), peer.sent[1].Index)
	require.Equal(t, uint32(2), peer.sent[2].Index)
}

func TestTickEntersEndgameAtThreshold(t *testing.T) {
	peerID, _ := core.GeneratePeerID("-GT0001-")
	peer := &fakePeer{id: peerID, canReq: true, unchoked: true, has: map[uint32]bool{0: true}}
	pieces := &fakePieces{
		num:        1,
		size:       100,
		have:       map[int]bool{},
		needed:     map[int]bool{0: true},
		downloaded: 95,
		total:      100,
	}

	s := New(90, clock.New(), zap.NewNop().Sugar())
	require.False(t, s.InEndgame())
	s.Tick([]Peer{peer}, pieces)
	require.True(t, s.InEndgame())
	require.True(t, peer.endgame)
}

func TestTickEndgameIgnoresRequestWindow(t *testing.T) {
	peerID, _ := core.GeneratePeerID("-GT0001-")
	// A saturated request window (canReq=false) must not keep an unchoked
	// peer from receiving its endgame batch.
	peer := &fakePeer{id: peerID, canReq: false, unchoked: true, has: map[uint32]bool{0: true}}
	pieces := &fakePieces{
		num:        1,
		size:       16384,
		have:       map[int]bool{},
		needed:     map[int]bool{0: true},
		downloaded: 95,
		total:      100,
	}

	s := New(90, clock.New(), zap.NewNop().Sugar())
	s.Tick([]Peer{peer}, pieces)
	require.True(t, peer.endgame)
	require.NotEmpty(t, peer.sent)
}

func TestTickEndgameSkipsChokedPeers(t *testing.T) {
	peerID, _ := core.GeneratePeerID("-GT0001-")
	peer := &fakePeer{id: peerID, canReq: true, unchoked: false, has: map[uint32]bool{0: true}}
	pieces := &fakePieces{
		num:        1,
		size:       16384,
		have:       map[int]bool{},
		needed:     map[int]bool{0: true},
		downloaded: 95,
		total:      100,
	}

	s := New(90, clock.New(), zap.NewNop().Sugar())
	s.Tick([]Peer{peer}, pieces)
	require.False(t, peer.endgame)
	require.Empty(t, peer.sent)
}
