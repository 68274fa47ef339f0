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
package peerwire

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/kraken-torrent/gotorrent/core"
)

type noopEvents struct{}

func (noopEvents) SessionClosed(*Session)                        {}
func (noopEvents) PieceCompleted(*Session, uint32, []byte) {}

func newTestSessionPair(t *testing.T) (*Session, *Session, net.Conn, net.Conn) {
	localConn, remoteConn := net.Pipe()

	localID, err := core.GeneratePeerID("-GT0001-")
	require.NoError(t, err)
	remoteID, err := core.GeneratePeerID("-GT0001-")
	require.NoError(t, err)

	ih := core.NewInfoHashFromBytes([]byte("test-torrent"))
	pieceLen := func(uint32) int64 { return 32768 }

	local := NewSession(localConn, localID, remoteID, ih, 10, pieceLen, false,
		Config{}, clock.New(), tally.NoopScope, zap.NewNop().Sugar(), noopEvents{})
	remote := NewSession(remoteConn, remoteID, localID, ih, 10, pieceLen, true,
		Config{}, clock.New(), tally.NoopScope, zap.NewNop().Sugar(), noopEvents{})

	return local, remote, localConn, remoteConn
}

func TestSessionHandshakeEstablishes(t *testing.T) {
	local, remote, _, _ := newTestSessionPair(t)
	prefix := []byte{19}
	prefix = append(prefix, []byte("BitTorrent protocol")...)
	prefix = append(prefix, make([]byte, 8)...)
	prefix = append(prefix, local.infoHash.Bytes()...)

	done := make(chan error, 2)
	go func() { done <- local.Handshake(prefix, nil) }()
	go func() { done <- remote.Handshake(prefix, nil) }()

	require.NoError(t, <-done)
	require.NoError(t, <-done)
	require.Equal(t, Established, local.State())
	require.Equal(t, Established, remote.State())
}

func TestSessionHandshakeRejectsMismatchedInfoHash(t *testing.T) {
	localConn, remoteConn := net.Pipe()
	localID, err := core.GeneratePeerID("-GT0001-")
	require.NoError(t, err)
	ih := core.NewInfoHashFromBytes([]byte("expected-torrent"))

	// openedByRemote=true: local reads first, so it never blocks writing
	// into an unread pipe before the mismatch is detected.
	local := NewSession(localConn, localID, core.PeerID{}, ih, 10, func(uint32) int64 { return 0 },
		true, Config{}, clock.New(), tally.NoopScope, zap.NewNop().Sugar(), noopEvents{})

	wrongHash := core.NewInfoHashFromBytes([]byte("some-other-torrent"))
	wrongPrefix := []byte{19}
	wrongPrefix = append(wrongPrefix, []byte("BitTorrent protocol")...)
	wrongPrefix = append(wrongPrefix, make([]byte, 8)...)
	wrongPrefix = append(wrongPrefix, wrongHash.Bytes()...)
	otherPeerID, err := core.GeneratePeerID("-GT0001-")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- local.Handshake(nil, nil) }()
	require.NoError(t, WriteHandshake(remoteConn, wrongPrefix, otherPeerID))

	require.Error(t, <-errCh)
}

func TestSessionHandlePieceAssemblesAndCompletes(t *testing.T) {
	var completed bool
	var gotData []byte
	ev := &capturingEvents{onComplete: func(idx uint32, data []byte) {
		completed = true
		gotData = data
	}}

	localConn, _ := net.Pipe()
	localID, _ := core.GeneratePeerID("-GT0001-")
	remoteID, _ := core.GeneratePeerID("-GT0001-")
	ih := core.NewInfoHashFromBytes([]byte("x"))
	s := NewSession(localConn, localID, remoteID, ih, 1, func(uint32) int64 { return 10 },
		false, Config{}, clock.New(), tally.NoopScope, zap.NewNop().Sugar(), ev)

	s.handlePiece(Message{ID: MsgPiece, Index: 0, Begin: 0, Block: []byte("01234")})
	require.False(t, completed)
	s.handlePiece(Message{ID: MsgPiece, Index: 0, Begin: 5, Block: []byte("56789")})
	require.True(t, completed)
	require.Equal(t, []byte("0123456789"), gotData)
}

func TestSessionChokeClosesSession(t *testing.T) {
	local, remote, _, _ := newTestSessionPair(t)
	prefix := []byte{19}
	prefix = append(prefix, []byte("BitTorrent protocol")...)
	prefix = append(prefix, make([]byte, 8)...)
	prefix = append(prefix, local.infoHash.Bytes()...)

	done := make(chan error, 2)
	go func() { done <- local.Handshake(prefix, nil) }()
	go func() { done <- remote.Handshake(prefix, nil) }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	local.Start()
	remote.Start()

	require.NoError(t, remote.Send(Simple(MsgChoke)))

	require.Eventually(t, func() bool {
		return local.IsClosed()
	}, time.Second, 10*time.Millisecond)
}

func TestSessionInterestedUnchokesOnlyWhenUploading(t *testing.T) {
	localID, _ := core.GeneratePeerID("-GT0001-")
	remoteID, _ := core.GeneratePeerID("-GT0001-")
	ih := core.NewInfoHashFromBytes([]byte("x"))
	newSession := func(openedByRemote bool) *Session {
		nc, _ := net.Pipe()
		return NewSession(nc, localID, remoteID, ih, 1, func(uint32) int64 { return 10 },
			openedByRemote, Config{}, clock.New(), tally.NoopScope, zap.NewNop().Sugar(), noopEvents{})
	}

	inbound := newSession(true)
	inbound.handleMessage(Simple(MsgInterested))
	select {
	case msg := <-inbound.sender:
		require.Equal(t, MsgUnchoke, msg.ID)
	default:
		t.Fatal("uploading session did not queue an unchoke reply")
	}

	// A peer this client dialed to download from stays choked.
	outbound := newSession(false)
	outbound.handleMessage(Simple(MsgInterested))
	require.Empty(t, outbound.sender)
}

func TestSessionUnchokeEnablesRequests(t *testing.T) {
	localConn, _ := net.Pipe()
	localID, _ := core.GeneratePeerID("-GT0001-")
	remoteID, _ := core.GeneratePeerID("-GT0001-")
	ih := core.NewInfoHashFromBytes([]byte("x"))
	s := NewSession(localConn, localID, remoteID, ih, 1, func(uint32) int64 { return 10 },
		false, Config{}, clock.New(), tally.NoopScope, zap.NewNop().Sugar(), noopEvents{})

	require.False(t, s.Unchoked())
	require.False(t, s.CanRequest())

	s.handleMessage(Simple(MsgUnchoke))
	require.True(t, s.Unchoked())
	require.True(t, s.CanRequest())
}

type capturingEvents struct {
	onComplete func(index uint32, data []byte)
}

func (capturingEvents) SessionClosed(*Session) {}

func (c *capturingEvents) PieceCompleted(s *Session, index uint32, data []byte) {
	c.onComplete(index, data)
}
