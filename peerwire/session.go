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
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/kraken-torrent/gotorrent/core"
)

// State is the lifecycle state of a Session.
type State int

// Session states, per the peer connection state machine.
const (
	Connecting State = iota
	HandshakeSent
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case HandshakeSent:
		return "handshake_sent"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Block identifies a byte range within a piece by its offset and length.
type Block struct {
	Offset uint32
	Length uint32
}

// Events is implemented by the owner of a Session to learn about state
// changes it cannot observe on its own.
type Events interface {
	// SessionClosed is invoked exactly once when s transitions to Closed.
	SessionClosed(s *Session)
	// PieceCompleted is invoked when a full piece has been reassembled from
	// incoming piece messages.
	PieceCompleted(s *Session, index uint32, data []byte)
}

// Config controls Session channel buffering and the per-peer timeouts that
// come from the process-wide config record.
type Config struct {
	SenderBufferSize int `yaml:"sender_buffer_size"`

	// HandshakeTimeout bounds the synchronous handshake exchange.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// MaxRequestLength is the block length the adaptive request window is
	// denominated in.
	MaxRequestLength int `yaml:"max_request_length"`
}

func (c *Config) applyDefaults() {
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 64
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = HandshakeTimeout
	}
	if c.MaxRequestLength == 0 {
		c.MaxRequestLength = MaxBlockLength
	}
}

// Session manages the wire-level conversation with one remote peer across
// one torrent: handshake, message framing, choke/interest bookkeeping,
// block assembly and the adaptive request window. It mirrors the
// read-loop/write-loop split of a production peer connection, letting the
// Go runtime's netpoller stand in for a hand-rolled readiness reactor.
type Session struct {
	mu sync.Mutex

	nc             net.Conn
	remotePeerID   core.PeerID
	localPeerID    core.PeerID
	infoHash       core.InfoHash
	numPieces      uint32
	openedByRemote bool

	config Config
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger
	events Events

	state State

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerUnchoking  bool
	peerInterested bool

	remoteBitfield *bitset.BitSet

	requested       map[uint32]time.Time
	outstanding     int
	maxRequests     int
	downloadedBytes *atomic.Int64
	firstByteTime   time.Time
	frozen          bool
	endgame         bool

	assembly           map[uint32]map[uint32][]byte // piece index -> offset -> block bytes.
	assemblySize       map[uint32]int64
	pieceLength        func(index uint32) int64
	pendingUploadBlock map[uint32][]Block

	sender chan Message

	closed    *atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
}

// NewSession wraps an already-connected socket. pieceLength returns the
// full length of a given piece index, used to detect assembly completion.
func NewSession(
	nc net.Conn,
	localPeerID, remotePeerID core.PeerID,
	infoHash core.InfoHash,
	numPieces uint32,
	pieceLength func(index uint32) int64,
	openedByRemote bool,
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
	events Events,
) *Session {
	config.applyDefaults()
	return &Session{
		nc:                 nc,
		remotePeerID:       remotePeerID,
		localPeerID:        localPeerID,
		infoHash:           infoHash,
		numPieces:          numPieces,
		openedByRemote:     openedByRemote,
		config:             config,
		clk:                clk,
		stats:              stats,
		logger:             logger,
		events:             events,
		state:              Connecting,
		amChoking:          true,
		amInterested:       false,
		peerChoking:        true,
		peerUnchoking:      false,
		remoteBitfield:     bitset.New(uint(numPieces)),
		requested:          make(map[uint32]time.Time),
		maxRequests:        1,
		downloadedBytes:    atomic.NewInt64(0),
		assembly:           make(map[uint32]map[uint32][]byte),
		assemblySize:       make(map[uint32]int64),
		pieceLength:        pieceLength,
		pendingUploadBlock: make(map[uint32][]Block),
		sender:             make(chan Message, config.SenderBufferSize),
		closed:             atomic.NewBool(false),
		done:               make(chan struct{}),
	}
}

// Handshake performs the synchronous handshake exchange and must complete
// before Start is called. Outbound sessions speak first; inbound sessions
// verify the remote's handshake before replying with their own.
//
// preRead lets a caller that already consumed the remote's handshake bytes
// off the wire (a shared listener routing inbound connections by info hash
// before a Session exists for them) hand those parsed bytes in directly,
// instead of Handshake attempting to read them again.
func (s *Session) Handshake(prefix []byte, preRead *Handshake) error {
	s.setState(Connecting)

	// NOTE: We do not use the clock interface here because the net package
	// uses the system clock when evaluating deadlines.
	s.nc.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))

	if !s.openedByRemote {
		if err := WriteHandshake(s.nc, prefix, s.localPeerID); err != nil {
			return fmt.Errorf("write handshake: %s", err)
		}
	}
	s.setState(HandshakeSent)

	hs := preRead
	if hs == nil {
		var err error
		hs, err = ReadHandshake(s.nc)
		if err != nil {
			return fmt.Errorf("read handshake: %s", err)
		}
	}
	if hs.InfoHash != s.infoHash {
		return fmt.Errorf("info hash mismatch")
	}
	s.mu.Lock()
	s.remotePeerID = hs.PeerID
	s.mu.Unlock()

	if s.openedByRemote {
		if err := WriteHandshake(s.nc, prefix, s.localPeerID); err != nil {
			return fmt.Errorf("write handshake: %s", err)
		}
	}

	s.nc.SetDeadline(time.Time{})
	s.setState(Established)
	return nil
}

// Start launches the read/write loops. Handshake must have completed
// successfully first.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.readLoop()
		go s.writeLoop()
	})
}

// RemotePeerID returns the remote peer's advertised id.
func (s *Session) RemotePeerID() core.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remotePeerID
}

// Outbound reports whether this session was dialed by the local process
// (downloading direction) as opposed to accepted from the seed listener.
func (s *Session) Outbound() bool {
	return !s.openedByRemote
}

// Downloaded returns the running total of payload bytes received from this
// peer, used by the controller to compute the aggregate download rate.
func (s *Session) Downloaded() int64 {
	return s.downloadedBytes.Load()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsClosed reports whether the session has finished shutting down.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Send enqueues msg for transmission, returning an error if the session is
// already closed or the sender buffer is full.
func (s *Session) Send(msg Message) error {
	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	case s.sender <- msg:
		return nil
	default:
		if s.stats != nil {
			s.stats.Tagged(map[string]string{
				"dropped_message_id": fmt.Sprintf("%d", msg.ID),
			}).Counter("dropped_messages").Inc(1)
		}
		return fmt.Errorf("send buffer full")
	}
}

// Close begins the shutdown sequence, idempotently.
func (s *Session) Close() {
	if !s.closed.CAS(false, true) {
		return
	}
	go func() {
		close(s.done)
		s.nc.Close()
		s.wg.Wait()
		s.setState(Closed)
		if s.events != nil {
			s.events.SessionClosed(s)
		}
	}()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// CanRequest reports whether the scheduler may issue another request to
// this peer: it must be unchoking us and have spare room in the adaptive
// request window.
func (s *Session) CanRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerUnchoking && s.outstanding < s.maxRequests
}

// HasPiece reports whether the remote bitfield claims piece index.
func (s *Session) HasPiece(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteBitfield.Test(uint(index))
}

// Unchoked reports whether the remote peer has unchoked us. Endgame-mode
// scheduling keys off this alone, ignoring the adaptive request window.
func (s *Session) Unchoked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerUnchoking
}

// Endgame reports whether this session has already received its one
// endgame request batch.
func (s *Session) Endgame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endgame
}

// SetEndgame marks the session as having entered endgame mode.
func (s *Session) SetEndgame() {
	s.mu.Lock()
	s.endgame = true
	s.mu.Unlock()
}

// MarkRequested records that index is now in flight to this peer, charging
// numBlocks against the outstanding-request counter.
func (s *Session) MarkRequested(index uint32, numBlocks int) {
	s.mu.Lock()
	s.requested[index] = s.clk.Now()
	s.outstanding += numBlocks
	s.mu.Unlock()
}

// readLoop reads messages off the socket, dispatching each to
// handleMessage. Exits (and triggers Close) on any read or protocol error.
// Handshake must already have completed via Handshake.
func (s *Session) readLoop() {
	defer func() {
		s.wg.Done()
		s.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		msg, err := ReadMessage(s.nc)
		if err != nil {
			s.logger.Infof("Read error from peer %s, closing session: %s", s.remotePeerID, err)
			return
		}
		if msg.KeepAlive {
			continue
		}
		if !s.handleMessage(msg) {
			return
		}
	}
}

// handleMessage applies one incoming message's effect on session state, per
// the dispatch table in the peer session design, and reports whether the
// session should remain open.
func (s *Session) handleMessage(msg Message) bool {
	switch msg.ID {
	case MsgChoke:
		s.mu.Lock()
		s.peerChoking = true
		s.mu.Unlock()
		// An incoming choke closes the session outright; this mirrors the
		// aggressive policy of the client this behavior was carried from.
		return false

	case MsgUnchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.peerUnchoking = true
		s.mu.Unlock()

	case MsgInterested:
		s.mu.Lock()
		s.peerInterested = true
		uploader := s.openedByRemote
		if uploader {
			s.amChoking = false
		}
		s.mu.Unlock()
		// Only the uploading (accepted) direction replies with unchoke;
		// peers this client dialed to download from stay choked.
		if uploader {
			s.Send(Simple(MsgUnchoke))
		}

	case MsgNotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()

	case MsgHave:
		s.mu.Lock()
		s.remoteBitfield.Set(uint(msg.Index))
		s.mu.Unlock()

	case MsgBitfield:
		s.mu.Lock()
		s.remoteBitfield = DecodeBitfield(msg.Bitfield, uint(s.numPieces))
		wantInterest := !s.openedByRemote
		s.mu.Unlock()
		if wantInterest {
			s.setInterested(true)
			s.Send(Simple(MsgInterested))
		}

	case MsgRequest:
		s.mu.Lock()
		s.pendingUploadBlock[msg.Index] = append(s.pendingUploadBlock[msg.Index], Block{msg.Begin, msg.Length})
		s.mu.Unlock()

	case MsgPiece:
		s.handlePiece(msg)

	case MsgCancel:
		s.mu.Lock()
		blocks := s.pendingUploadBlock[msg.Index]
		for i, b := range blocks {
			if b.Offset == msg.Begin && b.Length == msg.Length {
				s.pendingUploadBlock[msg.Index] = append(blocks[:i], blocks[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
	return true
}

func (s *Session) setInterested(v bool) {
	s.mu.Lock()
	s.amInterested = v
	s.mu.Unlock()
}

// handlePiece stashes an incoming block into the assembly map, updates the
// adaptive request window, and emits PieceCompleted once a piece's full
// byte range has arrived.
func (s *Session) handlePiece(msg Message) {
	s.mu.Lock()
	if s.firstByteTime.IsZero() {
		s.firstByteTime = s.clk.Now()
	}
	if _, ok := s.assembly[msg.Index]; !ok {
		s.assembly[msg.Index] = make(map[uint32][]byte)
	}
	if _, dup := s.assembly[msg.Index][msg.Begin]; !dup {
		s.assembly[msg.Index][msg.Begin] = msg.Block
		s.assemblySize[msg.Index] += int64(len(msg.Block))
	}
	if s.outstanding > 0 {
		s.outstanding--
	}
	delete(s.requested, msg.Index)

	downloaded := s.downloadedBytes.Add(int64(len(msg.Block)))
	s.recalculateMaxRequests(downloaded)
	if s.stats != nil {
		s.stats.Counter("piece_bytes_downloaded").Inc(int64(len(msg.Block)))
	}

	complete := s.assemblySize[msg.Index] >= s.pieceLength(msg.Index)
	var data []byte
	if complete {
		data = s.assembleLocked(msg.Index)
		delete(s.assembly, msg.Index)
		delete(s.assemblySize, msg.Index)
	}
	s.mu.Unlock()

	if complete && s.events != nil {
		s.events.PieceCompleted(s, msg.Index, data)
	}
}

// assembleLocked concatenates the blocks for index in offset order. Caller
// must hold s.mu.
func (s *Session) assembleLocked(index uint32) []byte {
	blocks := s.assembly[index]
	total := s.assemblySize[index]
	out := make([]byte, total)
	for offset, b := range blocks {
		copy(out[offset:], b)
	}
	return out
}

// recalculateMaxRequests implements the adaptive request window: on each
// read, if we have both elapsed time and downloaded bytes and the session
// is not frozen, max_requests = round(download_rate / 16384), minimum 1.
// Caller must hold s.mu.
func (s *Session) recalculateMaxRequests(downloaded int64) {
	if s.frozen || s.firstByteTime.IsZero() {
		return
	}
	elapsed := s.clk.Now().Sub(s.firstByteTime).Seconds()
	if elapsed <= 0 || downloaded <= 0 {
		return
	}
	rate := float64(downloaded) / elapsed
	max := int(math.Round(rate / float64(s.config.MaxRequestLength)))
	if max < 1 {
		max = 1
	}
	s.maxRequests = max
}

// Freeze stops the adaptive request window from growing, used when a
// rate-limit gate wants to hold the session at its current ceiling.
func (s *Session) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// PendingUploadBlocks returns and clears the blocks queued for upload on
// piece index.
func (s *Session) PendingUploadBlocks(index uint32) []Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.pendingUploadBlock[index]
	delete(s.pendingUploadBlock, index)
	return b
}

// PendingUploadIndices returns the piece indices with at least one queued
// upload request, letting the caller drain PendingUploadBlocks per index
// without needing to know the index set in advance.
func (s *Session) PendingUploadIndices() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	indices := make([]uint32, 0, len(s.pendingUploadBlock))
	for index := range s.pendingUploadBlock {
		indices = append(indices, index)
	}
	return indices
}

// writeLoop drains the sender channel to the socket until the session is
// closed or a write fails.
func (s *Session) writeLoop() {
	defer func() {
		s.wg.Done()
		s.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.sender:
			if err := WriteMessage(s.nc, msg); err != nil {
				s.logger.Infof("Write error to peer %s, closing session: %s", s.remotePeerID, err)
				return
			}
		}
	}
}
