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

// Package controller composes the metainfo, storage, scheduler, tracker and
// peerwire packages into a per-torrent 2Hz tick loop. Grounded on
// uber-kraken/lib/torrent/scheduler/scheduler.go's component wiring
// (handshaker, listener, stats, logger, done/wg shutdown), generalized from
// kraken's command-channel event loop to a literal tick-driven design in
// the tradition of a classic BitTorrent client's Controller/session loop.
package controller

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/schollz/progressbar/v3"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/kraken-torrent/gotorrent/config"
	"github.com/kraken-torrent/gotorrent/core"
	"github.com/kraken-torrent/gotorrent/metainfo"
	"github.com/kraken-torrent/gotorrent/peerwire"
	"github.com/kraken-torrent/gotorrent/scheduler"
	"github.com/kraken-torrent/gotorrent/seedlistener"
	"github.com/kraken-torrent/gotorrent/storage"
	"github.com/kraken-torrent/gotorrent/tracker"
)

// tickInterval is the controller's tick rate.
const tickInterval = 500 * time.Millisecond

// speedDeltaBytes is the hysteresis band around a configured rate limit.
const speedDeltaBytes = 5 * 1024

// dialTimeout bounds an outbound peer connection attempt.
const dialTimeout = 10 * time.Second

// completedPiece is handed from a Session's Events callback to the tick
// loop for verification and write-through.
type completedPiece struct {
	index uint32
	data  []byte
}

// Controller drives one torrent's peer lifecycle, request/upload
// scheduling and progress reporting. One Controller exists per torrent a
// process is downloading or seeding; a shared seedlistener.Listener routes
// inbound connections to whichever Controller registered their info hash.
type Controller struct {
	cfg      config.Config
	mi       *metainfo.Torrent
	store    *storage.Torrent
	sched    *scheduler.Scheduler
	trackers []tracker.Tracker
	listener *seedlistener.Listener

	downloadLimitBytes int64 // Bytes/sec; always positive (minimum 200 KB/s).
	uploadLimitBytes   int64 // Bytes/sec; -1 means unlimited.
	seedAfterComplete  bool

	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	mu           sync.Mutex
	peers        map[core.PeerID]*peerwire.Session
	dialed       map[string]bool
	backup       []tracker.Peer
	lastDownload map[core.PeerID]int64
	sentBitfield map[core.PeerID]bool

	uploadedBytes *atomic.Int64
	lastUploaded  int64
	completedFlag bool

	completedCh chan completedPiece
	inbound     <-chan *seedlistener.Conn

	bar *progressbar.ProgressBar

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Controller for mi, writing into store and announcing to
// trackers. downloadLimitKBps/uploadLimitKBps are rate limits in KB/s
// (uploadLimitKBps may be -1 for unlimited).
func New(
	cfg config.Config,
	mi *metainfo.Torrent,
	store *storage.Torrent,
	trackers []tracker.Tracker,
	listener *seedlistener.Listener,
	downloadLimitKBps, uploadLimitKBps int,
	seedAfterComplete bool,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) *Controller {
	uploadBytes := int64(-1)
	if uploadLimitKBps >= 0 {
		uploadBytes = int64(uploadLimitKBps) * 1024
	}
	return &Controller{
		cfg:                cfg,
		mi:                 mi,
		store:              store,
		sched:              scheduler.New(cfg.EndgamePercent, clk, logger),
		trackers:           trackers,
		listener:           listener,
		downloadLimitBytes: int64(downloadLimitKBps) * 1024,
		uploadLimitBytes:   uploadBytes,
		seedAfterComplete:  seedAfterComplete,
		clk:                clk,
		stats:              stats.Tagged(map[string]string{"torrent": mi.InfoHash.Hex()}),
		logger:             logger.With("torrent", mi.Name),
		peers:              make(map[core.PeerID]*peerwire.Session),
		dialed:             make(map[string]bool),
		lastDownload:       make(map[core.PeerID]int64),
		sentBitfield:       make(map[core.PeerID]bool),
		uploadedBytes:      atomic.NewInt64(0),
		completedCh:        make(chan completedPiece, 64),
		done:               make(chan struct{}),
	}
}

// Run registers this torrent with the seed listener, announces "started" to
// every tracker, and drives the tick loop until ctx is cancelled or the
// torrent is stopped. It returns nil on a clean shutdown.
func (c *Controller) Run(ctx context.Context) error {
	c.inbound = c.listener.Register(c.mi.InfoHash)
	defer c.listener.Unregister(c.mi.InfoHash)

	c.announceAll(tracker.EventStarted)
	defer c.announceAll(tracker.EventStopped)

	ticker := c.clk.Tick(tickInterval)
	for {
		select {
		case <-ctx.Done():
			c.closeAllPeers()
			return nil
		case <-c.done:
			c.closeAllPeers()
			return nil
		case <-ticker:
			c.tick()
		}
	}
}

// Stop requests a clean shutdown of the tick loop from outside Run's
// goroutine.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// tick runs one pass of the controller's eight-step cycle: reap, accept,
// dial, rate-check, schedule, harvest, upload, report.
func (c *Controller) tick() {
	c.reapDeadPeers() // 1
	c.acceptInbound() // 2

	rate := c.downloadRate()
	if !c.store.Complete() && rate < float64(c.downloadLimitBytes)+speedDeltaBytes {
		c.maintainOutboundPeers() // 3
	}

	// Rate limiting happens at scheduling time: close to the limit, freeze
	// the adaptive windows and stop issuing requests until the rate drops.
	// Requests resume once the rate drops; a frozen window stays frozen.
	if rate >= float64(c.downloadLimitBytes)-speedDeltaBytes { // 4
		c.freezeAll()
	} else {
		c.scheduleRequests() // 5
	}
	c.harvestCompleted() // 6
	c.upload()           // 7
	c.renderProgress()   // 8

	if c.store.Complete() && !c.completedFlag {
		c.completedFlag = true
		if !c.seedAfterComplete {
			c.Stop()
			return
		}
		c.closeOutboundPeers()
	}
}

func (c *Controller) livePeers() []*peerwire.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*peerwire.Session, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// reapDeadPeers drops sessions that have finished closing.
func (c *Controller) reapDeadPeers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.peers {
		if p.IsClosed() {
			delete(c.peers, id)
			delete(c.lastDownload, id)
			delete(c.sentBitfield, id)
			c.sched.ClearPeer(id)
		}
	}
}

// acceptInbound drains pending connections routed by the seed listener, up
// to UploadPeers total inbound sessions.
func (c *Controller) acceptInbound() {
	for {
		c.mu.Lock()
		inboundCount := c.countInboundLocked()
		c.mu.Unlock()
		if inboundCount >= c.cfg.UploadPeers {
			return
		}
		select {
		case conn, ok := <-c.inbound:
			if !ok {
				return
			}
			c.wg.Add(1)
			go c.establishInbound(conn)
		default:
			return
		}
	}
}

func (c *Controller) countInboundLocked() int {
	n := 0
	for _, p := range c.peers {
		if !p.Outbound() {
			n++
		}
	}
	return n
}

func (c *Controller) establishInbound(conn *seedlistener.Conn) {
	defer c.wg.Done()
	localID := c.cfg.PeerID
	session := peerwire.NewSession(
		conn.Conn, localID, conn.Handshake.PeerID, c.mi.InfoHash,
		uint32(c.store.NumPieces()), c.pieceLength, true,
		c.sessionConfig(), c.clk, c.stats, c.logger, c,
	)
	if err := session.Handshake(c.mi.HandshakePrefix(), conn.Handshake); err != nil {
		c.logger.Infof("Inbound handshake failed: %s", err)
		conn.Close()
		return
	}
	if c.registerPeer(session) {
		session.Start()
	}
}

// maintainOutboundPeers drains the backup peer pool into new outbound
// sessions until MaxPeers is reached, then reannounces to any tracker that
// is due, adding freshly discovered peers either as new outbound sessions
// or to the backup pool.
func (c *Controller) maintainOutboundPeers() {
	c.mu.Lock()
	live := len(c.peers)
	needPeers := live < c.cfg.MaxPeers
	c.mu.Unlock()
	if !needPeers {
		return
	}

	for {
		c.mu.Lock()
		if len(c.peers) >= c.cfg.MaxPeers || len(c.backup) == 0 {
			c.mu.Unlock()
			break
		}
		p := c.backup[0]
		c.backup = c.backup[1:]
		c.mu.Unlock()
		c.dialOutbound(p)
	}

	for _, t := range c.trackers {
		if !t.CanReannounce() {
			continue
		}
		resp, err := t.Announce(c.announceRequest(tracker.EventNone))
		if err != nil || resp == nil {
			continue
		}
		for _, p := range resp.Peers {
			c.mu.Lock()
			full := len(c.peers) >= c.cfg.MaxPeers
			c.mu.Unlock()
			if full {
				c.mu.Lock()
				c.backup = append(c.backup, p)
				c.mu.Unlock()
				continue
			}
			c.dialOutbound(p)
		}
	}
}

func (c *Controller) dialOutbound(p tracker.Peer) {
	addr := p.String()
	c.mu.Lock()
	if c.dialed[addr] {
		c.mu.Unlock()
		return
	}
	c.dialed[addr] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.establishOutbound(addr)
}

func (c *Controller) establishOutbound(addr string) {
	defer c.wg.Done()
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		c.logger.Debugf("Dial %s failed: %s", addr, err)
		return
	}
	session := peerwire.NewSession(
		nc, c.cfg.PeerID, core.PeerID{}, c.mi.InfoHash,
		uint32(c.store.NumPieces()), c.pieceLength, false,
		c.sessionConfig(), c.clk, c.stats, c.logger, c,
	)
	if err := session.Handshake(c.mi.HandshakePrefix(), nil); err != nil {
		c.logger.Debugf("Handshake with %s failed: %s", addr, err)
		nc.Close()
		return
	}
	if c.registerPeer(session) {
		session.Start()
	}
}

// registerPeer records s in the live peer map. A simultaneous open (the
// remote dialed us while we were dialing it) leaves two sessions for one
// peer id; both ends keep the connection opened by the peer with the larger
// id and close the other, so they converge on the same session instead of
// leaking the displaced one. Reports whether s survived registration.
func (c *Controller) registerPeer(s *peerwire.Session) bool {
	id := s.RemotePeerID()
	c.mu.Lock()
	existing := c.peers[id]
	if existing == nil || existing == s {
		c.peers[id] = s
		c.mu.Unlock()
		return true
	}
	keepRemoteOpened := c.cfg.PeerID.LessThan(id)
	existingOpenedByRemote := !existing.Outbound()
	winner, loser := s, existing
	if existingOpenedByRemote == keepRemoteOpened {
		winner, loser = existing, s
	}
	c.peers[id] = winner
	c.mu.Unlock()
	loser.Close()
	return winner == s
}

func (c *Controller) pieceLength(index uint32) int64 {
	return c.store.PieceSize(int(index))
}

// sessionConfig maps the process config's peer-facing knobs onto a session.
func (c *Controller) sessionConfig() peerwire.Config {
	return peerwire.Config{
		HandshakeTimeout: c.cfg.PeerTimeOut,
		MaxRequestLength: c.cfg.MaxRequest,
	}
}

// downloadRate returns the aggregate bytes/sec received across all live
// peers since the last tick.
func (c *Controller) downloadRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for id, p := range c.peers {
		d := p.Downloaded()
		total += d - c.lastDownload[id]
		c.lastDownload[id] = d
	}
	return float64(total) / tickInterval.Seconds()
}

// freezeAll suspends the adaptive request window on every live peer. A
// session is never unfrozen, so its window keeps its current size from then
// on, even after the rate drops.
func (c *Controller) freezeAll() {
	for _, p := range c.livePeers() {
		p.Freeze()
	}
}

func (c *Controller) scheduleRequests() {
	c.sched.Tick(c.schedulerPeers(), c.store)
}

func (c *Controller) schedulerPeers() []scheduler.Peer {
	live := c.livePeers()
	out := make([]scheduler.Peer, len(live))
	for i, p := range live {
		out[i] = p
	}
	return out
}

// harvestCompleted drains completed pieces reported by peer sessions,
// validates and writes each to disk, and broadcasts HAVE (plus cancels in
// endgame).
func (c *Controller) harvestCompleted() {
	for {
		select {
		case cp := <-c.completedCh:
			c.handleCompleted(cp)
		default:
			return
		}
	}
}

func (c *Controller) handleCompleted(cp completedPiece) {
	index := int(cp.index)
	err := c.store.WritePiece(index, cp.data)
	switch err {
	case nil:
		c.sched.ClearPiece(index)
		c.broadcast(peerwire.Have(cp.index))
		if c.sched.InEndgame() {
			for _, m := range scheduler.CancelBlocks(index, c.store.PieceSize(index)) {
				c.broadcast(m)
			}
		}
	case storage.ErrHashMismatch:
		c.logger.Warnf("Piece %d failed hash verification, will be re-requested", index)
		c.sched.ClearPiece(index)
	case storage.ErrPieceComplete, storage.ErrWritePieceConflict:
		// Another peer's copy of this piece already landed or is landing;
		// nothing further to do.
	default:
		c.logger.Errorf("Disk error writing piece %d: %s", index, err)
	}
}

func (c *Controller) broadcast(m peerwire.Message) {
	for _, p := range c.livePeers() {
		p.Send(m)
	}
}

// upload computes the aggregate upload rate and, while it stays below the
// configured limit (paused only once the rate reaches the limit, unless
// unlimited), sends each peer its bitfield once and drains its queued
// upload requests.
func (c *Controller) upload() {
	uploaded := c.uploadedBytes.Load()
	rate := float64(uploaded-c.lastUploaded) / tickInterval.Seconds()
	c.lastUploaded = uploaded

	if c.uploadLimitBytes != -1 && rate >= float64(c.uploadLimitBytes) {
		return
	}

	for _, p := range c.livePeers() {
		c.sendBitfieldOnce(p)
		c.drainUploadRequests(p)
	}
}

func (c *Controller) sendBitfieldOnce(p *peerwire.Session) {
	id := p.RemotePeerID()
	c.mu.Lock()
	sent := c.sentBitfield[id]
	if !sent {
		c.sentBitfield[id] = true
	}
	c.mu.Unlock()
	if sent {
		return
	}
	p.Send(peerwire.BitfieldMsg(c.store.Bitfield()))
}

func (c *Controller) drainUploadRequests(p *peerwire.Session) {
	for _, index := range p.PendingUploadIndices() {
		for _, blk := range p.PendingUploadBlocks(index) {
			data, err := c.store.ReadBlock(int(index), blk.Offset, blk.Length)
			if err != nil {
				continue
			}
			if err := p.Send(peerwire.Piece(index, blk.Offset, data)); err == nil {
				c.uploadedBytes.Add(int64(len(data)))
			}
		}
	}
}

func (c *Controller) renderProgress() {
	if c.bar == nil {
		c.bar = progressbar.NewOptions64(
			c.mi.Length,
			progressbar.OptionSetDescription(c.mi.Name),
			progressbar.OptionShowBytes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
		)
	}
	c.bar.Set64(c.store.DownloadedBytes())
}

func (c *Controller) announceRequest(event tracker.Event) tracker.AnnounceRequest {
	total := c.mi.Length
	downloaded := c.store.DownloadedBytes()
	left := total - downloaded
	if left < 0 {
		left = 0
	}
	return tracker.AnnounceRequest{
		InfoHash:   c.mi.InfoHash,
		PeerID:     c.cfg.PeerID,
		Port:       c.listener.Port(),
		Uploaded:   c.uploadedBytes.Load(),
		Downloaded: downloaded,
		Left:       left,
		NumWant:    c.cfg.MaxPeers,
		Key:        c.cfg.Key,
		Event:      event,
	}
}

func (c *Controller) announceAll(event tracker.Event) {
	req := c.announceRequest(event)
	for _, t := range c.trackers {
		if !t.Reachable() && event != tracker.EventStarted {
			continue
		}
		resp, err := t.Announce(req)
		if err != nil || resp == nil {
			continue
		}
		c.mu.Lock()
		c.backup = append(c.backup, resp.Peers...)
		c.mu.Unlock()
	}
}

func (c *Controller) closeOutboundPeers() {
	for _, p := range c.livePeers() {
		if p.Outbound() {
			p.Close()
		}
	}
}

func (c *Controller) closeAllPeers() {
	for _, p := range c.livePeers() {
		p.Close()
	}
	c.wg.Wait()
}

// SessionClosed implements peerwire.Events. The map entry is only removed
// when it still points at the closing session: after a simultaneous-open
// collision the loser closes while the winner occupies the same peer id.
func (c *Controller) SessionClosed(s *peerwire.Session) {
	id := s.RemotePeerID()
	c.mu.Lock()
	if c.peers[id] != s {
		c.mu.Unlock()
		return
	}
	delete(c.peers, id)
	delete(c.lastDownload, id)
	delete(c.sentBitfield, id)
	c.mu.Unlock()
	c.sched.ClearPeer(id)
}

// PieceCompleted implements peerwire.Events.
func (c *Controller) PieceCompleted(s *peerwire.Session, index uint32, data []byte) {
	select {
	case c.completedCh <- completedPiece{index: index, data: data}:
	default:
		c.logger.Warnf("Dropping completed piece %d, completion queue full", index)
	}
}
