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

// Package udptracker implements the BEP 15 UDP tracker protocol: a two-step
// connect/announce binary exchange. Transaction ids are seeded from
// github.com/google/uuid the way lvbealr-BitTorrent's tracker client does.
package udptracker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kraken-torrent/gotorrent/tracker"
)

const (
	protocolID   uint64 = 0x41727101980
	actionConnect  int32 = 0
	actionAnnounce int32 = 1

	socketTimeout = 2 * time.Second
)

// Tracker is a tracker.Tracker backed by a BEP 15 UDP announce endpoint.
type Tracker struct {
	*tracker.State

	addr     string
	bindPort int
	clk      clock.Clock
	logger   *zap.SugaredLogger

	connID       uint64
	connIDExpiry time.Time
}

// New creates a new UDP Tracker dialing addr ("host:port"). bindPort, when
// nonzero, fixes the local UDP port announces originate from.
func New(addr string, bindPort int, clk clock.Clock, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{
		State:    tracker.NewState(clk, "udp://"+addr),
		addr:     addr,
		bindPort: bindPort,
		clk:      clk,
		logger:   logger,
	}
}

// Announce performs the BEP 15 two-step connect/announce exchange.
func (t *Tracker) Announce(req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	d := net.Dialer{Timeout: socketTimeout}
	if t.bindPort != 0 {
		d.LocalAddr = &net.UDPAddr{Port: t.bindPort}
	}
	conn, err := d.Dial("udp", t.addr)
	if err != nil {
		t.logger.Infof("UDP tracker %s unreachable: %s", t.addr, err)
		t.MarkUnreachable()
		return nil, nil
	}
	defer conn.Close()
	// NOTE: We do not use the clock interface here because the net package
	// uses the system clock when evaluating deadlines.
	conn.SetDeadline(time.Now().Add(socketTimeout))

	if err := t.ensureConnection(conn); err != nil {
		t.logger.Infof("UDP tracker %s connect failed: %s", t.addr, err)
		t.MarkUnreachable()
		return nil, nil
	}

	resp, err := t.announce(conn, req)
	if err != nil {
		t.logger.Infof("UDP tracker %s announce failed: %s", t.addr, err)
		t.MarkUnreachable()
		return nil, nil
	}

	t.MarkSuccess(resp.Interval)
	return resp, nil
}

// ensureConnection runs the CONNECT step if there is no valid connection id,
// retrying transient failures with a bounded exponential backoff.
func (t *Tracker) ensureConnection(conn net.Conn) error {
	if t.clk.Now().Before(t.connIDExpiry) {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = socketTimeout
	return backoff.Retry(func() error {
		connID, err := connect(conn)
		if err != nil {
			return err
		}
		t.connID = connID
		t.connIDExpiry = t.clk.Now().Add(time.Minute)
		return nil
	}, b)
}

func connect(conn net.Conn) (uint64, error) {
	txID := newTransactionID()

	var req bytes.Buffer
	binary.Write(&req, binary.BigEndian, protocolID)
	binary.Write(&req, binary.BigEndian, actionConnect)
	binary.Write(&req, binary.BigEndian, txID)
	if _, err := conn.Write(req.Bytes()); err != nil {
		return 0, fmt.Errorf("write connect: %s", err)
	}

	resp := make([]byte, 16)
	if _, err := conn.Read(resp); err != nil {
		return 0, fmt.Errorf("read connect response: %s", err)
	}

	action := int32(binary.BigEndian.Uint32(resp[0:4]))
	respTxID := binary.BigEndian.Uint32(resp[4:8])
	if action != actionConnect || respTxID != txID {
		return 0, fmt.Errorf("unexpected connect response")
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (t *Tracker) announce(conn net.Conn, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	txID := newTransactionID()

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, t.connID)
	binary.Write(&buf, binary.BigEndian, actionAnnounce)
	binary.Write(&buf, binary.BigEndian, txID)
	buf.Write(req.InfoHash.Bytes())
	buf.Write(req.PeerID.Bytes())
	binary.Write(&buf, binary.BigEndian, uint64(req.Downloaded))
	binary.Write(&buf, binary.BigEndian, uint64(req.Left))
	binary.Write(&buf, binary.BigEndian, uint64(req.Uploaded))
	binary.Write(&buf, binary.BigEndian, eventCode(req.Event))
	binary.Write(&buf, binary.BigEndian, uint32(0)) // ip: 0 means "use sender's address".
	binary.Write(&buf, binary.BigEndian, req.Key)
	binary.Write(&buf, binary.BigEndian, int32(req.NumWant))
	binary.Write(&buf, binary.BigEndian, uint16(req.Port))

	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write announce: %s", err)
	}

	resp := make([]byte, 20+6*1000) // header + up to 1000 compact peer records.
	n, err := conn.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("read announce response: %s", err)
	}
	resp = resp[:n]
	if n < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", n)
	}

	action := int32(binary.BigEndian.Uint32(resp[0:4]))
	respTxID := binary.BigEndian.Uint32(resp[4:8])
	if action != actionAnnounce || respTxID != txID {
		return nil, fmt.Errorf("unexpected announce response")
	}
	interval := time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second

	peerBytes := resp[20:]
	if len(peerBytes)%6 != 0 {
		return nil, fmt.Errorf("peer records length %d is not a multiple of 6", len(peerBytes))
	}
	peers := make([]tracker.Peer, 0, len(peerBytes)/6)
	for i := 0; i < len(peerBytes); i += 6 {
		ip := net.IPv4(peerBytes[i], peerBytes[i+1], peerBytes[i+2], peerBytes[i+3])
		port := uint16(peerBytes[i+4])<<8 | uint16(peerBytes[i+5])
		peers = append(peers, tracker.Peer{IP: ip, Port: port})
	}

	return &tracker.AnnounceResponse{Interval: interval, Peers: peers}, nil
}

// eventCode maps an announce event to its BEP 15 wire value, which orders
// events differently than the HTTP protocol's string names.
func eventCode(e tracker.Event) uint32 {
	switch e {
	case tracker.EventCompleted:
		return 1
	case tracker.EventStarted:
		return 2
	case tracker.EventStopped:
		return 3
	default:
		return 0
	}
}

// newTransactionID derives a 32-bit transaction id from a fresh random UUID,
// avoiding a shared math/rand source across concurrent tracker goroutines.
func newTransactionID() uint32 {
	id := uuid.New()
	return binary.BigEndian.Uint32(id[:4])
}
