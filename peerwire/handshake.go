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
	"io"
	"net"
	"time"

	"github.com/kraken-torrent/gotorrent/core"
)

// HandshakeTimeout is the default bound on how long a peer has to complete
// the handshake exchange before the connection is abandoned. Callers set the
// deadline themselves (Session.Handshake honors the configured peer timeout)
// so the read/write helpers stay deadline-agnostic.
const HandshakeTimeout = 30 * time.Second

// Handshake is the parsed form of a 68-byte BitTorrent handshake.
type Handshake struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// WriteHandshake writes the 68-byte handshake for infoHash/peerID to conn.
func WriteHandshake(conn net.Conn, prefix []byte, peerID core.PeerID) error {
	buf := make([]byte, 0, len(prefix)+20)
	buf = append(buf, prefix...)
	buf = append(buf, peerID.Bytes()...)
	_, err := conn.Write(buf)
	return err
}

// ReadHandshake reads and parses a 68-byte handshake from conn.
func ReadHandshake(conn net.Conn) (*Handshake, error) {
	var pstrlen [1]byte
	if _, err := io.ReadFull(conn, pstrlen[:]); err != nil {
		return nil, fmt.Errorf("read pstrlen: %s", err)
	}

	rest := make([]byte, int(pstrlen[0])+8+20+20)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, fmt.Errorf("read handshake body: %s", err)
	}

	infoHashStart := int(pstrlen[0]) + 8
	infoHash, err := core.NewInfoHashFromRaw(rest[infoHashStart : infoHashStart+20])
	if err != nil {
		return nil, fmt.Errorf("parse info hash: %s", err)
	}
	peerID, err := core.NewPeerID(rest[infoHashStart+20 : infoHashStart+40])
	if err != nil {
		return nil, fmt.Errorf("parse peer id: %s", err)
	}

	return &Handshake{InfoHash: infoHash, PeerID: peerID}, nil
}
