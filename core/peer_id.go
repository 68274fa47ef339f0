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
package core

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidPeerIDLength returns when a string peer id does not decode into 20 bytes.
var ErrInvalidPeerIDLength = errors.New("peer id has invalid length")

// PeerID is the 20-byte identifier a peer presents in the handshake and in
// tracker announces.
type PeerID [20]byte

// NewPeerID parses a PeerID from raw 20 bytes.
func NewPeerID(b []byte) (PeerID, error) {
	var p PeerID
	if len(b) != 20 {
		return p, ErrInvalidPeerIDLength
	}
	copy(p[:], b)
	return p, nil
}

// NewPeerIDFromHex parses a PeerID from its hexadecimal notation.
func NewPeerIDFromHex(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("decode hex: %s", err)
	}
	return NewPeerID(b)
}

// GeneratePeerID builds a PeerID out of a fixed client prefix (e.g. "-GT0001-")
// and 12 random alphanumeric characters, following the convention most
// BitTorrent clients use to self-identify in swarms.
func GeneratePeerID(prefix string) (PeerID, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	var p PeerID
	n := copy(p[:], prefix)

	suffix := make([]byte, len(p)-n)
	idx := make([]byte, len(suffix))
	if _, err := rand.Read(idx); err != nil {
		return p, fmt.Errorf("read random suffix: %s", err)
	}
	for i, b := range idx {
		suffix[i] = alphabet[int(b)%len(alphabet)]
	}
	copy(p[n:], suffix)
	return p, nil
}

// Bytes returns the raw 20 bytes of p.
func (p PeerID) Bytes() []byte {
	return p[:]
}

// String encodes p in hexadecimal notation.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// LessThan returns whether p is ordered before o. Used to break symmetric
// connection races deterministically.
func (p PeerID) LessThan(o PeerID) bool {
	return bytes.Compare(p[:], o[:]) == -1
}
