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
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// InfoHash is the 20-byte SHA-1 hash of the canonical bencoding of a
// torrent's info dict. It is the authoritative identity of a torrent.
type InfoHash [20]byte

// NewInfoHashFromBytes hashes raw bytes (the canonical re-encoded info dict)
// into an InfoHash.
func NewInfoHashFromBytes(b []byte) InfoHash {
	var h InfoHash
	sum := sha1.Sum(b)
	copy(h[:], sum[:])
	return h
}

// NewInfoHashFromRaw wraps a pre-computed 20-byte hash, as received over the
// wire in a handshake or tracker announce.
func NewInfoHashFromRaw(b []byte) (InfoHash, error) {
	var h InfoHash
	if len(b) != 20 {
		return h, fmt.Errorf("invalid info hash length: %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Bytes returns the raw 20 bytes of h.
func (h InfoHash) Bytes() []byte {
	return h[:]
}

// Hex encodes h in hexadecimal notation.
func (h InfoHash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h InfoHash) String() string {
	return h.Hex()
}
