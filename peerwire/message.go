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

// Package peerwire implements the classic BitTorrent peer wire protocol:
// handshake, message framing and the per-peer Session state machine.
// Generalized from uber-kraken/lib/torrent/scheduler/conn's protobuf
// envelope to the original 4-byte-length-prefixed <id><payload> framing.
package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID identifies the type of a peer wire message.
type MessageID byte

// Message ids, per the classic BitTorrent wire protocol.
const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
)

// MaxBlockLength is the largest block length this client will request or
// accept, per the GLOSSARY's block size convention.
const MaxBlockLength = 16384

// Message is a single parsed peer wire message. Not every field is
// meaningful for every ID: Index/Begin/Length apply to have/request/piece/
// cancel, Bitfield only to MsgBitfield, Block only to MsgPiece. A
// zero-length keep-alive is represented by KeepAlive == true and every
// other field left at its zero value.
type Message struct {
	KeepAlive bool
	ID        MessageID
	Index     uint32
	Begin     uint32
	Length    uint32
	Bitfield  []byte
	Block     []byte
}

// Have builds a "have" message announcing possession of the piece at index.
func Have(index uint32) Message {
	return Message{ID: MsgHave, Index: index}
}

// BitfieldMsg builds a "bitfield" message carrying the wire-packed bits.
func BitfieldMsg(bits []byte) Message {
	return Message{ID: MsgBitfield, Bitfield: bits}
}

// Request builds a "request" message for the block [begin, begin+length) of
// piece index.
func Request(index, begin, length uint32) Message {
	return Message{ID: MsgRequest, Index: index, Begin: begin, Length: length}
}

// Cancel builds a "cancel" message for the block [begin, begin+length) of
// piece index.
func Cancel(index, begin, length uint32) Message {
	return Message{ID: MsgCancel, Index: index, Begin: begin, Length: length}
}

// Piece builds a "piece" message carrying block data beginning at begin
// within piece index.
func Piece(index, begin uint32, block []byte) Message {
	return Message{ID: MsgPiece, Index: index, Begin: begin, Block: block}
}

// Simple builds a fixed message with no payload: choke, unchoke, interested
// or not-interested.
func Simple(id MessageID) Message {
	return Message{ID: id}
}

// Encode serializes m into its wire form: a 4-byte big-endian length prefix
// (covering everything that follows) followed by the id byte and payload.
// A keep-alive message encodes as just the 4 zero length bytes.
func Encode(m Message) []byte {
	if m.KeepAlive {
		return []byte{0, 0, 0, 0}
	}

	var payload []byte
	switch m.ID {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		payload = nil
	case MsgHave:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
	case MsgBitfield:
		payload = m.Bitfield
	case MsgRequest, MsgCancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case MsgPiece:
		payload = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		copy(payload[8:], m.Block)
	}

	out := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(1+len(payload)))
	out[4] = byte(m.ID)
	copy(out[5:], payload)
	return out
}

// ReadMessage reads and decodes the next framed message from r, blocking
// until the full frame has arrived.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("read length prefix: %s", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{KeepAlive: true}, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("read message body: %s", err)
	}

	id := MessageID(body[0])
	payload := body[1:]

	m := Message{ID: id}
	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		// No payload.
	case MsgHave:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("have: payload length %d, want 4", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case MsgBitfield:
		m.Bitfield = payload
	case MsgRequest, MsgCancel:
		if len(payload) != 12 {
			return Message{}, fmt.Errorf("request/cancel: payload length %d, want 12", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
	case MsgPiece:
		if len(payload) < 8 {
			return Message{}, fmt.Errorf("piece: payload length %d, want >= 8", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Block = payload[8:]
	default:
		return Message{}, fmt.Errorf("unknown message id %d", id)
	}
	return m, nil
}

// WriteMessage encodes and writes m to w.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(Encode(m))
	return err
}
