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

// Package metainfo validates decoded torrent dicts and builds the piece/file
// tables the rest of the client operates on. Generalized from
// uber-kraken/core.MetaInfo's single-file CRC32 scheme to classic
// multi-file SHA-1 BitTorrent metainfo.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/kraken-torrent/gotorrent/bencode"
	"github.com/kraken-torrent/gotorrent/core"
)

const pieceHashLength = 20

// InvalidMetainfo is returned when a torrent dict fails validation.
type InvalidMetainfo struct {
	Reason string
}

func (e *InvalidMetainfo) Error() string {
	return fmt.Sprintf("invalid metainfo: %s", e.Reason)
}

// FileEntry describes one file within a (possibly multi-file) torrent.
type FileEntry struct {
	Path   string // UTF-8 relative path, OS-joined from the torrent's path components.
	Length int64
	Offset int64 // Offset of this file's first byte within the concatenated torrent data.
	Needed bool  // Mutated only by user selection before download starts.
}

// Piece describes one fixed-size (except possibly the last) unit of
// verification.
type Piece struct {
	Index  int
	Hash   [pieceHashLength]byte
	Offset int64
	Size   int64
}

// Torrent holds everything derived from a validated torrent dict: identity,
// geometry, and the trackers to announce to.
type Torrent struct {
	InfoHash     core.InfoHash
	Name         string
	PieceLength  int64
	Length       int64
	Pieces       []Piece
	Files        []FileEntry
	AnnounceList []string // Flattened announce + announce-list, in priority order.
}

// Load decodes a bencoded torrent dict from r, validates it and builds a
// Torrent from it.
func Load(r io.Reader) (*Torrent, error) {
	v, err := bencode.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode: %s", err)
	}
	dict, ok := v.(map[string]interface{})
	if !ok {
		return nil, &InvalidMetainfo{"top-level value is not a dict"}
	}
	return fromDict(dict)
}

func fromDict(dict map[string]interface{}) (*Torrent, error) {
	announceList, err := extractAnnounceList(dict)
	if err != nil {
		return nil, err
	}

	infoVal, ok := dict["info"]
	if !ok {
		return nil, &InvalidMetainfo{"missing info dict"}
	}
	infoDict, ok := infoVal.(map[string]interface{})
	if !ok {
		return nil, &InvalidMetainfo{"info is not a dict"}
	}

	name, err := stringField(infoDict, "name")
	if err != nil {
		return nil, err
	}
	pieceLength, err := intField(infoDict, "piece length")
	if err != nil {
		return nil, err
	}
	if pieceLength <= 0 {
		return nil, &InvalidMetainfo{"piece length must be positive"}
	}
	pieceBytes, ok := infoDict["pieces"].([]byte)
	if !ok {
		return nil, &InvalidMetainfo{"pieces must be a byte string"}
	}
	if len(pieceBytes)%pieceHashLength != 0 {
		return nil, &InvalidMetainfo{"pieces length is not a multiple of 20"}
	}

	_, hasLength := infoDict["length"]
	_, hasFiles := infoDict["files"]
	if hasLength == hasFiles {
		return nil, &InvalidMetainfo{"info must contain exactly one of length or files"}
	}

	var files []FileEntry
	var total int64
	if hasLength {
		length, err := intField(infoDict, "length")
		if err != nil {
			return nil, err
		}
		if length < 0 {
			return nil, &InvalidMetainfo{"length must be non-negative"}
		}
		files = []FileEntry{{Path: name, Length: length, Offset: 0, Needed: true}}
		total = length
	} else {
		files, total, err = extractFiles(infoDict)
		if err != nil {
			return nil, err
		}
		// Multi-file torrents nest under a directory named after the torrent.
		for i := range files {
			files[i].Path = filepath.Join(name, files[i].Path)
		}
	}

	numPieces := len(pieceBytes) / pieceHashLength
	expectedPieces := int((total + pieceLength - 1) / pieceLength)
	if total == 0 {
		expectedPieces = 0
	}
	if numPieces != expectedPieces {
		return nil, &InvalidMetainfo{
			fmt.Sprintf("piece count %d does not match expected %d for length %d", numPieces, expectedPieces, total),
		}
	}

	pieces := make([]Piece, numPieces)
	for i := 0; i < numPieces; i++ {
		var hash [pieceHashLength]byte
		copy(hash[:], pieceBytes[i*pieceHashLength:(i+1)*pieceHashLength])
		offset := int64(i) * pieceLength
		size := pieceLength
		if i == numPieces-1 {
			size = total - offset
		}
		pieces[i] = Piece{Index: i, Hash: hash, Offset: offset, Size: size}
	}

	infoHashBytes, err := bencode.EncodeBytes(infoDict)
	if err != nil {
		return nil, fmt.Errorf("re-encode info dict: %s", err)
	}
	sum := sha1.Sum(infoHashBytes)
	ih, err := core.NewInfoHashFromRaw(sum[:])
	if err != nil {
		return nil, err
	}

	return &Torrent{
		InfoHash:     ih,
		Name:         name,
		PieceLength:  pieceLength,
		Length:       total,
		Pieces:       pieces,
		Files:        files,
		AnnounceList: announceList,
	}, nil
}

func extractAnnounceList(dict map[string]interface{}) ([]string, error) {
	var out []string
	if a, ok := dict["announce"]; ok {
		s, ok := a.([]byte)
		if !ok {
			return nil, &InvalidMetainfo{"announce must be a byte string"}
		}
		out = append(out, string(s))
	}
	if al, ok := dict["announce-list"]; ok {
		tiers, ok := al.([]interface{})
		if !ok {
			return nil, &InvalidMetainfo{"announce-list must be a list"}
		}
		for _, tierVal := range tiers {
			tier, ok := tierVal.([]interface{})
			if !ok {
				return nil, &InvalidMetainfo{"announce-list tier must be a list"}
			}
			for _, urlVal := range tier {
				s, ok := urlVal.([]byte)
				if !ok {
					return nil, &InvalidMetainfo{"announce-list url must be a byte string"}
				}
				out = append(out, string(s))
			}
		}
	}
	if len(out) == 0 {
		return nil, &InvalidMetainfo{"must contain announce or announce-list"}
	}
	return out, nil
}

func extractFiles(infoDict map[string]interface{}) ([]FileEntry, int64, error) {
	filesVal, ok := infoDict["files"].([]interface{})
	if !ok {
		return nil, 0, &InvalidMetainfo{"files must be a list"}
	}
	if len(filesVal) == 0 {
		return nil, 0, &InvalidMetainfo{"files must not be empty"}
	}
	var out []FileEntry
	var offset int64
	for i, fv := range filesVal {
		fd, ok := fv.(map[string]interface{})
		if !ok {
			return nil, 0, &InvalidMetainfo{fmt.Sprintf("files[%d] is not a dict", i)}
		}
		length, err := intField(fd, "length")
		if err != nil {
			return nil, 0, err
		}
		if length < 0 {
			return nil, 0, &InvalidMetainfo{fmt.Sprintf("files[%d].length must be non-negative", i)}
		}
		pathVal, ok := fd["path"].([]interface{})
		if !ok || len(pathVal) == 0 {
			return nil, 0, &InvalidMetainfo{fmt.Sprintf("files[%d].path must be a non-empty list", i)}
		}
		var components []string
		for _, cv := range pathVal {
			c, ok := cv.([]byte)
			if !ok {
				return nil, 0, &InvalidMetainfo{fmt.Sprintf("files[%d].path component is not a byte string", i)}
			}
			components = append(components, string(c))
		}
		out = append(out, FileEntry{
			Path:   filepath.Join(components...),
			Length: length,
			Offset: offset,
			Needed: true,
		})
		offset += length
	}
	return out, offset, nil
}

func stringField(dict map[string]interface{}, key string) (string, error) {
	v, ok := dict[key]
	if !ok {
		return "", &InvalidMetainfo{fmt.Sprintf("missing field %q", key)}
	}
	b, ok := v.([]byte)
	if !ok {
		return "", &InvalidMetainfo{fmt.Sprintf("field %q must be a byte string", key)}
	}
	return string(b), nil
}

func intField(dict map[string]interface{}, key string) (int64, error) {
	v, ok := dict[key]
	if !ok {
		return 0, &InvalidMetainfo{fmt.Sprintf("missing field %q", key)}
	}
	n, ok := v.(int64)
	if !ok {
		return 0, &InvalidMetainfo{fmt.Sprintf("field %q must be an integer", key)}
	}
	return n, nil
}

// HandshakePrefix returns the 48-byte handshake prefix (protocol string,
// length, reserved bytes and info hash) that precedes the peer id in every
// BitTorrent handshake.
func (t *Torrent) HandshakePrefix() []byte {
	const protocol = "BitTorrent protocol"
	buf := make([]byte, 0, 1+len(protocol)+8+20)
	buf = append(buf, byte(len(protocol)))
	buf = append(buf, protocol...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, t.InfoHash.Bytes()...)
	return buf
}

// ErrNoSuchPiece is returned when a piece index is out of range.
var ErrNoSuchPiece = errors.New("no such piece")
