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

// Package storage places piece data on disk across a torrent's (possibly
// multi-file) layout, verifying each piece's SHA-1 hash on write and at
// startup. Generalized from
// uber-kraken/lib/torrent/storage.LocalTorrent's single-file piece-status
// bookkeeping to classic multi-file BitTorrent span placement.
package storage

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/kraken-torrent/gotorrent/metainfo"
	"github.com/kraken-torrent/gotorrent/peerwire"
)

// Torrent errors.
var (
	ErrWritePieceConflict = errors.New("piece is already being written to")
	ErrPieceComplete      = errors.New("piece is already complete")
	ErrHashMismatch       = errors.New("piece data does not match its hash")
)

// errFileMissing signals a file that has not been created on disk yet; its
// bytes read as zero.
var errFileMissing = errors.New("file not created yet")

type pieceStatus int

const (
	statusEmpty pieceStatus = iota
	statusDirty
	statusComplete
)

type piece struct {
	sync.Mutex
	status pieceStatus
	needed bool // True if any span of this piece lives in a needed file.
}

// Torrent manages on-disk placement and verification for one torrent's
// pieces, across however many files its metainfo describes.
type Torrent struct {
	mi        *metainfo.Torrent
	outputDir string
	logger    *zap.SugaredLogger

	pieces      []*piece
	numComplete *atomic.Int32
	downloaded  *atomic.Int64

	filesMu sync.Mutex
	files   map[int]*os.File
}

// NewTorrent creates a Torrent rooted at outputDir and runs startup
// verification: every piece's mapped spans are read back (missing files
// are treated as all-zero), SHA-1'd, and have/downloaded are seeded from
// whatever already matches on disk.
func NewTorrent(mi *metainfo.Torrent, outputDir string, logger *zap.SugaredLogger) (*Torrent, error) {
	t := &Torrent{
		mi:          mi,
		outputDir:   outputDir,
		logger:      logger,
		pieces:      make([]*piece, len(mi.Pieces)),
		numComplete: atomic.NewInt32(0),
		downloaded:  atomic.NewInt64(0),
		files:       make(map[int]*os.File),
	}
	for i := range t.pieces {
		spans, err := mi.FileMap(i)
		if err != nil {
			return nil, err
		}
		needed := false
		for _, sp := range spans {
			if sp.Needed {
				needed = true
				break
			}
		}
		t.pieces[i] = &piece{needed: needed}
	}
	if err := t.verifyExisting(); err != nil {
		return nil, fmt.Errorf("startup verification: %s", err)
	}
	return t, nil
}

func (t *Torrent) verifyExisting() error {
	for i := range t.pieces {
		data, err := t.readSpans(i)
		if err != nil {
			return fmt.Errorf("read piece %d: %s", i, err)
		}
		if t.hashMatches(i, data) {
			t.pieces[i].status = statusComplete
			t.numComplete.Inc()
			if t.pieces[i].needed {
				t.downloaded.Add(neededBytes(mustFileMap(t.mi, i)))
			}
		}
	}
	return nil
}

func mustFileMap(mi *metainfo.Torrent, i int) []metainfo.Span {
	spans, _ := mi.FileMap(i)
	return spans
}

func neededBytes(spans []metainfo.Span) int64 {
	var n int64
	for _, sp := range spans {
		if sp.Needed {
			n += sp.Length
		}
	}
	return n
}

// NumPieces returns the number of pieces in the torrent.
func (t *Torrent) NumPieces() int {
	return len(t.pieces)
}

// PieceSize returns the byte length of piece i.
func (t *Torrent) PieceSize(i int) int64 {
	return t.mi.Pieces[i].Size
}

// Have reports whether piece i has already been verified complete.
func (t *Torrent) Have(i int) bool {
	t.pieces[i].Lock()
	defer t.pieces[i].Unlock()
	return t.pieces[i].status == statusComplete
}

// Needed reports whether any span of piece i lives in a file selected for
// download.
func (t *Torrent) Needed(i int) bool {
	return t.pieces[i].needed
}

// DownloadedBytes returns the running total of needed bytes accounted for,
// across both startup verification and in-session writes.
func (t *Torrent) DownloadedBytes() int64 {
	return t.downloaded.Load()
}

// TotalBytes returns the torrent's total content length.
func (t *Torrent) TotalBytes() int64 {
	return t.mi.Length
}

// Complete reports whether every piece has been verified complete.
func (t *Torrent) Complete() bool {
	return int(t.numComplete.Load()) == len(t.pieces)
}

// Bitfield returns the wire-packed have-set, per the MSB-first convention
// bit k of byte j encodes have[8j+k].
func (t *Torrent) Bitfield() []byte {
	bits := bitset.New(uint(len(t.pieces)))
	for i, p := range t.pieces {
		p.Lock()
		complete := p.status == statusComplete
		p.Unlock()
		if complete {
			bits.Set(uint(i))
		}
	}
	return peerwire.EncodeBitfield(bits, uint(len(t.pieces)))
}

// ValidatePiece reports whether data's SHA-1 matches piece i's expected
// hash.
func (t *Torrent) ValidatePiece(i int, data []byte) bool {
	return t.hashMatches(i, data)
}

func (t *Torrent) hashMatches(i int, data []byte) bool {
	if int64(len(data)) != t.mi.Pieces[i].Size {
		return false
	}
	sum := sha1.Sum(data)
	return bytes.Equal(sum[:], t.mi.Pieces[i].Hash[:])
}

// WritePiece validates data against piece i's hash and, on success, writes
// its needed spans to disk and marks the piece complete. On hash mismatch
// it returns ErrHashMismatch so the caller (the scheduler, via the
// controller) can reset the piece to be re-requested.
func (t *Torrent) WritePiece(i int, data []byte) error {
	p := t.pieces[i]
	p.Lock()
	if p.status == statusComplete {
		p.Unlock()
		return ErrPieceComplete
	}
	if p.status == statusDirty {
		p.Unlock()
		return ErrWritePieceConflict
	}
	p.status = statusDirty
	p.Unlock()

	if !t.hashMatches(i, data) {
		p.Lock()
		p.status = statusEmpty
		p.Unlock()
		return ErrHashMismatch
	}

	if err := t.writeSpans(i, data); err != nil {
		p.Lock()
		p.status = statusEmpty
		p.Unlock()
		return fmt.Errorf("write spans: %s", err)
	}

	p.Lock()
	p.status = statusComplete
	needed := p.needed
	p.Unlock()
	t.numComplete.Inc()
	if needed {
		t.downloaded.Add(neededBytes(mustFileMap(t.mi, i)))
	}
	return nil
}

// ReadBlock reads length bytes starting at begin within piece i, for
// serving upload requests. The piece must already be complete.
func (t *Torrent) ReadBlock(i int, begin, length uint32) ([]byte, error) {
	if !t.Have(i) {
		return nil, fmt.Errorf("piece %d not complete", i)
	}
	full, err := t.readSpans(i)
	if err != nil {
		return nil, err
	}
	end := int64(begin) + int64(length)
	if end > int64(len(full)) {
		return nil, fmt.Errorf("block range [%d,%d) exceeds piece length %d", begin, end, len(full))
	}
	return full[begin:end], nil
}

// readSpans reads piece i's mapped spans, treating any not-yet-created file
// as all-zero for the portion that doesn't exist on disk.
func (t *Torrent) readSpans(i int) ([]byte, error) {
	spans, err := t.mi.FileMap(i)
	if err != nil {
		return nil, err
	}
	out := make([]byte, t.mi.Pieces[i].Size)
	var pos int64
	for _, sp := range spans {
		f, err := t.openFile(sp.FileIndex, false)
		if err == errFileMissing {
			pos += sp.Length
			continue
		}
		if err != nil {
			return nil, err
		}
		// A short file reads fewer bytes than requested; the unread tail of
		// out[pos:] is left zero-filled, matching a file that has not yet
		// received this piece's data.
		f.ReadAt(out[pos:pos+sp.Length], sp.OffsetInFile)
		pos += sp.Length
	}
	return out, nil
}

// writeSpans writes only the needed spans of piece i's data to their files.
func (t *Torrent) writeSpans(i int, data []byte) error {
	spans, err := t.mi.FileMap(i)
	if err != nil {
		return err
	}
	var pos int64
	for _, sp := range spans {
		if !sp.Needed {
			pos += sp.Length
			continue
		}
		f, err := t.openFile(sp.FileIndex, true)
		if err != nil {
			return err
		}
		if _, err := f.WriteAt(data[pos:pos+sp.Length], sp.OffsetInFile); err != nil {
			return fmt.Errorf("write file %d: %s", sp.FileIndex, err)
		}
		pos += sp.Length
	}
	return nil
}

// openFile returns the cached read-write handle for file fi, opening it on
// first use. With create set it touches the file (and its parent
// directories) if missing; without it, a missing file yields errFileMissing
// so reads can treat the file as all-zero instead of materializing it.
func (t *Torrent) openFile(fi int, create bool) (*os.File, error) {
	t.filesMu.Lock()
	defer t.filesMu.Unlock()

	if f, ok := t.files[fi]; ok {
		return f, nil
	}

	entry := t.mi.Files[fi]
	path := filepath.Join(t.outputDir, entry.Path)
	flags := os.O_RDWR
	if create {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("mkdir: %s", err)
		}
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if !create && os.IsNotExist(err) {
			return nil, errFileMissing
		}
		return nil, fmt.Errorf("open %s: %s", path, err)
	}
	t.files[fi] = f
	return f, nil
}

// Close releases all open file handles.
func (t *Torrent) Close() error {
	t.filesMu.Lock()
	defer t.filesMu.Unlock()
	var firstErr error
	for _, f := range t.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
