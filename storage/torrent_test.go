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
package storage

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kraken-torrent/gotorrent/metainfo"
)

func hashOf(b []byte) [20]byte {
	return sha1.Sum(b)
}

func singleFileTorrent(t *testing.T, pieceLen int64, content []byte) *metainfo.Torrent {
	numPieces := (int64(len(content)) + pieceLen - 1) / pieceLen
	pieces := make([]metainfo.Piece, numPieces)
	for i := int64(0); i < numPieces; i++ {
		start := i * pieceLen
		end := start + pieceLen
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		pieces[i] = metainfo.Piece{
			Index:  int(i),
			Hash:   hashOf(content[start:end]),
			Offset: start,
			Size:   end - start,
		}
	}
	return &metainfo.Torrent{
		Name:        "test.bin",
		PieceLength: pieceLen,
		Length:      int64(len(content)),
		Pieces:      pieces,
		Files: []metainfo.FileEntry{
			{Path: "test.bin", Length: int64(len(content)), Offset: 0, Needed: true},
		},
	}
}

func TestNewTorrentStartsAllMissing(t *testing.T) {
	dir := t.TempDir()
	mi := singleFileTorrent(t, 4, []byte("abcdefgh"))

	tr, err := NewTorrent(mi, dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer tr.Close()

	require.Equal(t, 2, tr.NumPieces())
	require.False(t, tr.Have(0))
	require.False(t, tr.Have(1))
	require.Equal(t, int64(0), tr.DownloadedBytes())
}

func TestWritePieceThenReadBlock(t *testing.T) {
	dir := t.TempDir()
	mi := singleFileTorrent(t, 4, []byte("abcdefgh"))

	tr, err := NewTorrent(mi, dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.WritePiece(0, []byte("abcd")))
	require.True(t, tr.Have(0))
	require.Equal(t, int64(4), tr.DownloadedBytes())

	block, err := tr.ReadBlock(0, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []byte("bc"), block)

	// The file is touched on first write and grows only as pieces land.
	data, err := os.ReadFile(filepath.Join(dir, "test.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("abcd"), data)
}

func TestWritePieceRejectsHashMismatch(t *testing.T) {
	dir := t.TempDir()
	mi := singleFileTorrent(t, 4, []byte("abcdefgh"))

	tr, err := NewTorrent(mi, dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer tr.Close()

	err = tr.WritePiece(0, []byte("xxxx"))
	require.Equal(t, ErrHashMismatch, err)
	require.False(t, tr.Have(0))
}

func TestWritePieceRejectsDoubleWrite(t *testing.T) {
	dir := t.TempDir()
	mi := singleFileTorrent(t, 4, []byte("abcdefgh"))

	tr, err := NewTorrent(mi, dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.WritePiece(0, []byte("abcd")))
	require.Equal(t, ErrPieceComplete, tr.WritePiece(0, []byte("abcd")))
}

func TestBitfieldReflectsHaveSet(t *testing.T) {
	dir := t.TempDir()
	mi := singleFileTorrent(t, 4, []byte("abcdefgh"))

	tr, err := NewTorrent(mi, dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.WritePiece(1, []byte("efgh")))
	// Piece 1 set, piece 0 clear: byte = 0b01000000 = 0x40.
	require.Equal(t, []byte{0x40}, tr.Bitfield())
}

func TestWritePieceSkipsNotNeededFiles(t *testing.T) {
	dir := t.TempDir()
	mi := &metainfo.Torrent{
		Name:        "bundle",
		PieceLength: 4,
		Length:      8,
		Pieces: []metainfo.Piece{
			{Index: 0, Hash: hashOf([]byte("abcd")), Offset: 0, Size: 4},
			{Index: 1, Hash: hashOf([]byte("efgh")), Offset: 4, Size: 4},
		},
		Files: []metainfo.FileEntry{
			{Path: "a.bin", Length: 6, Offset: 0, Needed: true},
			{Path: "b.bin", Length: 2, Offset: 6, Needed: false},
		},
	}

	tr, err := NewTorrent(mi, dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.WritePiece(0, []byte("abcd")))
	require.NoError(t, tr.WritePiece(1, []byte("efgh")))

	data, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), data)

	// The deselected file is never touched on disk.
	_, err = os.Stat(filepath.Join(dir, "b.bin"))
	require.True(t, os.IsNotExist(err))

	// Only needed span bytes count toward download progress.
	require.Equal(t, int64(6), tr.DownloadedBytes())
}

func TestStartupVerificationRestoresCompletedPieces(t *testing.T) {
	dir := t.TempDir()
	content := []byte("abcdefgh")
	mi := singleFileTorrent(t, 4, content)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.bin"), content, 0644))

	tr, err := NewTorrent(mi, dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer tr.Close()

	require.True(t, tr.Have(0))
	require.True(t, tr.Have(1))
	require.True(t, tr.Complete())
	require.Equal(t, int64(8), tr.DownloadedBytes())
}
