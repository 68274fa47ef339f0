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
package metainfo

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraken-torrent/gotorrent/bencode"
)

func piecesOf(n int) []byte {
	one := make([]byte, 20)
	for i := range one {
		one[i] = byte(i)
	}
	var out []byte
	for i := 0; i < n; i++ {
		out = append(out, one...)
	}
	return out
}

func load(t *testing.T, dict map[string]interface{}) (*Torrent, error) {
	b, err := bencode.EncodeBytes(dict)
	require.NoError(t, err)
	return Load(bytes.NewReader(b))
}

func TestLoadSingleFileGeometry(t *testing.T) {
	dict := map[string]interface{}{
		"announce": []byte("http://tracker.example/announce"),
		"info": map[string]interface{}{
			"name":         []byte("file.bin"),
			"piece length": int64(100),
			"pieces":       piecesOf(4),
			"length":       int64(350),
		},
	}
	tor, err := load(t, dict)
	require.NoError(t, err)
	require.Len(t, tor.Pieces, 4)

	wantOffsets := []int64{0, 100, 200, 300}
	wantSizes := []int64{100, 100, 100, 50}
	for i, p := range tor.Pieces {
		require.Equal(t, wantOffsets[i], p.Offset)
		require.Equal(t, wantSizes[i], p.Size)
	}

	var sum int64
	for _, p := range tor.Pieces {
		sum += p.Size
	}
	require.Equal(t, tor.Length, sum)
}

func TestLoadMultiFile(t *testing.T) {
	dict := map[string]interface{}{
		"announce": []byte("http://tracker.example/announce"),
		"info": map[string]interface{}{
			"name":         []byte("bundle"),
			"piece length": int64(100),
			"pieces":       piecesOf(2),
			"files": []interface{}{
				map[string]interface{}{
					"length": int64(60),
					"path":   []interface{}{[]byte("a.txt")},
				},
				map[string]interface{}{
					"length": int64(140),
					"path":   []interface{}{[]byte("sub"), []byte("b.txt")},
				},
			},
		},
	}
	tor, err := load(t, dict)
	require.NoError(t, err)
	require.Equal(t, int64(200), tor.Length)
	require.Len(t, tor.Files, 2)
	require.Equal(t, int64(0), tor.Files[0].Offset)
	require.Equal(t, int64(60), tor.Files[1].Offset)
	require.Equal(t, filepath.Join("bundle", "a.txt"), tor.Files[0].Path)
	require.Equal(t, filepath.Join("bundle", "sub", "b.txt"), tor.Files[1].Path)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	base := func() map[string]interface{} {
		return map[string]interface{}{
			"announce": []byte("http://tracker.example/announce"),
			"info": map[string]interface{}{
				"name":         []byte("file.bin"),
				"piece length": int64(100),
				"pieces":       piecesOf(1),
				"length":       int64(50),
			},
		}
	}

	t.Run("missing announce", func(t *testing.T) {
		d := base()
		delete(d, "announce")
		_, err := load(t, d)
		require.Error(t, err)
		require.IsType(t, &InvalidMetainfo{}, err)
	})

	for _, field := range []string{"name", "piece length", "pieces"} {
		t.Run("missing "+field, func(t *testing.T) {
			d := base()
			delete(d["info"].(map[string]interface{}), field)
			_, err := load(t, d)
			require.Error(t, err)
			require.IsType(t, &InvalidMetainfo{}, err)
		})
	}

	t.Run("both length and files", func(t *testing.T) {
		d := base()
		d["info"].(map[string]interface{})["files"] = []interface{}{}
		_, err := load(t, d)
		require.Error(t, err)
	})
}

func TestFileMapSpansAreContiguousAndSumToPieceSize(t *testing.T) {
	dict := map[string]interface{}{
		"announce": []byte("http://tracker.example/announce"),
		"info": map[string]interface{}{
			"name":         []byte("bundle"),
			"piece length": int64(100),
			"pieces":       piecesOf(2),
			"files": []interface{}{
				map[string]interface{}{
					"length": int64(60),
					"path":   []interface{}{[]byte("a.txt")},
				},
				map[string]interface{}{
					"length": int64(140),
					"path":   []interface{}{[]byte("b.txt")},
				},
			},
		},
	}
	tor, err := load(t, dict)
	require.NoError(t, err)

	for i, p := range tor.Pieces {
		spans, err := tor.FileMap(i)
		require.NoError(t, err)
		var total int64
		for _, s := range spans {
			total += s.Length
		}
		require.Equal(t, p.Size, total)
	}

	spans, err := tor.FileMap(0)
	require.NoError(t, err)
	require.Len(t, spans, 2)
	require.Equal(t, 0, spans[0].FileIndex)
	require.Equal(t, int64(60), spans[0].Length)
	require.Equal(t, 1, spans[1].FileIndex)
	require.Equal(t, int64(40), spans[1].Length)
}

func TestHandshakePrefix(t *testing.T) {
	dict := map[string]interface{}{
		"announce": []byte("http://tracker.example/announce"),
		"info": map[string]interface{}{
			"name":         []byte("file.bin"),
			"piece length": int64(100),
			"pieces":       piecesOf(1),
			"length":       int64(50),
		},
	}
	tor, err := load(t, dict)
	require.NoError(t, err)

	prefix := tor.HandshakePrefix()
	require.Len(t, prefix, 1+19+8+20)
	require.Equal(t, byte(19), prefix[0])
	require.Equal(t, "BitTorrent protocol", string(prefix[1:20]))
	require.Equal(t, tor.InfoHash.Bytes(), prefix[28:48])
}
