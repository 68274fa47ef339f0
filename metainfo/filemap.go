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

// Span identifies a contiguous run of piece bytes that lives inside a single
// file of a (possibly multi-file) torrent.
type Span struct {
	FileIndex    int
	OffsetInFile int64
	Length       int64
	Needed       bool
}

// FileMap returns the ordered spans piece pi occupies across t's file table.
func (t *Torrent) FileMap(pi int) ([]Span, error) {
	if pi < 0 || pi >= len(t.Pieces) {
		return nil, ErrNoSuchPiece
	}
	piece := t.Pieces[pi]
	start := piece.Offset
	end := start + piece.Size

	var spans []Span
	for i, f := range t.Files {
		fileStart := f.Offset
		fileEnd := f.Offset + f.Length

		spanStart := max64(start, fileStart)
		spanEnd := min64(end, fileEnd)
		if spanStart >= spanEnd {
			continue
		}
		spans = append(spans, Span{
			FileIndex:    i,
			OffsetInFile: spanStart - fileStart,
			Length:       spanEnd - spanStart,
			Needed:       f.Needed,
		})
	}
	return spans, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
