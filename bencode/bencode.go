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

// Package bencode implements the bencoding used by torrent metainfo files
// and tracker responses, plus a non-standard tuple extension used nowhere
// in interop with other clients (see Encoder.Encode).
//
// Values decode into one of: int64, []byte, []interface{}, map[string]interface{}
// or Tuple. This mirrors the dynamic interface{}-based surface of
// github.com/jackpal/bencode-go (used elsewhere in this dependency set for
// static struct (un)marshaling), generalized here to a fully dynamic decode
// since torrent dicts are validated by hand in package metainfo rather than
// via reflection.
package bencode

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
)

// MalformedInput is returned by Decode when the input does not conform to
// bencoding: an unknown type prefix, a non-digit length, a missing
// terminator, or a dict with a non-string key.
type MalformedInput struct {
	Offset int64
	Reason string
}

func (e *MalformedInput) Error() string {
	return fmt.Sprintf("bencode: malformed input at offset %d: %s", e.Offset, e.Reason)
}

// UnsupportedType is returned by Encode when asked to encode anything other
// than int/int64, []byte/string, []interface{}, map[string]interface{} or Tuple.
type UnsupportedType struct {
	Value interface{}
}

func (e *UnsupportedType) Error() string {
	return fmt.Sprintf("bencode: unsupported type: %T", e.Value)
}

// Tuple is the repository's non-standard "t...e" extension: a fixed-size,
// heterogeneous sequence encoded the same way a list is, but under the 't'
// prefix instead of 'l'. Torrent metainfo and tracker payloads never use
// this; Encode refuses to ever emit it implicitly (see scenario seed §8.b).
type Tuple []interface{}

// Decode reads exactly one bencoded value from r.
func Decode(r io.Reader) (interface{}, error) {
	d := &decoder{r: bufio.NewReader(r)}
	v, err := d.decodeValue()
	if err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeBytes reads exactly one bencoded value from b.
func DecodeBytes(b []byte) (interface{}, error) {
	return Decode(bytes.NewReader(b))
}

// Encode writes v to w in canonical bencoded form: dict keys sorted in
// lexicographic byte order, byte strings emitted as <len>:<bytes>.
func Encode(w io.Writer, v interface{}) error {
	bufw := bufio.NewWriter(w)
	e := &encoder{w: bufw}
	if err := e.encodeValue(v); err != nil {
		return err
	}
	return bufw.Flush()
}

// EncodeBytes encodes v and returns the result.
func EncodeBytes(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sortedKeys returns the keys of m sorted in lexicographic byte order, as
// bencode dicts require on encode.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
