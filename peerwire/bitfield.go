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

import "github.com/willf/bitset"

// EncodeBitfield packs b into the MSB-first wire form: bit k of byte j
// encodes have-index 8j+k, trailing bits of the last byte are zero.
func EncodeBitfield(b *bitset.BitSet, numBits uint) []byte {
	numBytes := (numBits + 7) / 8
	out := make([]byte, numBytes)
	for i := uint(0); i < numBits; i++ {
		if b.Test(i) {
			out[i/8] |= 1 << (7 - (i % 8))
		}
	}
	return out
}

// DecodeBitfield unpacks the MSB-first wire form into a bitset.BitSet of the
// given bit length (extra bits in the final byte are ignored).
func DecodeBitfield(raw []byte, numBits uint) *bitset.BitSet {
	b := bitset.New(numBits)
	for i := uint(0); i < numBits; i++ {
		byteIdx := i / 8
		if byteIdx >= uint(len(raw)) {
			break
		}
		if raw[byteIdx]&(1<<(7-(i%8))) != 0 {
			b.Set(i)
		}
	}
	return b
}
