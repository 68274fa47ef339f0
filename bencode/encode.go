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
package bencode

import (
	"bufio"
	"fmt"
)

type encoder struct {
	w *bufio.Writer
}

func (e *encoder) encodeValue(v interface{}) error {
	switch t := v.(type) {
	case int:
		return e.encodeInt(int64(t))
	case int64:
		return e.encodeInt(t)
	case string:
		return e.encodeString([]byte(t))
	case []byte:
		return e.encodeString(t)
	case Tuple:
		return e.encodeSeq('t', []interface{}(t))
	case []interface{}:
		return e.encodeSeq('l', t)
	case map[string]interface{}:
		return e.encodeDict(t)
	default:
		return &UnsupportedType{Value: v}
	}
}

func (e *encoder) encodeInt(n int64) error {
	_, err := fmt.Fprintf(e.w, "i%de", n)
	return err
}

func (e *encoder) encodeString(b []byte) error {
	if _, err := fmt.Fprintf(e.w, "%d:", len(b)); err != nil {
		return err
	}
	_, err := e.w.Write(b)
	return err
}

func (e *encoder) encodeSeq(prefix byte, items []interface{}) error {
	if err := e.w.WriteByte(prefix); err != nil {
		return err
	}
	for _, item := range items {
		if err := e.encodeValue(item); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}

func (e *encoder) encodeDict(m map[string]interface{}) error {
	if err := e.w.WriteByte('d'); err != nil {
		return err
	}
	for _, k := range sortedKeys(m) {
		if err := e.encodeString([]byte(k)); err != nil {
			return err
		}
		if err := e.encodeValue(m[k]); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}
