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
package udptracker

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraken-torrent/gotorrent/tracker"
)

func TestEventCodeFollowsUDPNumbering(t *testing.T) {
	require.Equal(t, uint32(0), eventCode(tracker.EventNone))
	require.Equal(t, uint32(1), eventCode(tracker.EventCompleted))
	require.Equal(t, uint32(2), eventCode(tracker.EventStarted))
	require.Equal(t, uint32(3), eventCode(tracker.EventStopped))
}

func TestNewTransactionIDVaries(t *testing.T) {
	a := newTransactionID()
	b := newTransactionID()
	require.NotEqual(t, a, b)
}

func TestConnectRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		req := make([]byte, 16)
		server.Read(req)
		require.Equal(t, protocolID, binary.BigEndian.Uint64(req[0:8]))
		require.Equal(t, actionConnect, int32(binary.BigEndian.Uint32(req[8:12])))
		txID := req[12:16]

		var resp bytes.Buffer
		binary.Write(&resp, binary.BigEndian, actionConnect)
		resp.Write(txID)
		binary.Write(&resp, binary.BigEndian, uint64(0xdeadbeef))
		server.Write(resp.Bytes())
	}()

	connID, err := connect(client)
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeef), connID)
}
