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
package httptracker

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kraken-torrent/gotorrent/core"
	"github.com/kraken-torrent/gotorrent/tracker"
)

func TestDecodeCompactPeers(t *testing.T) {
	b := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}
	peers, err := decodeCompactPeers(b)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.Equal(t, "127.0.0.1", peers[0].IP.String())
	require.Equal(t, uint16(0x1AE1), peers[0].Port)
	require.Equal(t, "10.0.0.2", peers[1].IP.String())
}

func TestDecodeCompactPeersRejectsBadLength(t *testing.T) {
	_, err := decodeCompactPeers([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestAnnounceParsesBencodedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d8:intervali1800e5:peers6:\x7f\x00\x00\x01\x1a\xe1e"))
	}))
	defer srv.Close()

	tr := New(srv.URL+"/announce", clock.New(), zap.NewNop().Sugar())
	peerID, err := core.NewPeerIDFromHex("0102030405060708090a0b0c0d0e0f1011121314")
	require.NoError(t, err)

	resp, err := tr.Announce(tracker.AnnounceRequest{
		InfoHash: core.NewInfoHashFromBytes([]byte("x")),
		PeerID:   peerID,
		Port:     6881,
		Left:     100,
		NumWant:  50,
	})
	require.NoError(t, err)
	require.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 1)
	require.True(t, tr.Reachable())
}

func TestAnnounceUnreachableOnNetworkError(t *testing.T) {
	tr := New("http://127.0.0.1:1/announce", clock.New(), zap.NewNop().Sugar())
	resp, err := tr.Announce(tracker.AnnounceRequest{})
	require.NoError(t, err)
	require.Nil(t, resp)
	require.False(t, tr.Reachable())
}
