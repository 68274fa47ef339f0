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

// Package httptracker implements the BEP 3 HTTP tracker protocol: a GET
// announce with a bencoded, compact-peers response. Generalized from
// uber-kraken/tracker/announceclient.client's JSON request/response shape.
package httptracker

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/kraken-torrent/gotorrent/bencode"
	"github.com/kraken-torrent/gotorrent/tracker"
)

// Tracker is a tracker.Tracker backed by an HTTP announce endpoint.
type Tracker struct {
	*tracker.State

	client *http.Client
	logger *zap.SugaredLogger
}

// New creates a new HTTP Tracker for announceURL.
func New(announceURL string, clk clock.Clock, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{
		State:  tracker.NewState(clk, announceURL),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Announce issues a GET to the tracker and parses its bencoded response.
func (t *Tracker) Announce(req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	u, err := buildURL(t.URL(), req)
	if err != nil {
		return nil, fmt.Errorf("build url: %s", err)
	}

	resp, err := t.client.Get(u)
	if err != nil {
		t.logger.Infof("HTTP tracker %s unreachable: %s", t.URL(), err)
		t.MarkUnreachable()
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.MarkUnreachable()
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.MarkUnreachable()
		return nil, nil
	}

	parsed, err := parseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("parse response: %s", err)
	}

	t.MarkSuccess(parsed.Interval)
	return parsed, nil
}

func buildURL(announce string, req tracker.AnnounceRequest) (string, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("info_hash", string(req.InfoHash.Bytes()))
	q.Set("peer_id", string(req.PeerID.Bytes()))
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("numwant", strconv.Itoa(req.NumWant))
	q.Set("compact", "1")
	q.Set("key", strconv.FormatUint(uint64(req.Key), 10))
	if ev := eventString(req.Event); ev != "" {
		q.Set("event", ev)
	}
	// url.Values.Encode percent-escapes byte-for-byte, which keeps the raw
	// 20-byte info_hash/peer_id binary-safe without any extra handling.
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func eventString(e tracker.Event) string {
	switch e {
	case tracker.EventStarted:
		return "started"
	case tracker.EventStopped:
		return "stopped"
	case tracker.EventCompleted:
		return "completed"
	default:
		return ""
	}
}

func parseResponse(body []byte) (*tracker.AnnounceResponse, error) {
	v, err := bencode.DecodeBytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode: %s", err)
	}
	dict, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("response is not a dict")
	}
	if failure, ok := dict["failure reason"]; ok {
		if b, ok := failure.([]byte); ok {
			return nil, fmt.Errorf("tracker failure: %s", string(b))
		}
		return nil, fmt.Errorf("tracker failure")
	}

	var interval time.Duration
	if iv, ok := dict["interval"].(int64); ok {
		interval = time.Duration(iv) * time.Second
	}

	peersVal, ok := dict["peers"]
	if !ok {
		return &tracker.AnnounceResponse{Interval: interval}, nil
	}
	compact, ok := peersVal.([]byte)
	if !ok {
		return nil, fmt.Errorf("peers field is not a compact byte string")
	}
	peers, err := decodeCompactPeers(compact)
	if err != nil {
		return nil, err
	}
	return &tracker.AnnounceResponse{Interval: interval, Peers: peers}, nil
}

func decodeCompactPeers(b []byte) ([]tracker.Peer, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d is not a multiple of 6", len(b))
	}
	peers := make([]tracker.Peer, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := uint16(b[i+4])<<8 | uint16(b[i+5])
		peers = append(peers, tracker.Peer{IP: ip, Port: port})
	}
	return peers, nil
}
