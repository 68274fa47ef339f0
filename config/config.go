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

// Package config holds the process-wide immutable configuration record:
// generated once at startup and threaded into every component at
// construction, the way uber-kraken's Config structs are built via
// applyDefaults() and passed down rather than read from globals.
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/kraken-torrent/gotorrent/core"
)

// Config is the immutable, process-wide configuration record.
type Config struct {
	// MaxRequest is the maximum block length requested per piece request.
	MaxRequest int `yaml:"max_request"`

	// PeerTimeOut is how long a handshake or otherwise idle peer may remain
	// unestablished before being closed.
	PeerTimeOut time.Duration `yaml:"peer_timeout"`

	// Port is the UDP tracker bind port.
	Port int `yaml:"port"`

	// PeerIDPrefix identifies this client in generated peer ids.
	PeerIDPrefix string `yaml:"peer_id_prefix"`

	// MaxPeers is the maximum number of simultaneous peer connections.
	MaxPeers int `yaml:"max_peers"`

	// UploadPeers is the maximum number of inbound (uploading) connections.
	UploadPeers int `yaml:"upload_peers"`

	// EndgamePercent is the download completion percentage, 0-100, at which
	// the scheduler enters endgame mode.
	EndgamePercent int `yaml:"endgame_percent"`

	// Key is a random per-process value reported on every tracker announce,
	// per BEP 3 convention for distinguishing clients behind shared NAT.
	Key uint32 `yaml:"-"`

	// PeerID is generated once per process from PeerIDPrefix.
	PeerID core.PeerID `yaml:"-"`
}

// Default returns a Config with its documented default values.
func Default() Config {
	return Config{
		MaxRequest:     16384,
		PeerTimeOut:    30 * time.Second,
		Port:           0,
		PeerIDPrefix:   "-GT0001-",
		MaxPeers:       50,
		UploadPeers:    20,
		EndgamePercent: 90,
	}
}

// Load reads a YAML config file, applying defaults for any unset fields.
func Load(path string) (Config, error) {
	c := Default()
	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("open config: %s", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&c); err != nil {
		return c, fmt.Errorf("decode config: %s", err)
	}
	return c.applyDefaults(), nil
}

func (c Config) applyDefaults() Config {
	d := Default()
	if c.MaxRequest == 0 {
		c.MaxRequest = d.MaxRequest
	}
	if c.PeerTimeOut == 0 {
		c.PeerTimeOut = d.PeerTimeOut
	}
	if c.PeerIDPrefix == "" {
		c.PeerIDPrefix = d.PeerIDPrefix
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.UploadPeers == 0 {
		c.UploadPeers = d.UploadPeers
	}
	if c.EndgamePercent == 0 {
		c.EndgamePercent = d.EndgamePercent
	}
	return c
}

// Finalize generates the random Key and PeerID for this process. Must be
// called exactly once per process.
func (c Config) Finalize() (Config, error) {
	peerID, err := core.GeneratePeerID(c.PeerIDPrefix)
	if err != nil {
		return c, fmt.Errorf("generate peer id: %s", err)
	}
	c.PeerID = peerID

	var keyBytes [4]byte
	if _, err := rand.Read(keyBytes[:]); err != nil {
		return c, fmt.Errorf("generate key: %s", err)
	}
	c.Key = uint32(keyBytes[0])<<24 | uint32(keyBytes[1])<<16 | uint32(keyBytes[2])<<8 | uint32(keyBytes[3])

	return c, nil
}
