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

// Command gotorrent is the CLI front end for downloading and seeding
// torrents. It is kept thin, so the module builds into a runnable program,
// with all real logic living in the controller package.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kingpin"
	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/kraken-torrent/gotorrent/config"
	"github.com/kraken-torrent/gotorrent/controller"
	"github.com/kraken-torrent/gotorrent/metainfo"
	"github.com/kraken-torrent/gotorrent/seedlistener"
	"github.com/kraken-torrent/gotorrent/storage"
	"github.com/kraken-torrent/gotorrent/tracker"
	"github.com/kraken-torrent/gotorrent/tracker/httptracker"
	"github.com/kraken-torrent/gotorrent/tracker/udptracker"
)

var (
	files         = kingpin.Arg("file", "Torrent file(s) to download").Required().Strings()
	outputDir     = kingpin.Flag("output", "Destination folder").Short('o').Default(".").String()
	downloadSpeed = kingpin.Flag("download-speed", "Download rate limit in KB/s (minimum 200)").Short('d').Default("200").Int()
	uploadSpeed   = kingpin.Flag("upload-speed", "Upload rate limit in KB/s, -1 for unlimited").Short('u').Default("-1").Int()
	seed          = kingpin.Flag("seed", "Keep seeding after the torrent completes").Short('s').Bool()
	configPath    = kingpin.Flag("config", "YAML config file").Short('c').Default("config.yaml").String()
)

func main() {
	kingpin.Parse()

	if *downloadSpeed < 200 {
		fmt.Fprintln(os.Stderr, "download speed must be at least 200 KB/s")
		os.Exit(1)
	}
	if *uploadSpeed < -1 {
		fmt.Fprintln(os.Stderr, "upload speed must be -1 (unlimited) or non-negative")
		os.Exit(1)
	}

	zl, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %s\n", err)
		os.Exit(1)
	}
	defer zl.Sync()
	logger := zl.Sugar()
	clk := clock.New()
	stats := tally.NoopScope

	cfg := config.Default()
	if _, err := os.Stat(*configPath); err == nil {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatalf("Load config %s: %s", *configPath, err)
		}
	}
	cfg, err = cfg.Finalize()
	if err != nil {
		logger.Fatalf("Generate process config: %s", err)
	}

	listener, err := seedlistener.New(logger)
	if err != nil {
		logger.Fatalf("Bind seed listener: %s", err)
	}
	defer listener.Close()

	manager := controller.NewManager()

	for _, path := range *files {
		c, err := loadTorrent(path, cfg, listener, clk, stats, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %s\n", path, err)
			continue
		}
		manager.Add(c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Errorf("Torrent manager exited with error: %s", err)
		os.Exit(1)
	}
}

// loadTorrent reads, validates and sets up everything needed to run one
// torrent: metainfo, file selection prompt, storage and trackers.
func loadTorrent(
	path string,
	cfg config.Config,
	listener *seedlistener.Listener,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) (*controller.Controller, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %s", err)
	}
	defer f.Close()

	mi, err := metainfo.Load(f)
	if err != nil {
		return nil, fmt.Errorf("load metainfo: %s", err)
	}

	promptFileSelection(mi)

	store, err := storage.NewTorrent(mi, *outputDir, logger)
	if err != nil {
		return nil, fmt.Errorf("set up storage: %s", err)
	}

	trackers := buildTrackers(mi, cfg, clk, logger)

	return controller.New(
		cfg, mi, store, trackers, listener,
		*downloadSpeed, *uploadSpeed, *seed,
		clk, stats, logger,
	), nil
}

// promptFileSelection prompts on stdin: for a multi-file torrent, the user
// picks comma-space separated file indices, or 0 for all. Single-file
// torrents need no prompt.
func promptFileSelection(mi *metainfo.Torrent) {
	if len(mi.Files) <= 1 {
		return
	}

	fmt.Printf("%s contains %d files:\n", mi.Name, len(mi.Files))
	for i, f := range mi.Files {
		fmt.Printf("  %d) %s (%d bytes)\n", i+1, f.Path, f.Length)
	}
	fmt.Print("Enter file indices to download (comma-space separated), or 0 for all: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	selection := parseSelection(strings.TrimSpace(line))
	if len(selection) == 0 {
		return // 0, empty input, or unparsable: download everything.
	}

	wanted := make(map[int]bool, len(selection))
	for _, i := range selection {
		wanted[i] = true
	}
	for i := range mi.Files {
		mi.Files[i].Needed = wanted[i+1]
	}
}

// parseSelection parses a comma-space separated list of 1-based file
// indices. "0" or an unparsable entry yields an empty (select-all) result.
func parseSelection(s string) []int {
	if s == "0" || s == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n == 0 {
			return nil
		}
		out = append(out, n)
	}
	return out
}

// buildTrackers constructs one tracker.Tracker per announce URL in mi,
// selecting the HTTP or UDP implementation by URL scheme.
func buildTrackers(mi *metainfo.Torrent, cfg config.Config, clk clock.Clock, logger *zap.SugaredLogger) []tracker.Tracker {
	var trackers []tracker.Tracker
	for _, url := range mi.AnnounceList {
		switch {
		case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
			trackers = append(trackers, httptracker.New(url, clk, logger))
		case strings.HasPrefix(url, "udp://"):
			trackers = append(trackers, udptracker.New(strings.TrimPrefix(url, "udp://"), cfg.Port, clk, logger))
		default:
			logger.Warnf("Unsupported tracker scheme, skipping: %s", url)
		}
	}
	return trackers
}
