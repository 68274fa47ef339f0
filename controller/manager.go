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
package controller

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager supervises every Controller a process is running against one
// shared seed listener, so a single inbound port serves all torrents at
// once.
type Manager struct {
	mu          sync.Mutex
	controllers []*Controller
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Add registers a Controller to be driven by Run.
func (m *Manager) Add(c *Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controllers = append(m.controllers, c)
}

// Run drives every registered Controller concurrently until ctx is
// cancelled or one of them returns an error, at which point the rest are
// stopped and their shutdown is awaited before returning.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	controllers := append([]*Controller(nil), m.controllers...)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range controllers {
		c := c
		g.Go(func() error {
			return c.Run(gctx)
		})
	}
	return g.Wait()
}

// StopAll requests a clean shutdown of every registered Controller.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.controllers {
		c.Stop()
	}
}
