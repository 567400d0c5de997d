// Copyright 2024 The chamberd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"strings"
	"sync"
)

// echoProtocol is the only Sec-WebSocket-Protocol value a ChamberDirectory
// accepts (spec 4.7).
const echoProtocol = "echo"

// directoryShard is one stripe of ChamberDirectory's URL→Chamber map.
type directoryShard struct {
	mu       sync.Mutex
	chambers map[string]*Chamber
}

// ChamberDirectory holds a base URL prefix and a permitted-origins
// allow-list, and dispatches upgrade requests whose URL falls under that
// prefix to a per-URL Chamber, creating chambers lazily up to MaxChambers
// (spec 4.7). The URL→Chamber map is sharded with the same HighwayHash
// selector the buffer registry uses, so directories serving many
// concurrently-joining chambers don't serialize through one mutex (design
// note 9).
type ChamberDirectory struct {
	baseURL           string
	permittedOrigins  map[string]bool
	limits            Limits
	logger            Logger

	shards    [shardCount]*directoryShard
	countMu   sync.Mutex
	count     int
}

// NewChamberDirectory constructs a directory rooted at baseURL. An empty
// origins list means any Origin is permitted.
func NewChamberDirectory(baseURL string, origins []string, limits Limits, logger Logger) *ChamberDirectory {
	d := &ChamberDirectory{
		baseURL: baseURL,
		limits:  limits,
		logger:  logger,
	}
	if len(origins) > 0 {
		d.permittedOrigins = make(map[string]bool, len(origins))
		for _, o := range origins {
			d.permittedOrigins[o] = true
		}
	}
	for i := range d.shards {
		d.shards[i] = &directoryShard{chambers: make(map[string]*Chamber)}
	}
	return d
}

func (d *ChamberDirectory) shardFor(url string) *directoryShard {
	return d.shards[shardIndex([]byte(url))]
}

// Test implements Resolver (spec 4.7 "test"): protocol, URL prefix, and
// Origin checks, in that order, returning nil (not an error) for the first
// two since they mean "not a match for this directory" rather than a
// committed-but-rejected request.
func (d *ChamberDirectory) Test(url string, headers *Headers, protocols []string) (*HandlerMatch, error) {
	if !containsFold(protocols, echoProtocol) {
		return nil, nil
	}
	if !strings.HasPrefix(url, d.baseURL) {
		return nil, nil
	}
	if d.permittedOrigins != nil {
		origin := headers.Get("Origin")
		if !d.permittedOrigins[origin] {
			return nil, forbidden("Origin %s not permitted", origin)
		}
	}
	return &HandlerMatch{
		Protocol: echoProtocol,
		Accept: func(c *Connection) {
			d.accept(url, c)
		},
	}, nil
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// accept implements spec 4.7 "accept": find-or-create the chamber for url,
// enforcing MaxChambers on creation, then hand the connection to it.
func (d *ChamberDirectory) accept(url string, c *Connection) {
	shard := d.shardFor(url)

	shard.mu.Lock()
	chamber, ok := shard.chambers[url]
	if !ok {
		d.countMu.Lock()
		if d.count >= d.limits.MaxChambers {
			d.countMu.Unlock()
			shard.mu.Unlock()
			c.Close(StatusTryAgainLater, "Too many chambers")
			return
		}
		d.count++
		d.countMu.Unlock()

		chamber = NewChamber(url, d.limits, d.logger)
		chamber.OnEmpty(d.evict)
		shard.chambers[url] = chamber
	}
	shard.mu.Unlock()

	chamber.Add(c)
}

// evict drops url's chamber once its last peer has left, so a future
// connection to the same URL starts a fresh chamber rather than finding a
// zombie entry still counted against MaxChambers.
func (d *ChamberDirectory) evict(url string) {
	shard := d.shardFor(url)
	shard.mu.Lock()
	chamber, ok := shard.chambers[url]
	if ok && chamber.PeerCount() == 0 {
		delete(shard.chambers, url)
		d.countMu.Lock()
		d.count--
		d.countMu.Unlock()
	}
	shard.mu.Unlock()
}

// ChamberCount reports how many chambers currently exist across all
// shards. Exposed for tests and admin introspection.
func (d *ChamberDirectory) ChamberCount() int {
	d.countMu.Lock()
	defer d.countMu.Unlock()
	return d.count
}
