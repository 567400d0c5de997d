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
	"bytes"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// newPeerWindow is how long a peer is considered "new" for
// pickOneTarget's preference ordering (spec 4.6).
const newPeerWindow = 30 * time.Second

// peerRecord is spec 3's PeerRecord: everything a Chamber tracks about one
// joined peer.
type peerRecord struct {
	id       int
	conn     *Connection
	queue    *OutputQueue
	joinedAt time.Time

	headerBuf    *OnDemandBuffer
	headerLength int
	currentTargets map[int]bool
	pendingOpcode  byte
}

func (p *peerRecord) isNew() bool {
	return time.Since(p.joinedAt) < newPeerWindow
}

func (p *peerRecord) isMidInboundMessage() bool {
	return p.headerLength > 0
}

// Chamber is the set of peers sharing one URL (spec 4.6). A Chamber is a
// shared mutable resource; every mutation (join, leave, header parse,
// broadcast enqueue) happens under mu, implementing concurrency
// strategy (b) from spec section 5: one mutex per chamber guarding its
// peer map, each OutputQueue, and the id counter.
type Chamber struct {
	url    string
	limits Limits
	logger Logger

	mu      sync.Mutex
	peers   map[int]*peerRecord
	nextID  int
	onEmpty func(url string)
}

// NewChamber constructs an empty chamber for url.
func NewChamber(url string, limits Limits, logger Logger) *Chamber {
	return &Chamber{
		url:    url,
		limits: limits,
		logger: logger,
		peers:  make(map[int]*peerRecord),
	}
}

// OnEmpty registers the callback invoked once this chamber's last peer
// departs, so a ChamberDirectory can evict its URL entry (spec 4.7).
func (c *Chamber) OnEmpty(f func(url string)) { c.onEmpty = f }

// PeerCount reports how many peers currently occupy the chamber.
func (c *Chamber) PeerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// Add joins conn to the chamber (spec 4.6 "Join"). If the chamber is at
// capacity, the connection is rejected with close code 1013 instead of
// being added.
func (c *Chamber) Add(conn *Connection) {
	c.mu.Lock()
	if len(c.peers) >= c.limits.ChamberMaxConnections {
		c.mu.Unlock()
		conn.Close(StatusTryAgainLater, "Chamber is full")
		return
	}

	id := c.nextID
	c.nextID++
	peer := &peerRecord{
		id:        id,
		conn:      conn,
		joinedAt:  time.Now(),
		headerBuf: NewOnDemandBuffer(c.limits.HeadersMaxLength),
	}
	peer.queue = NewOutputQueue(conn, c.limits.MaxQueueItems, c.limits.MaxQueueData)
	conn.SetEvents(&peerEvents{chamber: c, peer: peer})

	existing := c.sortedPeers()
	joinSender := senderID("sys-join-" + strconv.Itoa(id))
	for _, p := range existing {
		p.queue.AddFrame(joinSender, OpText, []byte("H"+strconv.Itoa(id)), false, true)
	}

	var welcome strings.Builder
	welcome.WriteString("I")
	welcome.WriteString(strconv.Itoa(id))
	for _, p := range existing {
		welcome.WriteString(":H")
		welcome.WriteString(strconv.Itoa(p.id))
	}
	peer.queue.AddFrame(senderID("sys-welcome-"+strconv.Itoa(id)), OpText, []byte(welcome.String()), false, true)

	c.peers[id] = peer
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debugf("chamber %s: peer %d joined (%s)", c.url, id, conn.ID())
	}
}

// sortedPeers returns the current peers ordered by ascending id. Must be
// called with mu held.
func (c *Chamber) sortedPeers() []*peerRecord {
	out := make([]*peerRecord, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// leave removes peer from the chamber (spec 4.6 "Leave"), notifying the
// remaining peers and evicting the chamber once empty.
func (c *Chamber) leave(peer *peerRecord) {
	c.mu.Lock()
	if _, ok := c.peers[peer.id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.peers, peer.id)
	remaining := c.sortedPeers()

	for _, p := range remaining {
		p.queue.CloseSender(peer.conn.ID())
	}
	leaveSender := senderID("sys-leave-" + strconv.Itoa(peer.id))
	for _, p := range remaining {
		p.queue.AddFrame(leaveSender, OpText, []byte("B"+strconv.Itoa(peer.id)), false, true)
	}
	peer.headerBuf.Clear()

	empty := len(c.peers) == 0
	onEmpty := c.onEmpty
	url := c.url
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debugf("chamber %s: peer %d left", url, peer.id)
	}
	if empty && onEmpty != nil {
		onEmpty(url)
	}
}

// onMessageStart resets a peer's header-mini-protocol state for a new
// inbound message (spec 4.6).
func (c *Chamber) onMessageStart(peer *peerRecord, opcode byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	peer.headerBuf.Clear()
	peer.headerLength = 0
	peer.currentTargets = nil
	peer.pendingOpcode = opcode
}

// onMessagePart implements the inbound header-mini-protocol (spec 4.6):
// accumulate bytes until a header line is found, parse the target
// selector, then forward subsequent bytes to the resolved targets.
func (c *Chamber) onMessagePart(peer *peerRecord, data []byte, opcode byte, continuation bool, fin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.peers[peer.id]; !ok {
		return
	}

	if peer.headerLength == 0 {
		var fullView []byte
		idx := -1
		result := peer.headerBuf.AddAndTest(data, func(view []byte) addAndTestResult {
			if i := bytes.IndexByte(view, '\n'); i >= 0 {
				idx = i
				fullView = append([]byte(nil), view...)
				return done
			}
			return needMoreData
		})
		if result == needMoreData {
			if peer.headerBuf.Len() >= c.limits.HeadersMaxLength {
				peer.conn.Close(StatusHeaderTooLarge, "Header too large")
			}
			return
		}
		line := fullView[:idx]
		remainder := fullView[idx+1:]
		peer.headerLength = idx + 1
		peer.currentTargets = c.resolveTargets(peer, line)

		metadata := []byte("F" + strconv.Itoa(peer.id) + "\n")
		for targetID := range peer.currentTargets {
			target, ok := c.peers[targetID]
			if !ok {
				continue
			}
			target.queue.AddFrame(peer.conn.ID(), peer.pendingOpcode, metadata, false, false)
			target.queue.AddFrame(peer.conn.ID(), peer.pendingOpcode, remainder, true, fin)
		}
		return
	}

	for targetID := range peer.currentTargets {
		target, ok := c.peers[targetID]
		if !ok {
			continue
		}
		target.queue.AddFrame(peer.conn.ID(), peer.pendingOpcode, data, true, fin)
	}
}

// onMessageEnd closes out the header-mini-protocol state so the next
// inbound message starts with a fresh header (spec 4.6: "On fin:
// headerLength := 0").
func (c *Chamber) onMessageEnd(peer *peerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	peer.headerLength = 0
}

// resolveTargets applies the target-set policy from spec 4.6 to one
// header line. Must be called with mu held.
func (c *Chamber) resolveTargets(sender *peerRecord, line []byte) map[int]bool {
	var rawTargets []string
	for _, item := range bytes.Split(line, []byte(":")) {
		if len(item) == 0 || item[0] != 'T' {
			continue
		}
		rawTargets = append(rawTargets, strings.Split(string(item[1:]), ",")...)
	}

	hasDoubleStar := false
	hasStar := false
	var literal []int
	literalSet := make(map[int]bool)
	for _, t := range rawTargets {
		switch t {
		case "**":
			hasDoubleStar = true
		case "*":
			hasStar = true
		default:
			if id, err := strconv.Atoi(t); err == nil {
				if !literalSet[id] {
					literal = append(literal, id)
					literalSet[id] = true
				}
			}
		}
	}

	targets := make(map[int]bool)
	switch {
	case hasDoubleStar:
		for id := range c.peers {
			targets[id] = true
		}
	case hasStar:
		for _, id := range literal {
			targets[id] = true
		}
		exclude := make(map[int]bool, len(literalSet)+1)
		for id := range literalSet {
			exclude[id] = true
		}
		exclude[sender.id] = true
		if pick := c.pickOneTarget(exclude); pick != nil {
			targets[pick.id] = true
		}
	case len(rawTargets) == 0:
		for id := range c.peers {
			if id != sender.id {
				targets[id] = true
			}
		}
	default:
		for _, id := range literal {
			targets[id] = true
		}
	}
	return targets
}

// pickOneTarget chooses one peer not in exclude, preferring established
// peers over new ones, idle peers over busy ones, and peers not currently
// mid-inbound-message over those that are (spec 4.6, with design note 9's
// fix applied: the second operand of the "currently sending" tiebreaker is
// the candidate being compared against, not the first candidate again).
// A uniform shuffle runs before the stable sort so ties do not
// deterministically favour one peer. Must be called with mu held.
func (c *Chamber) pickOneTarget(exclude map[int]bool) *peerRecord {
	candidates := make([]*peerRecord, 0, len(c.peers))
	for id, p := range c.peers {
		if exclude[id] {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.isNew() != b.isNew() {
			return !a.isNew()
		}
		aBusy := a.queue.QueuedItems() > 0
		bBusy := b.queue.QueuedItems() > 0
		if aBusy != bBusy {
			return !aBusy
		}
		if a.isMidInboundMessage() != b.isMidInboundMessage() {
			return !a.isMidInboundMessage()
		}
		return false
	})
	return candidates[0]
}

// peerEvents adapts Connection's typed-callback interface onto one
// Chamber/peerRecord pair (design note 9).
type peerEvents struct {
	chamber *Chamber
	peer    *peerRecord
}

func (e *peerEvents) OnUpgrade(protocol string) {}

func (e *peerEvents) OnMessageStart(opcode byte) {
	e.chamber.onMessageStart(e.peer, opcode)
}

func (e *peerEvents) OnMessagePart(data []byte, opcode byte, continuation bool, fin bool) {
	e.chamber.onMessagePart(e.peer, data, opcode, continuation, fin)
}

func (e *peerEvents) OnMessageEnd() {
	e.chamber.onMessageEnd(e.peer)
}

func (e *peerEvents) OnFrameStart(fin bool) {}
func (e *peerEvents) OnFrameEnd()           {}
func (e *peerEvents) OnPing(data []byte)    {}
func (e *peerEvents) OnPong(data []byte)    {}
func (e *peerEvents) OnCloseReceived(code int, reason string) {}

func (e *peerEvents) OnError(status int, message string) {
	if e.chamber.logger != nil {
		e.chamber.logger.Warnf("chamber %s: peer %d error %d: %s", e.chamber.url, e.peer.id, status, message)
	}
}

func (e *peerEvents) OnClose() {
	e.chamber.leave(e.peer)
}
