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

// senderID is the "stable opaque handle per sender" design note 9 asks
// for: a value unique for the sender's lifetime that OutputQueue can
// compare by equality. Connection.id (a nuid token minted at accept time)
// fills this role.
type senderID string

// queuedFrame is one (sender, frame-info) item held by an OutputQueue
// while a different sender's message is in flight.
type queuedFrame struct {
	sender       senderID
	opcode       byte
	data         []byte
	continuation bool
	fin          bool
}

// OutputQueue serialises many sender streams through one receiver socket,
// preserving each multi-frame message's contiguity (spec 4.5). One
// OutputQueue exists per receiving PeerRecord.
type OutputQueue struct {
	conn *Connection

	maxItems int
	maxData  int

	active     senderID
	hasActive  bool
	activeOpen bool // true once frames have been sent for `active` and no fin has closed it yet

	items    []queuedFrame
	dataLen  int
}

// NewOutputQueue returns a queue bound to conn, enforcing the given caps.
// maxItems <= 0 or maxData <= 0 disables that specific cap (used by the
// two-peer chamber family, which never needs cross-sender queueing).
func NewOutputQueue(conn *Connection, maxItems, maxData int) *OutputQueue {
	return &OutputQueue{conn: conn, maxItems: maxItems, maxData: maxData}
}

// QueuedItems reports how many frames are currently queued behind the
// active sender (used by Chamber.pickOneTarget's "peers with no queued
// items are preferred" tiebreaker).
func (q *OutputQueue) QueuedItems() int {
	return len(q.items)
}

// AddFrame is the single entry point callers must use, always passing a
// given sender's frames in that sender's own frame order (design note 9's
// explicit contract — addFrame is not safe to call out of order for one
// sender).
func (q *OutputQueue) AddFrame(sender senderID, opcode byte, data []byte, continuation bool, fin bool) {
	if !q.hasActive {
		if continuation {
			// Rule 3: a continuation frame with no active sender belongs
			// to a message this queue already truncated/aborted. Drop it.
			return
		}
		q.becomeActive(sender)
	}
	if q.hasActive && q.active == sender {
		q.sendActive(opcode, data, continuation, fin)
		return
	}
	q.enqueue(sender, opcode, data, continuation, fin)
}

func (q *OutputQueue) becomeActive(sender senderID) {
	q.active = sender
	q.hasActive = true
	q.activeOpen = true
}

// sendActive writes a frame for the current active sender directly to the
// connection and, on fin, walks the queue for the next eligible run.
func (q *OutputQueue) sendActive(opcode byte, data []byte, continuation bool, fin bool) {
	outOpcode := opcode
	if continuation {
		outOpcode = OpContinuation
	}
	q.conn.sendFrame(outOpcode, data, fin)
	if fin {
		q.activeOpen = false
		q.hasActive = false
		q.rewind()
	}
}

// enqueue appends a frame for a non-active sender, then trims to the
// configured caps by aborting the in-flight message as many times as
// needed (spec 4.5, rule 5).
func (q *OutputQueue) enqueue(sender senderID, opcode byte, data []byte, continuation bool, fin bool) {
	q.items = append(q.items, queuedFrame{
		sender: sender, opcode: opcode, data: data,
		continuation: continuation, fin: fin,
	})
	q.dataLen += len(data)

	for q.overCap() {
		if !q.hasActive {
			// Nothing left to abort but still over cap: drop the oldest
			// queued item directly rather than loop forever.
			if len(q.items) == 0 {
				break
			}
			q.dataLen -= len(q.items[0].data)
			q.items = q.items[1:]
			continue
		}
		q.abortCurrent()
	}
}

func (q *OutputQueue) overCap() bool {
	if q.maxItems > 0 && len(q.items) > q.maxItems {
		return true
	}
	if q.maxData > 0 && q.dataLen > q.maxData {
		return true
	}
	return false
}

// abortCurrent truncates the in-flight message from the active sender:
// emits a synthetic zero-length continuation-fin (closing whatever the
// active sender had open), then a standalone "X" text message signalling
// truncation to the receiver, clears activeSender, and resumes queue
// consumption (spec 4.5).
func (q *OutputQueue) abortCurrent() {
	if q.hasActive && q.activeOpen {
		q.conn.sendFrame(OpContinuation, nil, true)
	}
	q.hasActive = false
	q.activeOpen = false
	q.conn.sendFrame(OpText, []byte("X"), true)
	q.rewind()
}

// rewind implements spec 4.5 rule 4: walk the queue in arrival order,
// sending any items whose sender equals the new active sender (the first
// eligible item's sender), removing processed items; if that walk itself
// completes a message (ends on a fin), loop again since a new active
// sender may now be eligible.
func (q *OutputQueue) rewind() {
	for {
		if len(q.items) == 0 {
			return
		}
		sender := q.items[0].sender
		q.active = sender
		q.hasActive = true
		q.activeOpen = true

		remaining := q.items[:0]
		completedMidWalk := false
		for _, item := range q.items {
			if item.sender != sender {
				remaining = append(remaining, item)
				continue
			}
			q.dataLen -= len(item.data)
			outOpcode := item.opcode
			if item.continuation {
				outOpcode = OpContinuation
			}
			q.conn.sendFrame(outOpcode, item.data, item.fin)
			if item.fin {
				q.activeOpen = false
				q.hasActive = false
				completedMidWalk = true
			} else {
				q.activeOpen = true
				q.hasActive = true
				completedMidWalk = false
			}
		}
		q.items = remaining
		if !completedMidWalk {
			return
		}
		// The sender completed mid-walk: loop to see if another sender is
		// now eligible for the front of the remaining queue.
	}
}

// RemoveSender drops all trace of s from the queue: if s is the active
// sender, its dangling message is aborted (truncation markers sent);
// otherwise its queued frames are simply filtered out (spec 4.5).
func (q *OutputQueue) RemoveSender(s senderID) {
	if q.hasActive && q.active == s {
		q.abortCurrent()
		return
	}
	filtered := q.items[:0]
	for _, item := range q.items {
		if item.sender == s {
			q.dataLen -= len(item.data)
			continue
		}
		filtered = append(filtered, item)
	}
	q.items = filtered
}

// CloseSender is called when sender s disconnects. If s's last
// contribution left a half-message open (it was the active sender with no
// closing fin, or its last queued frame had fin=false), RemoveSender
// flushes the dangling half via abortCurrent/filtering; otherwise the
// queue is left intact so the rest flushes normally (spec 4.5).
func (q *OutputQueue) CloseSender(s senderID) {
	if q.hasActive && q.active == s {
		q.RemoveSender(s)
		return
	}
	lastFin := true
	found := false
	for _, item := range q.items {
		if item.sender == s {
			lastFin = item.fin
			found = true
		}
	}
	if found && !lastFin {
		q.RemoveSender(s)
	}
}
