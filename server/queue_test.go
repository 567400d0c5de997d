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
	"net"
	"testing"
	"time"
)

// recordingConn is a net.Conn whose Write appends to an in-memory buffer, so
// tests can decode exactly the frames a Connection sent.
type recordingConn struct {
	buf bytes.Buffer
}

func (r *recordingConn) Read(p []byte) (int, error)         { return 0, nil }
func (r *recordingConn) Write(p []byte) (int, error)        { return r.buf.Write(p) }
func (r *recordingConn) Close() error                       { return nil }
func (r *recordingConn) LocalAddr() net.Addr                { return nil }
func (r *recordingConn) RemoteAddr() net.Addr               { return nil }
func (r *recordingConn) SetDeadline(time.Time) error        { return nil }
func (r *recordingConn) SetReadDeadline(time.Time) error    { return nil }
func (r *recordingConn) SetWriteDeadline(time.Time) error   { return nil }

type decodedFrame struct {
	opcode  byte
	payload []byte
	fin     bool
}

func decodeFrames(t *testing.T, buf []byte) []decodedFrame {
	t.Helper()
	var out []decodedFrame
	pos := 0
	for pos < len(buf) {
		f, ok := ReadFrameHeader(buf[pos:])
		if !ok {
			t.Fatalf("incomplete frame header at offset %d", pos)
		}
		pos += f.HeaderLen
		n := int(f.Length())
		out = append(out, decodedFrame{opcode: f.Opcode, payload: buf[pos : pos+n], fin: f.Fin})
		pos += n
	}
	return out
}

func newTestConnection() (*Connection, *recordingConn) {
	rc := &recordingConn{}
	c := NewConnection(rc, nil, nil, 0)
	return c, rc
}

func TestOutputQueueSingleSenderPassesThrough(t *testing.T) {
	c, rc := newTestConnection()
	q := NewOutputQueue(c, 0, 0)

	q.AddFrame("alice", OpText, []byte("hello"), false, true)

	frames := decodeFrames(t, rc.buf.Bytes())
	require_Len(t, len(frames), 1)
	require_Equal(t, string(frames[0].payload), "hello")
	require_True(t, frames[0].fin)
}

func TestOutputQueueQueuesBehindActiveSender(t *testing.T) {
	c, rc := newTestConnection()
	q := NewOutputQueue(c, 64, 1<<20)

	q.AddFrame("alice", OpText, []byte("part1"), false, false)
	q.AddFrame("bob", OpText, []byte("from bob"), false, true)
	require_Len(t, q.QueuedItems(), 1)

	frames := decodeFrames(t, rc.buf.Bytes())
	require_Len(t, len(frames), 1)
	require_Equal(t, string(frames[0].payload), "part1")

	q.AddFrame("alice", OpText, []byte("part2"), true, true)

	frames = decodeFrames(t, rc.buf.Bytes())
	require_Len(t, len(frames), 3)
	require_Equal(t, string(frames[1].payload), "part2")
	require_True(t, frames[1].fin)
	require_Equal(t, string(frames[2].payload), "from bob")
	require_True(t, frames[2].fin)
	require_Len(t, q.QueuedItems(), 0)
}

func TestOutputQueueContinuationWithNoActiveSenderIsDropped(t *testing.T) {
	c, rc := newTestConnection()
	q := NewOutputQueue(c, 0, 0)

	q.AddFrame("alice", OpText, []byte("stray"), true, false)
	require_Len(t, rc.buf.Len(), 0)
	require_False(t, q.hasActive)
}

func TestOutputQueueOverflowTruncatesActiveSender(t *testing.T) {
	c, rc := newTestConnection()
	q := NewOutputQueue(c, 1, 0)

	q.AddFrame("alice", OpText, []byte("a1"), false, false)
	q.AddFrame("bob", OpText, []byte("b1"), false, false)
	q.AddFrame("carol", OpText, []byte("c1"), false, false)

	// alice becomes active and gets her first (unfinished) frame through;
	// the third AddFrame call pushes the queue over cap (maxItems=1), which
	// aborts alice's dangling message (empty continuation+fin, then an "X"
	// notice) and immediately rewinds into bob, the next queued sender.
	frames := decodeFrames(t, rc.buf.Bytes())
	require_Len(t, len(frames), 4)
	require_Equal(t, string(frames[0].payload), "a1")
	require_False(t, frames[0].fin)

	closer := frames[1]
	require_Equal(t, opcodeName(closer.opcode), opcodeName(OpContinuation))
	require_Len(t, len(closer.payload), 0)
	require_True(t, closer.fin)

	require_Equal(t, string(frames[2].payload), "X")
	require_True(t, frames[2].fin)

	require_Equal(t, string(frames[3].payload), "b1")
	require_False(t, frames[3].fin)

	require_Len(t, q.QueuedItems(), 1)
}

func TestOutputQueueCloseSenderFlushesDanglingHalfMessage(t *testing.T) {
	c, rc := newTestConnection()
	q := NewOutputQueue(c, 0, 0)

	q.AddFrame("alice", OpText, []byte("open"), false, false)
	q.CloseSender("alice")

	frames := decodeFrames(t, rc.buf.Bytes())
	last := frames[len(frames)-1]
	require_True(t, last.opcode == OpText)
	require_Equal(t, string(last.payload), "X")
	require_False(t, q.hasActive)
}

func TestOutputQueueCloseSenderLeavesCompletedMessageAlone(t *testing.T) {
	c, rc := newTestConnection()
	q := NewOutputQueue(c, 0, 0)

	q.AddFrame("alice", OpText, []byte("done"), false, true)
	q.CloseSender("alice")

	frames := decodeFrames(t, rc.buf.Bytes())
	require_Len(t, len(frames), 1)
	require_Equal(t, string(frames[0].payload), "done")
}

func TestOutputQueueRemoveSenderDropsQueuedFrames(t *testing.T) {
	c, rc := newTestConnection()
	q := NewOutputQueue(c, 64, 1<<20)

	q.AddFrame("alice", OpText, []byte("keep-open"), false, false)
	q.AddFrame("bob", OpText, []byte("queued"), false, true)
	q.RemoveSender("bob")
	require_Len(t, q.QueuedItems(), 0)

	q.AddFrame("alice", OpText, []byte("rest"), true, true)
	frames := decodeFrames(t, rc.buf.Bytes())
	for _, f := range frames {
		if string(f.payload) == "queued" {
			t.Errorf("removed sender's frame was still delivered")
		}
	}
}
