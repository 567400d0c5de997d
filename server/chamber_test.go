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

import "testing"

func TestChamberJoinBroadcastsAndWelcomes(t *testing.T) {
	ch := NewChamber("/echo/room1", DefaultLimits(), nil)

	c0, rc0 := newTestConnection()
	ch.Add(c0)
	frames0 := decodeFrames(t, rc0.buf.Bytes())
	require_Len(t, len(frames0), 1)
	require_Equal(t, string(frames0[0].payload), "I0")

	c1, rc1 := newTestConnection()
	ch.Add(c1)

	frames0 = decodeFrames(t, rc0.buf.Bytes())
	require_Len(t, len(frames0), 2)
	require_Equal(t, string(frames0[1].payload), "H1")

	frames1 := decodeFrames(t, rc1.buf.Bytes())
	require_Len(t, len(frames1), 1)
	require_Equal(t, string(frames1[0].payload), "I1:H0")

	require_Len(t, ch.PeerCount(), 2)
}

func TestChamberLeaveBroadcastsAndEvicts(t *testing.T) {
	var evictedURL string
	ch := NewChamber("/echo/room2", DefaultLimits(), nil)
	ch.OnEmpty(func(url string) { evictedURL = url })

	c0, rc0 := newTestConnection()
	ch.Add(c0)
	c1, _ := newTestConnection()
	ch.Add(c1)

	peer1 := ch.peers[1]
	ch.leave(peer1)

	frames0 := decodeFrames(t, rc0.buf.Bytes())
	require_Equal(t, string(frames0[len(frames0)-1].payload), "B1")
	require_Len(t, ch.PeerCount(), 1)
	require_Equal(t, evictedURL, "")

	peer0 := ch.peers[0]
	ch.leave(peer0)
	require_Len(t, ch.PeerCount(), 0)
	require_Equal(t, evictedURL, "/echo/room2")
}

func TestChamberDefaultBroadcastExcludesSenderOnly(t *testing.T) {
	ch := NewChamber("/echo/room3", DefaultLimits(), nil)
	c0, rc0 := newTestConnection()
	ch.Add(c0)
	c1, rc1 := newTestConnection()
	ch.Add(c1)

	sender := ch.peers[0]
	ch.onMessageStart(sender, OpText)
	ch.onMessagePart(sender, []byte("\nhello"), OpText, false, true)
	ch.onMessageEnd(sender)

	framesSender := decodeFrames(t, rc0.buf.Bytes())
	for _, f := range framesSender {
		if string(f.payload) == "hello" {
			t.Errorf("sender received its own broadcast without an explicit target")
		}
	}

	frames1 := decodeFrames(t, rc1.buf.Bytes())
	require_Equal(t, string(frames1[len(frames1)-2].payload), "F0\n")
	require_Equal(t, string(frames1[len(frames1)-1].payload), "hello")
}

func TestChamberLiteralTargetOnlyReachesListedPeers(t *testing.T) {
	ch := NewChamber("/echo/room4", DefaultLimits(), nil)
	c0, _ := newTestConnection()
	ch.Add(c0)
	c1, rc1 := newTestConnection()
	ch.Add(c1)
	c2, rc2 := newTestConnection()
	ch.Add(c2)

	sender := ch.peers[0]
	ch.onMessageStart(sender, OpText)
	ch.onMessagePart(sender, []byte("T1\nhi"), OpText, false, true)
	ch.onMessageEnd(sender)

	frames1 := decodeFrames(t, rc1.buf.Bytes())
	require_Equal(t, string(frames1[len(frames1)-1].payload), "hi")

	frames2 := decodeFrames(t, rc2.buf.Bytes())
	require_Len(t, len(frames2), 1) // only the I welcome, nothing else
}

func TestChamberDoubleStarTargetIncludesSender(t *testing.T) {
	ch := NewChamber("/echo/room5", DefaultLimits(), nil)
	c0, rc0 := newTestConnection()
	ch.Add(c0)
	c1, rc1 := newTestConnection()
	ch.Add(c1)

	sender := ch.peers[0]
	ch.onMessageStart(sender, OpText)
	ch.onMessagePart(sender, []byte("T**\nall"), OpText, false, true)
	ch.onMessageEnd(sender)

	frames0 := decodeFrames(t, rc0.buf.Bytes())
	require_Equal(t, string(frames0[len(frames0)-1].payload), "all")

	frames1 := decodeFrames(t, rc1.buf.Bytes())
	require_Equal(t, string(frames1[len(frames1)-1].payload), "all")
}

func TestChamberHeaderOverflowClosesConnection(t *testing.T) {
	limits := DefaultLimits()
	limits.HeadersMaxLength = 4
	ch := NewChamber("/echo/room6", limits, nil)
	c0, rc0 := newTestConnection()
	ch.Add(c0)
	c1, _ := newTestConnection()
	ch.Add(c1)

	sender := ch.peers[0]
	ch.onMessageStart(sender, OpText)
	ch.onMessagePart(sender, []byte("TTTTTTTTTT"), OpText, false, false)

	frames := decodeFrames(t, rc0.buf.Bytes())
	last := frames[len(frames)-1]
	require_True(t, last.opcode == OpClose)
	code := int(last.payload[0])<<8 | int(last.payload[1])
	require_Len(t, code, StatusHeaderTooLarge)
}

func TestChamberAddRejectsWhenFull(t *testing.T) {
	limits := TwoPeerLimits()
	ch := NewChamber("/echo/two", limits, nil)
	c0, _ := newTestConnection()
	ch.Add(c0)
	c1, _ := newTestConnection()
	ch.Add(c1)

	c2, rc2 := newTestConnection()
	ch.Add(c2)
	require_Len(t, ch.PeerCount(), 2)

	frames := decodeFrames(t, rc2.buf.Bytes())
	last := frames[len(frames)-1]
	require_True(t, last.opcode == OpClose)
	code := int(last.payload[0])<<8 | int(last.payload[1])
	require_Len(t, code, StatusTryAgainLater)
}
