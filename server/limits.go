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

// Limits bundles the tunables spec section 6 documents. It plays the role
// the teacher's WebsocketOpts plays for its websocket gateway: a small
// options struct passed down from the CLI into the components that enforce
// each cap.
type Limits struct {
	MaxQueueItems         int
	MaxQueueData          int
	HeadersMaxLength      int
	ChamberMaxConnections int
	MaxChambers           int
	MaxFramePayload       int64
}

// DefaultLimits returns the limits used by the ordinary chamber family,
// which is not restricted to two peers (ChamberMaxConnections is 64).
func DefaultLimits() Limits {
	return Limits{
		MaxQueueItems:         64,
		MaxQueueData:          1 << 20, // 1MiB queued per receiver before truncation
		HeadersMaxLength:      4096,
		ChamberMaxConnections: 64,
		MaxChambers:           1024,
		MaxFramePayload:       1 << 26, // 64MiB
	}
}

// TwoPeerLimits returns the limits for the two-peer chamber family: spec
// section 6 requires MAX_QUEUE_ITEMS=MAX_QUEUE_DATA=0, since a chamber
// capped at two members never needs cross-sender queueing (the other
// member is either the active sender or idle).
func TwoPeerLimits() Limits {
	l := DefaultLimits()
	l.MaxQueueItems = 0
	l.MaxQueueData = 0
	l.ChamberMaxConnections = 2
	return l
}
