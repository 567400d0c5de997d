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

// ConnEvents is the typed-callback interface a Connection emits its
// post-upgrade frame-stream events through (design note 9: "Event emission
// -> typed callbacks... in a systems language this maps cleanly to a
// trait/interface consumed by Chamber"). chamber.go's peerEvents is the only
// implementation in this repo, but keeping it as an interface lets
// frame-stream tests supply a recording fake instead of standing up a whole
// Chamber.
//
// Calls arrive strictly in arrival order for one Connection — the read
// loop is pinned to a single goroutine per spec section 5, so an
// implementation never needs to synchronize against itself.
type ConnEvents interface {
	OnUpgrade(protocol string)
	OnMessageStart(opcode byte)
	OnMessagePart(data []byte, opcode byte, continuation bool, fin bool)
	OnMessageEnd()
	OnFrameStart(fin bool)
	OnFrameEnd()
	OnPing(data []byte)
	OnPong(data []byte)
	OnCloseReceived(code int, reason string)
	OnError(status int, message string)
	OnClose()
}

// HandlerMatch is what a Resolver returns for a successfully matched
// upgrade request: the negotiated subprotocol, and the callback to run
// once the 101 response has been written and the Connection has entered
// the Upgraded stage, so the callback can attach events and register the
// connection with whatever owns this protocol (a Chamber, here).
type HandlerMatch struct {
	Protocol string
	Accept   func(c *Connection)
}

// Resolver picks a handler for an upgrade request the way
// ChamberDirectory.test does in spec 4.7. It returns nil (not an error)
// when the request does not match, and reserves error returns for "this
// connection matched enough to commit to a handler but must still be
// rejected" (Origin). A Connection consults exactly one Resolver; there is
// no chain of candidates, and a nil result is answered with HTTP 404.
// Capacity rejections happen after the upgrade, as close frames, not here.
type Resolver interface {
	Test(url string, headers *Headers, protocols []string) (*HandlerMatch, error)
}
