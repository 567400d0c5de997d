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
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nuid"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// requestPathChars are the characters spec 4.3 allows in the request
// line's path: alphanumerics plus this conservative punctuation set.
const requestPathChars = "_/\\.?&%+ -=~"

const (
	maxRequestLineLen = 1024
	maxHeaderLineLen  = 1024
	maxHeaderValueLen = 1024
	maxHeaderCount    = 32
	maxFrameHeaderLen = 14
)

// Stage is one state of the Connection handshake state machine (spec 4.3).
type Stage int

const (
	StageReadingRequest Stage = iota
	StageReadingHeaders
	StageUpgraded
	StageClosing
	StageClosed
)

// Connection owns one TCP peer from accept through close: the HTTP Upgrade
// handshake state machine, then the post-upgrade frame assembler (spec
// 4.3–4.4). Its read loop is pinned to the goroutine that calls Serve, so
// the two-level frame state machine below is never re-entered (spec
// section 5).
type Connection struct {
	conn   net.Conn
	id     senderID
	logger Logger

	resolver Resolver
	events   ConnEvents

	// writeMu serializes every write to conn: the read goroutine's own
	// control replies (pong, close-on-close) and a Chamber's relay
	// goroutines (via OutputQueue, under chamber.mu, from other peers)
	// both call sendFrame on this Connection, and Listener.Shutdown calls
	// Close from yet another goroutine. Without one lock guarding every
	// conn.Write plus the stage/closeSent fields those writes gate on,
	// concurrent senders interleave frame bytes on the wire. Mirrors the
	// teacher's wsEnqueueControlMessageLocked pattern of funneling all
	// writes for one client through its own mutex.
	writeMu   sync.Mutex
	stage     Stage
	joinedAt  time.Time
	closeSent bool

	// request-line / header parsing (pre-upgrade only)
	headers *Headers

	// frame-stream state (post-upgrade only)
	betweenFrames     bool
	hdr               [maxFrameHeaderLen]byte
	hdrLen            int
	cur               Frame
	maskCursor        byte
	lastNonContOpcode byte
	closing           bool

	ctrlBuf [maxControlLen]byte
	ctrlLen int

	maxFramePayload int64
}

// NewConnection wraps an accepted net.Conn. resolver is consulted once the
// handshake headers are complete to pick a protocol handler (spec 4.7).
func NewConnection(conn net.Conn, resolver Resolver, logger Logger, maxFramePayload int64) *Connection {
	return &Connection{
		conn:            conn,
		id:              senderID(nuid.Next()),
		resolver:        resolver,
		logger:          logger,
		headers:         newHeaders(),
		maxFramePayload: maxFramePayload,
	}
}

// ID returns this connection's stable opaque handle, used by OutputQueue as
// the activeSender identity (design note 9).
func (c *Connection) ID() senderID { return c.id }

// RemoteAddr exposes the underlying socket's remote address for logging.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SetEvents attaches the post-upgrade event sink. Called by a Resolver's
// HandlerMatch.Accept callback once it has decided to keep this connection
// (e.g. Chamber.Add).
func (c *Connection) SetEvents(events ConnEvents) { c.events = events }

// Stage returns the connection's current handshake/lifecycle stage.
func (c *Connection) Stage() Stage { return c.stage }

// Serve runs the handshake followed by the frame-stream read loop. It
// blocks until the connection closes for any reason and never returns an
// error — failures are reported through ConnEvents.OnError/HTTP responses
// and end in the socket being destroyed.
func (c *Connection) Serve() {
	defer c.destroySocket()

	br := bufio.NewReaderSize(c.conn, 4096)
	if err := c.handshake(br); err != nil {
		c.failHandshake(err)
		return
	}

	// Any bytes bufio.Reader already buffered past the blank line that
	// ended the header block belong to the first post-upgrade frame(s).
	if n := br.Buffered(); n > 0 {
		leftover, _ := br.Peek(n)
		if err := c.feed(leftover); err != nil {
			c.fail(err)
			return
		}
	}

	raw := make([]byte, 4096)
	for {
		n, err := c.conn.Read(raw)
		if n > 0 {
			if ferr := c.feed(raw[:n]); ferr != nil {
				if ferr == errConnClosedByPeer {
					return
				}
				c.fail(ferr)
				return
			}
		}
		if err != nil {
			c.onReadError(err)
			return
		}
	}
}

// --- Handshake -------------------------------------------------------

func (c *Connection) handshake(br *bufio.Reader) error {
	c.stage = StageReadingRequest
	method, path, err := c.readRequestLine(br)
	if err != nil {
		return err
	}
	if method != "GET" {
		return badRequest("unsupported method %q", method)
	}

	c.stage = StageReadingHeaders
	if err := c.readHeaders(br); err != nil {
		return err
	}

	return c.upgrade(path)
}

func (c *Connection) readLine(br *bufio.Reader, maxLen int) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", badRequest("connection ended before request was complete")
	}
	if len(line) > maxLen {
		return "", badRequest("line exceeds maximum length")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Connection) readRequestLine(br *bufio.Reader) (method, path string, err error) {
	line, err := c.readLine(br, maxRequestLineLen)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.1") {
		return "", "", badRequest("malformed request line")
	}
	if !isValidPath(parts[1]) {
		return "", "", badRequest("invalid request path")
	}
	return parts[0], parts[1], nil
}

func isValidPath(path string) bool {
	if path == "" {
		return false
	}
	for _, r := range path {
		if r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			continue
		}
		if strings.ContainsRune(requestPathChars, r) {
			continue
		}
		return false
	}
	return true
}

func (c *Connection) readHeaders(br *bufio.Reader) error {
	for {
		line, err := c.readLine(br, maxHeaderLineLen)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return badRequest("malformed header line")
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if len(value) > maxHeaderValueLen {
			return badRequest("header value exceeds maximum length")
		}
		if n := c.headers.Add(key, value); n > maxHeaderCount {
			return badRequest("too many headers")
		}
	}
}

func (c *Connection) upgrade(path string) error {
	h := c.headers
	if !h.containsToken("Connection", "Upgrade") {
		return badRequest("missing Connection: Upgrade")
	}
	if !strings.EqualFold(h.Get("Upgrade"), "websocket") {
		return badRequest("missing Upgrade: websocket")
	}
	key := h.Get("Sec-WebSocket-Key")
	if key == "" {
		return badRequest("missing Sec-WebSocket-Key")
	}
	version, err := strconv.Atoi(h.Get("Sec-WebSocket-Version"))
	if err != nil || version < 13 {
		return badRequest("unsupported Sec-WebSocket-Version")
	}
	protocols := splitCommaList(h.Get("Sec-WebSocket-Protocol"))

	match, err := c.resolver.Test(path, h, protocols)
	if err != nil {
		return err
	}
	if match == nil {
		return notFound("no handler for %s", path)
	}

	accept := acceptKey(key)
	resp := fmt.Sprintf(
		"HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\nSec-WebSocket-Protocol: %s\r\n\r\n",
		accept, match.Protocol,
	)
	if err := c.writeRaw([]byte(resp)); err != nil {
		return internalError(err.Error())
	}

	c.stage = StageUpgraded
	c.betweenFrames = true
	c.joinedAt = time.Now()
	match.Accept(c)
	if c.events != nil {
		c.events.OnUpgrade(match.Protocol)
	}
	return nil
}

func acceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (c *Connection) failHandshake(err error) {
	status, message := 500, err.Error()
	if he, ok := err.(*httpError); ok {
		status, message = he.status, he.message
	}
	body := message + "\n"
	resp := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\n\r\n%s",
		status, httpStatusText(status), len(body), body,
	)
	_ = c.writeRaw([]byte(resp))
	if c.logger != nil {
		c.logger.Warnf("handshake rejected (%d): %s", status, message)
	}
}

func httpStatusText(status int) string {
	switch status {
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	default:
		return "Internal Server Error"
	}
}

// --- Frame stream ------------------------------------------------------

// errConnClosedByPeer signals Serve to stop reading without treating the
// close as a failure: the close handshake already completed in
// dispatchControl.
var errConnClosedByPeer = fmt.Errorf("connection closed by peer")

func (c *Connection) feed(data []byte) error {
	pos := 0
	for {
		if c.betweenFrames {
			if pos >= len(data) {
				return nil
			}
			room := maxFrameHeaderLen - c.hdrLen
			take := len(data) - pos
			if take > room {
				take = room
			}
			if take <= 0 {
				return protocolError("frame header too large")
			}
			copy(c.hdr[c.hdrLen:], data[pos:pos+take])
			c.hdrLen += take
			pos += take

			f, ok := ReadFrameHeader(c.hdr[:c.hdrLen])
			if !ok {
				if c.hdrLen >= maxFrameHeaderLen {
					return protocolError("invalid frame header")
				}
				continue
			}
			extra := c.hdrLen - f.HeaderLen
			c.hdrLen = 0
			pos -= extra

			if err := c.validateFrameStart(&f); err != nil {
				return err
			}
			c.cur = f
			c.maskCursor = 0
			c.betweenFrames = false

			if !f.IsCommand() && f.Opcode != OpContinuation {
				c.lastNonContOpcode = f.Opcode
				c.events.OnMessageStart(f.Opcode)
			}
			c.events.OnFrameStart(f.Fin)
			continue
		}

		avail := len(data) - pos
		remaining := c.cur.Length()
		if avail == 0 && remaining > 0 {
			return nil
		}
		take := remaining
		if take > uint64(avail) {
			take = uint64(avail)
		}
		chunk := data[pos : pos+int(take)]
		pos += int(take)
		c.cur.consume(uint32(take))
		c.maskCursor = unmask(chunk, c.cur.Mask, c.maskCursor)

		if c.cur.IsCommand() {
			if c.ctrlLen+len(chunk) > maxControlLen {
				return protocolError("control frame payload too large")
			}
			copy(c.ctrlBuf[c.ctrlLen:], chunk)
			c.ctrlLen += len(chunk)
			if !c.cur.remaining() {
				done, err := c.dispatchControl()
				c.ctrlLen = 0
				c.betweenFrames = true
				if err != nil {
					return err
				}
				if done {
					return errConnClosedByPeer
				}
			}
		} else {
			fin := c.cur.Fin && !c.cur.remaining()
			c.events.OnMessagePart(chunk, c.lastNonContOpcode, c.cur.Opcode == OpContinuation, fin)
			if !c.cur.remaining() {
				c.events.OnFrameEnd()
				if c.cur.Fin {
					c.events.OnMessageEnd()
					c.lastNonContOpcode = 0
				}
				c.betweenFrames = true
			}
		}
	}
}

func (c *Connection) validateFrameStart(f *Frame) error {
	if f.Rsv1 || f.Rsv2 || f.Rsv3 {
		return protocolError("reserved bit set")
	}
	if !f.Masked {
		return protocolError("client frame not masked")
	}
	if f.IsCommand() {
		if f.LengthH > 0 || f.LengthL > 125 {
			return protocolError("control frame payload too large")
		}
		if !f.Fin {
			return protocolError("fragmented control frame")
		}
		return nil
	}
	if c.maxFramePayload > 0 && f.Length() > uint64(c.maxFramePayload) {
		return protocolError("frame payload exceeds maximum")
	}
	if f.Opcode == OpContinuation {
		if c.lastNonContOpcode == 0 {
			return protocolError("continuation frame without open message")
		}
	} else {
		if c.lastNonContOpcode != 0 {
			return protocolError("new message started before previous finished")
		}
	}
	return nil
}

// dispatchControl handles a fully-received control frame. done is true
// when the connection should stop reading (a close handshake completed).
func (c *Connection) dispatchControl() (done bool, err error) {
	payload := append([]byte(nil), c.ctrlBuf[:c.ctrlLen]...)
	switch c.cur.Opcode {
	case OpClose:
		code := statusNoStatusReceived
		reason := ""
		if len(payload) >= 2 {
			code = int(binary.BigEndian.Uint16(payload[:2]))
			reason = string(payload[2:])
		}
		c.events.OnCloseReceived(code, reason)
		if !c.closing {
			c.closing = true
			replyCode := code
			if replyCode == statusNoStatusReceived {
				replyCode = StatusNormalClosure
			}
			c.Close(replyCode, "")
		}
		return true, nil
	case OpPing:
		c.events.OnPing(payload)
		c.sendFrame(OpPong, payload, true)
		return false, nil
	case OpPong:
		c.events.OnPong(payload)
		return false, nil
	default:
		return false, protocolError("unexpected control opcode %d", c.cur.Opcode)
	}
}

func (c *Connection) onReadError(err error) {
	if err == io.EOF {
		c.notifyClose()
		return
	}
	c.writeMu.Lock()
	upgraded := c.stage == StageUpgraded || c.stage == StageClosing
	c.writeMu.Unlock()
	if !upgraded {
		return
	}
	c.notifyClose()
}

// --- Sending -------------------------------------------------------

// writeRaw writes data to the socket under writeMu, the one lock every
// write to conn — handshake responses and post-upgrade frames alike —
// passes through so two goroutines never interleave bytes on the wire.
func (c *Connection) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

// sendFrame writes one raw frame. Errors are swallowed per spec 7 ("errors
// during write... transition the Connection to Closed and are swallowed").
// Holds writeMu across both the stage check and the write itself, since
// concurrent callers (a peer's own control replies and a Chamber's relay
// goroutines, or Listener.Shutdown) may invoke this on the same Connection
// at once.
func (c *Connection) sendFrame(opcode byte, data []byte, fin bool) {
	buf := WriteFrame(make([]byte, 0, len(data)+maxFrameHeaderLen), opcode, data, fin)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stage == StageClosed {
		return
	}
	if _, err := c.conn.Write(buf); err != nil {
		c.stage = StageClosed
	}
}

func (c *Connection) didSendClose() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closeSent
}

// SendText writes a single-frame text message.
func (c *Connection) SendText(s string) {
	if c.didSendClose() {
		return
	}
	c.sendFrame(OpText, []byte(s), true)
}

// SendBinary writes a single-frame binary message.
func (c *Connection) SendBinary(data []byte) {
	if c.didSendClose() {
		return
	}
	c.sendFrame(OpBinary, data, true)
}

// Ping writes a ping control frame.
func (c *Connection) Ping(data []byte) {
	if c.didSendClose() {
		return
	}
	c.sendFrame(OpPing, data, true)
}

// Pong writes a pong control frame.
func (c *Connection) Pong(data []byte) {
	if c.didSendClose() {
		return
	}
	c.sendFrame(OpPong, data, true)
}

// Close writes a close frame with the given status code and reason. Any
// subsequent call (including a later one triggered by an error path, or a
// concurrent one from Listener.Shutdown) is a no-op, per spec 4.4.
func (c *Connection) Close(code int, reason string) {
	c.writeMu.Lock()
	if c.closeSent {
		c.writeMu.Unlock()
		return
	}
	c.closeSent = true
	c.writeMu.Unlock()

	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	c.sendFrame(OpClose, payload, true)

	c.writeMu.Lock()
	if c.stage == StageUpgraded {
		c.stage = StageClosing
	}
	c.writeMu.Unlock()
}

// fail handles a post-upgrade protocol/internal error (spec 4.4's "Error
// path"): emits an error event, sends a close frame carrying the error's
// status and message, and lets Serve's deferred destroySocket tear down
// the socket.
func (c *Connection) fail(err error) {
	code, message := asCloseError(err)
	if c.events != nil {
		c.events.OnError(code, message)
	}
	c.Close(code, message)
	if c.logger != nil {
		c.logger.Warnf("connection %s failed: %s", c.id, message)
	}
}

func (c *Connection) notifyClose() {
	c.writeMu.Lock()
	if c.stage == StageClosed {
		c.writeMu.Unlock()
		return
	}
	wasUpgraded := c.stage == StageUpgraded || c.stage == StageClosing
	c.stage = StageClosed
	c.writeMu.Unlock()

	if wasUpgraded && c.events != nil {
		c.events.OnClose()
	}
}

func (c *Connection) destroySocket() {
	c.notifyClose()
	_ = c.conn.Close()
}
