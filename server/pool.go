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
	"encoding/binary"
	"sync"
)

// maxFreeListPerSize bounds how many idle buffers of one capacity the
// registry keeps before it starts letting the garbage collector reclaim
// them, per spec 3's "bounded free-list (cap 64 per size)".
const maxFreeListPerSize = 64

// PooledBuffer is a fixed-capacity append buffer. Add never writes past
// cap and reports how many bytes it actually copied, so callers can detect
// a full buffer without a separate capacity check.
type PooledBuffer struct {
	buf []byte
	cap int
}

func newPooledBuffer(capacity int) *PooledBuffer {
	return &PooledBuffer{buf: make([]byte, 0, capacity), cap: capacity}
}

// Len returns the number of bytes currently written.
func (b *PooledBuffer) Len() int { return len(b.buf) }

// Cap returns the buffer's fixed capacity.
func (b *PooledBuffer) Cap() int { return b.cap }

// Bytes returns the buffer's current contents. The slice is only valid
// until the next Add or reset call.
func (b *PooledBuffer) Bytes() []byte { return b.buf }

// Add appends as much of data as fits without exceeding Cap, returning the
// number of bytes actually copied.
func (b *PooledBuffer) Add(data []byte) int {
	room := b.cap - len(b.buf)
	if room <= 0 {
		return 0
	}
	n := len(data)
	if n > room {
		n = room
	}
	b.buf = append(b.buf, data[:n]...)
	return n
}

// reset empties the buffer. Capacity may only be changed while empty (spec
// 4.2): resetCap is 0 to keep the existing capacity, or a new capacity to
// adopt. The buffer is emptied first, so a new capacity always applies.
func (b *PooledBuffer) reset(resetCap int) {
	b.buf = b.buf[:0]
	if resetCap > 0 && len(b.buf) == 0 {
		if resetCap != b.cap {
			b.buf = make([]byte, 0, resetCap)
		}
		b.cap = resetCap
	}
}

// bufferShard is one stripe of the process-wide pool registry: a
// size-indexed free list guarded by its own mutex.
type bufferShard struct {
	mu   sync.Mutex
	free map[int][]*PooledBuffer
}

// bufferRegistry is the process-wide, size-indexed free list described in
// spec 3. It is split into shardCount stripes, each keyed by hashing the
// requested capacity with HighwayHash, so concurrent executors acquiring
// buffers of different (or even the same) capacity rarely contend on one
// mutex — the "lock-free or sharded structure" design note 9 calls for.
type bufferRegistry struct {
	shards [shardCount]*bufferShard
}

func newBufferRegistry() *bufferRegistry {
	r := &bufferRegistry{}
	for i := range r.shards {
		r.shards[i] = &bufferShard{free: make(map[int][]*PooledBuffer)}
	}
	return r
}

func (r *bufferRegistry) shardFor(capacity int) *bufferShard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(capacity))
	return r.shards[shardIndex(b[:])]
}

// acquire returns a PooledBuffer of exactly capacity bytes, reusing one
// from the free list when available.
func (r *bufferRegistry) acquire(capacity int) *PooledBuffer {
	s := r.shardFor(capacity)
	s.mu.Lock()
	list := s.free[capacity]
	var buf *PooledBuffer
	if n := len(list); n > 0 {
		buf = list[n-1]
		s.free[capacity] = list[:n-1]
	}
	s.mu.Unlock()
	if buf != nil {
		buf.reset(0)
		return buf
	}
	return newPooledBuffer(capacity)
}

// release returns buf to its capacity's free list, up to maxFreeListPerSize
// entries; beyond that the buffer is simply dropped for the GC to collect.
func (r *bufferRegistry) release(buf *PooledBuffer) {
	buf.reset(0)
	s := r.shardFor(buf.cap)
	s.mu.Lock()
	if len(s.free[buf.cap]) < maxFreeListPerSize {
		s.free[buf.cap] = append(s.free[buf.cap], buf)
	}
	s.mu.Unlock()
}

// sharedPool is the process-wide registry every OnDemandBuffer draws from.
var sharedPool = newBufferRegistry()

// OnDemandBuffer lazily acquires a PooledBuffer from the shared registry on
// first write and returns it on Clear. It is not safe for concurrent use —
// per spec 3, these are per-Connection scratch buffers ("SHARED_HEADERBUF"
// in a single-threaded implementation becomes one instance per connection
// here), never shared across connections.
type OnDemandBuffer struct {
	capacity int
	buf      *PooledBuffer
}

// NewOnDemandBuffer returns a buffer that will acquire capacity bytes from
// the shared pool on first use.
func NewOnDemandBuffer(capacity int) *OnDemandBuffer {
	return &OnDemandBuffer{capacity: capacity}
}

// Len reports the number of bytes currently buffered (0 if never claimed).
func (o *OnDemandBuffer) Len() int {
	if o.buf == nil {
		return 0
	}
	return o.buf.Len()
}

// Bytes returns the buffered bytes (nil if never claimed).
func (o *OnDemandBuffer) Bytes() []byte {
	if o.buf == nil {
		return nil
	}
	return o.buf.Bytes()
}

// Add claims a PooledBuffer on first use, then appends as much of data as
// fits, returning the number of bytes actually copied.
func (o *OnDemandBuffer) Add(data []byte) int {
	if o.buf == nil {
		o.buf = sharedPool.acquire(o.capacity)
	}
	return o.buf.Add(data)
}

// Clear releases the underlying PooledBuffer (if any claimed) back to the
// shared pool.
func (o *OnDemandBuffer) Clear() {
	if o.buf == nil {
		return
	}
	sharedPool.release(o.buf)
	o.buf = nil
}

// addAndTestResult is returned by a test function passed to AddAndTest.
type addAndTestResult int

const (
	// needMoreData means the function could not find what it was looking
	// for in the concatenated (buffered-prefix + new data) view; AddAndTest
	// will buffer the new data for the next call.
	needMoreData addAndTestResult = iota
	// done means the function consumed what it needed; AddAndTest releases
	// the buffer.
	done
)

// AddAndTest implements the addAndTest pattern from spec 4.2: if a buffered
// prefix exists, concatenate it with data, then evaluate f on the logical
// concatenation. If f returns done, the buffer is released. If f returns
// needMoreData, data is buffered for next time, up to the buffer's capacity;
// bytes beyond the capacity are dropped (matching the spec's note that, in
// practice, f signalling incomplete means none of the new bytes were
// consumed).
func (o *OnDemandBuffer) AddAndTest(data []byte, f func(view []byte) addAndTestResult) addAndTestResult {
	var view []byte
	if o.Len() > 0 {
		view = append(append([]byte(nil), o.Bytes()...), data...)
	} else {
		view = data
	}
	result := f(view)
	if result == done {
		o.Clear()
		return result
	}
	if o.buf == nil {
		o.buf = sharedPool.acquire(o.capacity)
	}
	o.Add(data)
	return result
}
