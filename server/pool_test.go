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

func TestPooledBufferAddCapsAtCapacity(t *testing.T) {
	b := newPooledBuffer(8)
	n := b.Add([]byte("0123456789"))
	require_Len(t, n, 8)
	require_Len(t, b.Len(), 8)
	require_Equal(t, string(b.Bytes()), "01234567")
}

func TestPooledBufferAddAcrossCalls(t *testing.T) {
	b := newPooledBuffer(10)
	require_Len(t, b.Add([]byte("abc")), 3)
	require_Len(t, b.Add([]byte("defg")), 4)
	require_Equal(t, string(b.Bytes()), "abcdefg")
	require_Len(t, b.Add([]byte("xyz123")), 3)
	require_Len(t, b.Len(), 10)
}

func TestBufferRegistryReusesReleasedBuffers(t *testing.T) {
	r := newBufferRegistry()
	b1 := r.acquire(64)
	b1.Add([]byte("payload"))
	r.release(b1)

	b2 := r.acquire(64)
	require_True(t, b1 == b2)
	require_Len(t, b2.Len(), 0)
}

func TestBufferRegistryDistinctCapacitiesDontShare(t *testing.T) {
	r := newBufferRegistry()
	a := r.acquire(32)
	b := r.acquire(64)
	require_True(t, a != b)
	require_Len(t, a.Cap(), 32)
	require_Len(t, b.Cap(), 64)
}

func TestOnDemandBufferClearReleasesToSharedPool(t *testing.T) {
	o := NewOnDemandBuffer(16)
	require_Len(t, o.Len(), 0)
	o.Add([]byte("hi"))
	require_Len(t, o.Len(), 2)
	o.Clear()
	require_Len(t, o.Len(), 0)
	require_True(t, o.Bytes() == nil)
}

func TestOnDemandBufferAddAndTestFindsDelimiter(t *testing.T) {
	o := NewOnDemandBuffer(64)
	result := o.AddAndTest([]byte("T1,2"), func(view []byte) addAndTestResult {
		for _, b := range view {
			if b == '\n' {
				return done
			}
		}
		return needMoreData
	})
	require_Equal(t, resultName(result), "needMoreData")
	require_Len(t, o.Len(), 4)

	result = o.AddAndTest([]byte(":T*\n"), func(view []byte) addAndTestResult {
		for _, b := range view {
			if b == '\n' {
				return done
			}
		}
		return needMoreData
	})
	require_Equal(t, resultName(result), "done")
	require_Len(t, o.Len(), 0)
}

func resultName(r addAndTestResult) string {
	if r == done {
		return "done"
	}
	return "needMoreData"
}
