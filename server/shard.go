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
	"github.com/minio/highwayhash"
)

// shardKey is a fixed, process-wide HighwayHash key. It only needs to be
// stable for the lifetime of one process (it keys a hash table shard
// selector, not anything security sensitive), so a constant key is enough.
var shardKey = [32]byte{
	0x63, 0x68, 0x61, 0x6d, 0x62, 0x65, 0x72, 0x64,
	0x2d, 0x73, 0x68, 0x61, 0x72, 0x64, 0x2d, 0x6b,
	0x65, 0x79, 0x2d, 0x76, 0x31, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// shardCount is the number of stripes in a shardedMap. A small power of two
// keeps lock contention low for the expected number of concurrent executors
// without making iteration (used only by tests) unwieldy.
const shardCount = 16

// shardIndex hashes key with HighwayHash and returns a bucket in
// [0, shardCount). Used by both the PooledBuffer free-list registry (keyed
// by capacity) and the ChamberDirectory's URL map (keyed by chamber URL),
// per design note 9's call for a sharded registry under multi-executor
// access.
func shardIndex(key []byte) int {
	sum, err := highwayhash.Sum64(key, shardKey[:])
	if err != nil {
		// Only possible if shardKey were not exactly 32 bytes, which is
		// fixed at compile time above.
		panic(err)
	}
	return int(sum % uint64(shardCount))
}

