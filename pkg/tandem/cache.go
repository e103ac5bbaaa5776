// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tandem

import "github.com/antflydb/tandem/pkg/tandem/lib/trfbatch"

// DefaultCacheCapacity bounds how many per-document outputs the stage retains
// for non-training consumption before the oldest entries are evicted.
const DefaultCacheCapacity = 512

// OutputCache holds per-document encoder output keyed by document fingerprint.
// It is owned by the orchestrating stage and read by listeners during
// non-training consumption, replacing in-place annotation of caller-owned
// documents. Oldest entries are evicted once capacity is reached; callers that
// know an output is spent can evict it explicitly.
type OutputCache struct {
	capacity int
	entries  map[uint64]trfbatch.TransformerData
	order    []uint64
}

// NewOutputCache creates a cache holding at most capacity entries.
// capacity <= 0 selects DefaultCacheCapacity.
func NewOutputCache(capacity int) *OutputCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &OutputCache{
		capacity: capacity,
		entries:  make(map[uint64]trfbatch.TransformerData),
	}
}

// Put stores a document's output, evicting the oldest entry when full.
func (c *OutputCache) Put(key uint64, data trfbatch.TransformerData) {
	if _, ok := c.entries[key]; !ok {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = data
}

// Get returns the cached output for key, if any.
func (c *OutputCache) Get(key uint64) (trfbatch.TransformerData, bool) {
	data, ok := c.entries[key]
	return data, ok
}

// Evict removes a single entry.
func (c *OutputCache) Evict(key uint64) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of cached entries.
func (c *OutputCache) Len() int {
	return len(c.entries)
}
