// Copyright 2024 The zpagealloc Authors.
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

package pagealloc

// NodeStats is the per-NUMA-node snapshot spec §6.1 "stats" returns.
type NodeStats struct {
	NUMAID        int
	Capacity      uint64
	Used          uint64
	CacheSize     uint64
	Claimed       uint64
	CurrentMax    uint64
	MaxCapacity   uint64
	HighWatermark uint64
	LowWatermark  uint64
}

// Stats takes the snapshot of spec §6.1 "stats(generation)", one entry
// per NUMA node, under the allocator lock.
func (a *Allocator) Stats(gen Generation) []NodeStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]NodeStats, len(a.states))
	for i, state := range a.states {
		out[i] = NodeStats{
			NUMAID:        i,
			Capacity:      state.capacity,
			Used:          state.usedPerGeneration[gen],
			CacheSize:     state.cache.Size(),
			Claimed:       state.claimed,
			CurrentMax:    state.currentMax,
			MaxCapacity:   state.maxCapacity,
			HighWatermark: state.highWatermark[gen],
			LowWatermark:  state.lowWatermark[gen],
		}
	}
	return out
}
