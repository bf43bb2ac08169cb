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

import "sync"

// safeDeleteQueue implements spec §4.6: pages handed to SafeDestroyPage
// are held until a bracketed EnableSafeDestroy/DisableSafeDestroy window
// (placed by the caller around a GC phase that has established no
// concurrent reader can still be walking the destroyed page) releases
// them for real.
type safeDeleteQueue struct {
	mu      sync.Mutex
	enabled bool
	pending []*Page
}

func newSafeDeleteQueue() *safeDeleteQueue {
	return &safeDeleteQueue{}
}

// SafeDestroyPage enqueues page for deferred destruction (spec §4.6).
// Between this call and the release performed by DisableSafeDestroy, no
// thread may dereference page.
func (a *Allocator) SafeDestroyPage(page *Page) {
	a.safeDelete.mu.Lock()
	a.safeDelete.pending = append(a.safeDelete.pending, page)
	a.safeDelete.mu.Unlock()
}

// EnableSafeDestroy opens the release window: it marks that concurrent
// readers have reached the quiescence point past which destroying queued
// pages is safe.
func (a *Allocator) EnableSafeDestroy() {
	a.safeDelete.mu.Lock()
	a.safeDelete.enabled = true
	a.safeDelete.mu.Unlock()
}

// DisableSafeDestroy closes the release window opened by
// EnableSafeDestroy, draining and actually freeing every page still
// queued by SafeDestroyPage, whenever it was queued.
func (a *Allocator) DisableSafeDestroy() {
	a.safeDelete.mu.Lock()
	if !a.safeDelete.enabled {
		a.safeDelete.mu.Unlock()
		return
	}
	pending := a.safeDelete.pending
	a.safeDelete.pending = nil
	a.safeDelete.enabled = false
	a.safeDelete.mu.Unlock()

	for _, page := range pending {
		a.FreePage(page, false)
	}
}
