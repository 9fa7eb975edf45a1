// Copyright 2025 The Trino Gateway Authors.
//
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

package gatewayenv

import "sync"

// hooks holds the parameter-less functions registered against one of
// Lifecycle's OnTerm/OnTermSync/OnClose slots.
type hooks struct {
	mu    sync.Mutex
	funcs []func()
}

// add appends f to the list fire will run.
func (h *hooks) add(f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs = append(h.funcs, f)
}

// fire runs every registered function in its own goroutine and waits for
// all of them to finish. Concurrent calls to fire are serialized.
func (h *hooks) fire() {
	h.mu.Lock()
	defer h.mu.Unlock()

	var wg sync.WaitGroup
	for _, f := range h.funcs {
		wg.Go(f)
	}
	wg.Wait()
}
