// Copyright 2022 The linkfeed Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package link

import "github.com/alwitt/linkfeed/common"

// ListenerHandle handle of a registered listener
type ListenerHandle = common.ListenerHandle

// waiterSet one-shot waiters of a condition
type waiterSet struct {
	waiters []chan error
}

// add a new waiter
func (w *waiterSet) add() chan error {
	waiter := make(chan error, 1)
	w.waiters = append(w.waiters, waiter)
	return waiter
}

// remove a waiter which gave up
func (w *waiterSet) remove(waiter chan error) {
	for idx, entry := range w.waiters {
		if entry == waiter {
			w.waiters = append(w.waiters[:idx:idx], w.waiters[idx+1:]...)
			return
		}
	}
}

// resolve every waiter with result
func (w *waiterSet) resolve(result error) {
	for _, waiter := range w.waiters {
		waiter <- result
	}
	w.waiters = nil
}
