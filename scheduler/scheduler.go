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

// Package scheduler coalesces keyed, delayed callbacks into a small number of timers.
//
// Each request's due time is rounded up to a window boundary, where the window size is a
// fraction of the requested delay. Requests which land on the same boundary share one
// underlying timer, so hundreds of independent timeouts with similar delays only keep a
// handful of timers alive.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/linkfeed/common"
	"github.com/apex/log"
)

// DefaultBatchFraction is the fraction of a requested delay used as the coalescing window
const DefaultBatchFraction = 0.01

// minWindow is the smallest coalescing window
const minWindow = time.Millisecond

// Callback a scheduled callback
type Callback func()

// Executor runs a fired callback batch. It allows callers to move callback execution
// onto their own event loop.
type Executor func(task func()) error

// InlineExecutor runs the task on the timer goroutine
func InlineExecutor(task func()) error {
	task()
	return nil
}

// Scheduler keyed, coalescing callback scheduler
type Scheduler interface {
	// Schedule arm or re-arm callback under key, to be called after delay
	Schedule(key string, delay time.Duration, callback Callback) error
	// Cancel remove the callback registered under key without calling it
	Cancel(key string)
	// Has whether a callback is registered under key
	Has(key string) bool
	// Clear cancel all registered callbacks
	Clear()
	// Stop clear all registered callbacks and refuse further scheduling
	Stop() error
	// ActiveTimers number of underlying timers currently armed
	ActiveTimers() int
}

// scheduledEntry one scheduled callback
type scheduledEntry struct {
	callback Callback
	sequence uint64
}

// timeWindow group of callbacks sharing a quantized due time
type timeWindow struct {
	boundary int64
	timer    common.IntervalTimer
	entries  map[string]scheduledEntry
}

// schedulerImpl implements Scheduler
type schedulerImpl struct {
	goutils.Component
	name          string
	lock          sync.Mutex
	batchFraction float64
	executor      Executor
	rootContext   context.Context
	contextCancel context.CancelFunc
	wg            *sync.WaitGroup
	windows       map[int64]*timeWindow
	keyToWindow   map[string]int64
	sequence      uint64
	stopped       bool
	now           func() time.Time
}

// GetSchedulerInstance define a new scheduler
//
// The callbacks are handed to executor when their window fires. If executor is nil,
// InlineExecutor is used.
func GetSchedulerInstance(
	name string,
	batchFraction float64,
	executor Executor,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (Scheduler, error) {
	if batchFraction <= 0 || batchFraction > 1 {
		return nil, fmt.Errorf("batch fraction %f not in (0, 1]", batchFraction)
	}
	if executor == nil {
		executor = InlineExecutor
	}
	logTags := log.Fields{
		"module": "scheduler", "component": "scheduler", "instance": name,
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	return &schedulerImpl{
		Component:     goutils.Component{LogTags: logTags},
		name:          name,
		batchFraction: batchFraction,
		executor:      executor,
		rootContext:   ctxt,
		contextCancel: cancel,
		wg:            wg,
		windows:       make(map[int64]*timeWindow),
		keyToWindow:   make(map[string]int64),
		now:           time.Now,
	}, nil
}

// windowBoundary compute the quantized due time of a request
func windowBoundary(now time.Time, delay time.Duration, batchFraction float64) int64 {
	window := time.Duration(float64(delay) * batchFraction)
	if window < minWindow {
		window = minWindow
	}
	due := now.Add(delay).UnixNano()
	size := window.Nanoseconds()
	// Round up to the next window boundary
	return ((due + size - 1) / size) * size
}

// Schedule arm or re-arm callback under key, to be called after delay
func (s *schedulerImpl) Schedule(key string, delay time.Duration, callback Callback) error {
	if delay < 0 {
		delay = 0
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return fmt.Errorf("scheduler %s is stopped", s.name)
	}

	now := s.now()
	boundary := windowBoundary(now, delay, s.batchFraction)

	s.removeKey(key)

	window, ok := s.windows[boundary]
	if !ok {
		timer, err := common.GetIntervalTimerInstance(
			fmt.Sprintf("%s/%d", s.name, boundary), s.rootContext, s.wg,
		)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to define window timer")
			return err
		}
		window = &timeWindow{
			boundary: boundary, timer: timer, entries: make(map[string]scheduledEntry),
		}
		fireIn := time.Duration(boundary - now.UnixNano())
		if err := timer.Start(fireIn, func() error {
			return s.windowFired(boundary, timer)
		}, true); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to start window timer")
			return err
		}
		s.windows[boundary] = window
	}

	s.sequence++
	window.entries[key] = scheduledEntry{callback: callback, sequence: s.sequence}
	s.keyToWindow[key] = boundary
	return nil
}

// removeKey remove key from its window, dropping the window if it becomes empty
//
// NOTE: caller must hold the lock
func (s *schedulerImpl) removeKey(key string) {
	boundary, ok := s.keyToWindow[key]
	if !ok {
		return
	}
	delete(s.keyToWindow, key)
	window, ok := s.windows[boundary]
	if !ok {
		return
	}
	delete(window.entries, key)
	if len(window.entries) == 0 {
		_ = window.timer.Stop()
		delete(s.windows, boundary)
	}
}

// windowFired called by a window's timer
func (s *schedulerImpl) windowFired(boundary int64, timer common.IntervalTimer) error {
	return s.executor(func() {
		s.runWindow(boundary, timer)
	})
}

// runWindow run every callback currently registered in a window
func (s *schedulerImpl) runWindow(boundary int64, timer common.IntervalTimer) {
	s.lock.Lock()
	window, ok := s.windows[boundary]
	// The window could have been emptied, or replaced, after the timer fired
	if !ok || window.timer != timer {
		s.lock.Unlock()
		return
	}
	delete(s.windows, boundary)
	toRun := make([]scheduledEntry, 0, len(window.entries))
	for key, entry := range window.entries {
		delete(s.keyToWindow, key)
		toRun = append(toRun, entry)
	}
	s.lock.Unlock()

	sort.Slice(toRun, func(i, j int) bool { return toRun[i].sequence < toRun[j].sequence })
	for _, entry := range toRun {
		_ = common.SafeInvoke(s.LogTags, "scheduled callback", entry.callback)
	}
}

// Cancel remove the callback registered under key without calling it
func (s *schedulerImpl) Cancel(key string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.removeKey(key)
}

// Has whether a callback is registered under key
func (s *schedulerImpl) Has(key string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.keyToWindow[key]
	return ok
}

// Clear cancel all registered callbacks
func (s *schedulerImpl) Clear() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.clear()
}

// clear drop all windows
//
// NOTE: caller must hold the lock
func (s *schedulerImpl) clear() {
	for _, window := range s.windows {
		_ = window.timer.Stop()
	}
	s.windows = make(map[int64]*timeWindow)
	s.keyToWindow = make(map[string]int64)
}

// Stop clear all registered callbacks and refuse further scheduling
func (s *schedulerImpl) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.clear()
	s.stopped = true
	s.contextCancel()
	return nil
}

// ActiveTimers number of underlying timers currently armed
func (s *schedulerImpl) ActiveTimers() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.windows)
}
