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

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestWindowBoundary(t *testing.T) {
	assert := assert.New(t)

	base := time.Unix(1000, 0)

	// Case 1: 1s delay with 1% fraction -> 10ms window
	{
		boundary := windowBoundary(base.Add(time.Millisecond*3), time.Second, 0.01)
		assert.Equal(base.Add(time.Second+time.Millisecond*10).UnixNano(), boundary)
	}

	// Case 2: already on a boundary
	{
		boundary := windowBoundary(base, time.Second, 0.01)
		assert.Equal(base.Add(time.Second).UnixNano(), boundary)
	}

	// Case 3: tiny delay uses the minimum window
	{
		boundary := windowBoundary(base.Add(time.Microsecond*10), time.Millisecond*5, 0.01)
		assert.Equal(base.Add(time.Millisecond*6).UnixNano(), boundary)
	}

	// Case 4: never earlier than the requested delay
	{
		for itr := 0; itr < 100; itr++ {
			now := base.Add(time.Microsecond * time.Duration(itr*137))
			delay := time.Millisecond * time.Duration(itr+1)
			boundary := windowBoundary(now, delay, 0.01)
			assert.GreaterOrEqual(boundary, now.Add(delay).UnixNano())
			window := time.Duration(float64(delay) * 0.01)
			if window < minWindow {
				window = minWindow
			}
			assert.Less(boundary, now.Add(delay+window).UnixNano())
		}
	}
}

func TestSchedulerCoalescing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetSchedulerInstance("testing", DefaultBatchFraction, nil, ctxt, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// Case 1: same key many times, only the last fires, once
	{
		var calls [5]int32
		start := time.Now()
		fired := make(chan time.Time, 5)
		for itr := 0; itr < 5; itr++ {
			idx := itr
			assert.Nil(uut.Schedule("test-key", time.Millisecond*50, func() {
				atomic.AddInt32(&calls[idx], 1)
				fired <- time.Now()
			}))
		}
		assert.True(uut.Has("test-key"))
		select {
		case firedAt := <-fired:
			assert.True(firedAt.Sub(start) >= time.Millisecond*50)
		case <-time.After(time.Second):
			assert.FailNow("Callback never fired")
		}
		time.Sleep(time.Millisecond * 100)
		for itr := 0; itr < 4; itr++ {
			assert.Equal(int32(0), atomic.LoadInt32(&calls[itr]))
		}
		assert.Equal(int32(1), atomic.LoadInt32(&calls[4]))
		assert.False(uut.Has("test-key"))
		assert.Equal(0, uut.ActiveTimers())
	}

	// Case 2: re-scheduling moves the key to a later window
	{
		var calls int32
		assert.Nil(uut.Schedule("test-key", time.Millisecond*20, func() {
			atomic.AddInt32(&calls, 1)
		}))
		assert.Nil(uut.Schedule("test-key", time.Millisecond*150, func() {
			atomic.AddInt32(&calls, 10)
		}))
		assert.Equal(1, uut.ActiveTimers())
		time.Sleep(time.Millisecond * 60)
		assert.Equal(int32(0), atomic.LoadInt32(&calls))
		time.Sleep(time.Millisecond * 150)
		assert.Equal(int32(10), atomic.LoadInt32(&calls))
	}
}

func TestSchedulerSharedWindows(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetSchedulerInstance("testing", 0.1, nil, ctxt, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// 200 independent keys with the same delay share a few windows
	var calls int32
	for itr := 0; itr < 200; itr++ {
		assert.Nil(uut.Schedule(fmt.Sprintf("symbol-%d", itr), time.Millisecond*200, func() {
			atomic.AddInt32(&calls, 1)
		}))
	}
	assert.LessOrEqual(uut.ActiveTimers(), 3)
	assert.Greater(uut.ActiveTimers(), 0)

	time.Sleep(time.Millisecond * 350)
	assert.Equal(int32(200), atomic.LoadInt32(&calls))
	assert.Equal(0, uut.ActiveTimers())
}

func TestSchedulerCancellation(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetSchedulerInstance("testing", DefaultBatchFraction, nil, ctxt, &wg)
	assert.Nil(err)

	// Case 1: cancel before firing
	{
		var calls int32
		assert.Nil(uut.Schedule("cancel-me", time.Millisecond*30, func() {
			atomic.AddInt32(&calls, 1)
		}))
		assert.True(uut.Has("cancel-me"))
		uut.Cancel("cancel-me")
		assert.False(uut.Has("cancel-me"))
		assert.Equal(0, uut.ActiveTimers())
		time.Sleep(time.Millisecond * 80)
		assert.Equal(int32(0), atomic.LoadInt32(&calls))
	}

	// Case 2: cancelling an unknown key is a no-op
	{
		uut.Cancel("unknown")
	}

	// Case 3: clear prevents every pending callback
	{
		var calls int32
		for itr := 0; itr < 20; itr++ {
			assert.Nil(uut.Schedule(fmt.Sprintf("key-%d", itr), time.Millisecond*time.Duration(10+itr*5), func() {
				atomic.AddInt32(&calls, 1)
			}))
		}
		uut.Clear()
		assert.Equal(0, uut.ActiveTimers())
		time.Sleep(time.Millisecond * 200)
		assert.Equal(int32(0), atomic.LoadInt32(&calls))
	}

	// Case 4: cancel between the timer firing and the executor running the window
	{
		gate := make(chan func(), 1)
		deferred, err := GetSchedulerInstance(
			"deferred", DefaultBatchFraction, func(task func()) error {
				gate <- task
				return nil
			}, ctxt, &wg,
		)
		assert.Nil(err)
		var calls int32
		assert.Nil(deferred.Schedule("late-cancel", time.Millisecond*10, func() {
			atomic.AddInt32(&calls, 1)
		}))
		var task func()
		select {
		case task = <-gate:
		case <-time.After(time.Second):
			assert.FailNow("Window never fired")
		}
		deferred.Cancel("late-cancel")
		task()
		assert.Equal(int32(0), atomic.LoadInt32(&calls))
		assert.Nil(deferred.Stop())
	}

	// Case 5: stopped scheduler refuses new work
	{
		assert.Nil(uut.Stop())
		assert.NotNil(uut.Schedule("after-stop", time.Millisecond, func() {}))
	}
}

func TestSchedulerCallbackPanic(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetSchedulerInstance("testing", 0.5, nil, ctxt, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// A panicking callback does not prevent the other callbacks of the window
	done := make(chan bool, 1)
	assert.Nil(uut.Schedule("panics", time.Millisecond*20, func() {
		panic("listener failure")
	}))
	assert.Nil(uut.Schedule("survives", time.Millisecond*20, func() {
		done <- true
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		assert.FailNow("Second callback never fired")
	}
}
