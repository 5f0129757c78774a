// Package sched provides cancellable scheduled-task handles. Every recurring
// or delayed callback in roomsync is owned by exactly one Task, and the owner
// stops it on teardown.
package sched

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Task is a handle to a recurring or one-shot scheduled callback.
// A nil *Task is valid and already stopped.
type Task struct {
	stopOnce sync.Once
	doneOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	timer    *clock.Timer
}

// Every runs fn once per interval until the task is stopped. When immediate
// is true fn also runs right away. Runs never overlap: a tick that arrives
// while fn is still running is dropped, the way a time.Ticker drops ticks.
func Every(clk clock.Clock, interval time.Duration, immediate bool, fn func()) *Task {
	t := &Task{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	// Created before the goroutine starts so a mock clock advanced right
	// after Every returns still sees it.
	ticker := clk.Ticker(interval)

	go func() {
		defer close(t.done)
		defer ticker.Stop()

		if immediate && !t.stopped() {
			fn()
		}
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				if t.stopped() {
					return
				}
				fn()
			}
		}
	}()
	return t
}

// After runs fn once after d unless the task is stopped first.
func After(clk clock.Clock, d time.Duration, fn func()) *Task {
	t := &Task{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	t.timer = clk.AfterFunc(d, func() {
		defer t.doneOnce.Do(func() { close(t.done) })
		if t.stopped() {
			return
		}
		fn()
	})
	return t
}

// Stop cancels future runs. It does not wait for a run in progress, so it is
// safe to call from inside fn. Stop is idempotent.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() {
		close(t.stop)
		if t.timer != nil && t.timer.Stop() {
			// The timer never fired, so nothing else will close done.
			t.doneOnce.Do(func() { close(t.done) })
		}
	})
}

// Done is closed once the task can no longer run fn.
func (t *Task) Done() <-chan struct{} {
	if t == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.done
}

func (t *Task) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}
