package util

import "sync"

// Fanout delivers values to any number of subscriber channels. Slow
// subscribers miss values instead of blocking the publisher.
// All methods are safe for concurrent use.
type Fanout[T any] struct {
	mu     sync.Mutex
	subs   map[chan T]struct{}
	size   int
	closed bool
}

// NewFanout creates a fan-out whose subscriber channels buffer size values.
func NewFanout[T any](size int) *Fanout[T] {
	if size <= 0 {
		size = 16
	}
	return &Fanout[T]{subs: make(map[chan T]struct{}), size: size}
}

// Subscribe returns a channel that receives published values and a cancel
// func that removes and closes it. Subscribing after Close returns a closed
// channel.
func (f *Fanout[T]) Subscribe() (ch chan T, cancel func()) {
	ch = make(chan T, f.size)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	cancel = func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Publish sends v to every subscriber that has room for it.
func (f *Fanout[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- v:
		default:
			// drop on slow subscriber
		}
	}
}

// Len returns the number of active subscribers.
func (f *Fanout[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (f *Fanout[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}
