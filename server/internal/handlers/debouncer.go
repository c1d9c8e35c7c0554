package handlers

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of updates per key. Once a key has been quiet
// for the delay, publish receives the last value scheduled for it.
type Debouncer[T any] struct {
	delay   time.Duration
	publish func(key string, value T)

	mu      sync.Mutex
	pending map[string]*pendingUpdate[T]
	stopped bool
}

type pendingUpdate[T any] struct {
	value T
	seq   uint64
	timer *time.Timer
}

// NewDebouncer creates a debouncer with the specified delay
func NewDebouncer[T any](delay time.Duration, publish func(key string, value T)) *Debouncer[T] {
	return &Debouncer[T]{
		delay:   delay,
		publish: publish,
		pending: make(map[string]*pendingUpdate[T]),
	}
}

// Schedule queues value for key and restarts its quiet period
func (d *Debouncer[T]) Schedule(key string, value T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	p, ok := d.pending[key]
	if !ok {
		p = &pendingUpdate[T]{}
		d.pending[key] = p
	} else {
		p.timer.Stop()
	}
	p.value = value
	p.seq++
	seq := p.seq
	p.timer = time.AfterFunc(d.delay, func() { d.flush(key, seq) })
}

// Stop drops everything pending. Later calls to Schedule are ignored.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// flush publishes key if seq is still the latest schedule. A timer that
// fired while being replaced carries an older seq and does nothing.
func (d *Debouncer[T]) flush(key string, seq uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || p.seq != seq {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	d.publish(key, p.value)
}
