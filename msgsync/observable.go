package msgsync

import "sync"

// Observable holds a value and notifies subscribers when it changes.
// Subscribers are called on the setter's goroutine, outside the lock, so
// they may read or set other observables.
type Observable[T any] struct {
	mu    sync.Mutex
	value T
	equal func(a, b T) bool
	subs  map[uint64]func(T)
	next  uint64
}

// NewObservable returns an observable holding initial. When equal is
// non-nil, Set skips notification for values equal to the current one.
func NewObservable[T any](initial T, equal func(a, b T) bool) *Observable[T] {
	return &Observable[T]{
		value: initial,
		equal: equal,
		subs:  make(map[uint64]func(T)),
	}
}

// Get returns the current value.
func (o *Observable[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

// Set stores v and notifies subscribers. It reports whether subscribers
// were notified.
func (o *Observable[T]) Set(v T) bool {
	o.mu.Lock()
	if o.equal != nil && o.equal(o.value, v) {
		o.mu.Unlock()
		return false
	}
	o.value = v
	subs := o.snapshot()
	o.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
	return true
}

// Update applies fn to the current value atomically. When fn reports false
// nothing is stored. An accepted value equal to the current one is stored
// without notifying. It reports whether subscribers were notified.
func (o *Observable[T]) Update(fn func(old T) (T, bool)) bool {
	o.mu.Lock()
	v, ok := fn(o.value)
	if !ok {
		o.mu.Unlock()
		return false
	}
	same := o.equal != nil && o.equal(o.value, v)
	o.value = v
	if same {
		o.mu.Unlock()
		return false
	}
	subs := o.snapshot()
	o.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
	return true
}

// Subscribe registers fn and immediately replays the current value to it.
// The returned function unsubscribes and is safe to call more than once.
func (o *Observable[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.next
	o.next++
	o.subs[id] = fn
	current := o.value
	o.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// snapshot must be called with o.mu held.
func (o *Observable[T]) snapshot() []func(T) {
	out := make([]func(T), 0, len(o.subs))
	for id := uint64(0); id < o.next; id++ {
		if fn, ok := o.subs[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}
