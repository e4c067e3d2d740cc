package msgsync

import "sync"

// Binder is the part of a Channel the registry needs to rebind handlers.
type Binder interface {
	On(event string, h Handler)
}

// Registry stores event → handler-set bindings independent of any channel,
// so subscriptions survive reconnects and stop/start cycles.
type Registry struct {
	mu   sync.Mutex
	subs map[string]map[Handler]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]map[Handler]struct{})}
}

// Subscribe adds h to the set for event. Adding the same handler twice is a
// no-op. The returned function removes it and is safe to call repeatedly.
func (r *Registry) Subscribe(event string, h Handler) (unsubscribe func()) {
	h = keyedHandler(h)
	r.mu.Lock()
	set, ok := r.subs[event]
	if !ok {
		set = make(map[Handler]struct{})
		r.subs[event] = set
	}
	set[h] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.Unsubscribe(event, h) })
	}
}

// Unsubscribe removes h from event's set.
func (r *Registry) Unsubscribe(event string, h Handler) {
	if !isKeyable(h) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[event]
	if !ok {
		return
	}
	delete(set, h)
	if len(set) == 0 {
		delete(r.subs, event)
	}
}

// Handlers returns a snapshot of the handlers bound to event.
func (r *Registry) Handlers(event string) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handler, 0, len(r.subs[event]))
	for h := range r.subs[event] {
		out = append(out, h)
	}
	return out
}

// Len returns the number of (event, handler) pairs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.subs {
		n += len(set)
	}
	return n
}

// RebindAll registers every (event, handler) pair on ch.
func (r *Registry) RebindAll(ch Binder) {
	type binding struct {
		event string
		h     Handler
	}
	r.mu.Lock()
	bindings := make([]binding, 0, len(r.subs))
	for event, set := range r.subs {
		for h := range set {
			bindings = append(bindings, binding{event: event, h: h})
		}
	}
	r.mu.Unlock()

	// Outside the lock: a channel may dispatch synchronously while binding.
	for _, b := range bindings {
		ch.On(b.event, b.h)
	}
}
