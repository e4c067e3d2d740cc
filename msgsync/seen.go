package msgsync

import lru "github.com/hashicorp/golang-lru/v2"

const defaultSeenCapacity = 5000

// SeenSet is the bounded, session-scoped set of message ids already
// applied to unread counters. The oldest ids are evicted first.
type SeenSet struct {
	cache *lru.Cache[string, struct{}]
}

// NewSeenSet returns a set holding at most capacity ids.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, struct{}](capacity)
	return &SeenSet{cache: cache}
}

// Add records id and reports whether it was not seen before.
func (s *SeenSet) Add(id string) bool {
	found, _ := s.cache.ContainsOrAdd(id, struct{}{})
	return !found
}

// Contains reports whether id was seen, without refreshing it.
func (s *SeenSet) Contains(id string) bool { return s.cache.Contains(id) }

// Len returns the number of ids held.
func (s *SeenSet) Len() int { return s.cache.Len() }

// Clear forgets every id. Called on logout.
func (s *SeenSet) Clear() { s.cache.Purge() }
