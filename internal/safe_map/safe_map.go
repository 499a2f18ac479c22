package safe_map

import "sync"

// SafeMap is a map guarded by a RWMutex
type SafeMap[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{m: make(map[K]V)}
}

func (s *SafeMap[K, V]) Load(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *SafeMap[K, V]) Store(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

// LoadOrStore returns the existing value for key if present, otherwise it
// stores and returns the value produced by create
func (s *SafeMap[K, V]) LoadOrStore(key K, create func() V) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		return v, true
	}
	v := create()
	s.m[key] = v
	return v, false
}

func (s *SafeMap[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// DeleteFunc removes every entry for which fn returns true and returns the removed keys
func (s *SafeMap[K, V]) DeleteFunc(fn func(K, V) bool) []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []K
	for k, v := range s.m {
		if fn(k, v) {
			delete(s.m, k)
			removed = append(removed, k)
		}
	}
	return removed
}

func (s *SafeMap[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Values returns a snapshot of all values
func (s *SafeMap[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]V, 0, len(s.m))
	for _, v := range s.m {
		result = append(result, v)
	}
	return result
}

func (s *SafeMap[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[K]V)
}
