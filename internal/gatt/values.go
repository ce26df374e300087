package gatt

import "sync"

// Values owns the last-known value of every characteristic and descriptor, keyed by
// CharKey/DescKey. It is the single owner of the buffers: Set stores a private copy,
// Get returns a caller-owned copy and View lends the stored buffer for the duration of fn.
//
// Mutations happen on the dispatch loop; reads may come from native request handlers,
// so access is guarded by a RWMutex.
type Values struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewValues() *Values {
	return &Values{data: make(map[string][]byte)}
}

// Set replaces the stored value with a copy of b. A nil b stores an empty value.
func (v *Values) Set(key string, b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	v.mu.Lock()
	v.data[key] = cp
	v.mu.Unlock()
}

// Get returns a copy of the stored value. Unknown keys yield an empty, non-nil slice and false.
func (v *Values) Get(key string) ([]byte, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	b, ok := v.data[key]
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, ok
}

// View calls fn with the stored buffer. fn must not retain or modify it.
func (v *Values) View(key string, fn func(b []byte)) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	b, ok := v.data[key]
	if ok {
		fn(b)
	}
	return ok
}

func (v *Values) Delete(key string) {
	v.mu.Lock()
	delete(v.data, key)
	v.mu.Unlock()
}

func (v *Values) Clear() {
	v.mu.Lock()
	v.data = make(map[string][]byte)
	v.mu.Unlock()
}

func (v *Values) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.data)
}
