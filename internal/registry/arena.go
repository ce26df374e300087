package registry

// Arena hands out integer identities for objects owned by a single role (peers, pending
// operations), with the same never-reuse discipline as Registry.
//
// Arena is not safe for concurrent use.
type Arena[T any] struct {
	next  int
	items map[int]T
}

func NewArena[T any]() *Arena[T] {
	return &Arena[T]{items: make(map[int]T)}
}

// Insert stores v under a fresh identity.
func (a *Arena[T]) Insert(v T) int {
	a.next++
	a.items[a.next] = v
	return a.next
}

func (a *Arena[T]) Get(id int) (T, bool) {
	v, ok := a.items[id]
	return v, ok
}

// Remove drops id. Removing an unknown id is a no-op.
func (a *Arena[T]) Remove(id int) {
	delete(a.items, id)
}

func (a *Arena[T]) Len() int { return len(a.items) }
