// Package registry assigns stable integer identities to live role instances.
//
// Identities come from a monotonic counter starting at 1 and are never reused within the
// process, so a late native callback carrying a stale identity can never reach a newer object.
package registry

import (
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/native"
)

// Kind distinguishes the two role variants.
type Kind int

const (
	KindServer Kind = iota + 1
	KindClient
)

func (k Kind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// Object is a registered role instance.
type Object interface {
	Kind() Kind
}

// Registry owns every live role instance. The identity table is guarded by one mutex so that
// lookup, insert and erase are atomic with respect to each other. The native-handle side table
// is a lock-free map because it is read on every inbound event.
type Registry struct {
	mu      sync.Mutex
	next    int
	objects map[int]Object

	handles *hashmap.Map[uint64, int]
	logger  *logrus.Logger
}

func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		objects: make(map[int]Object),
		handles: hashmap.New[uint64, int](),
		logger:  logger,
	}
}

// Create allocates the next identity and stores the object returned by construct.
// construct runs without the registry lock held; when it fails the identity is burnt.
func (r *Registry) Create(construct func(id int) (Object, error)) (int, error) {
	r.mu.Lock()
	r.next++
	id := r.next
	r.mu.Unlock()

	obj, err := construct(id)
	if err != nil {
		r.unbindAll(id)
		return 0, err
	}

	r.mu.Lock()
	if _, dup := r.objects[id]; dup {
		r.mu.Unlock()
		panic(fmt.Sprintf("registry: identity %d inserted twice", id))
	}
	r.objects[id] = obj
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"role_id": id,
		"role":    obj.Kind(),
	}).Debug("Role instance registered")
	return id, nil
}

// Resolve returns the object registered under id.
func (r *Registry) Resolve(id int) (Object, error) {
	r.mu.Lock()
	obj, ok := r.objects[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("role %d: %w", id, gatt.ErrUnknownID)
	}
	return obj, nil
}

// ResolveKind resolves id and checks the role variant. A mismatch is reported as an unknown id.
func (r *Registry) ResolveKind(id int, kind Kind) (Object, error) {
	obj, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	if obj.Kind() != kind {
		return nil, fmt.Errorf("role %d is a %s, not a %s: %w", id, obj.Kind(), kind, gatt.ErrUnknownID)
	}
	return obj, nil
}

// Destroy removes id and returns the removed object for teardown.
// Destroying an unknown id is a no-op and returns false.
func (r *Registry) Destroy(id int) (Object, bool) {
	r.mu.Lock()
	obj, ok := r.objects[id]
	if ok {
		delete(r.objects, id)
	}
	r.mu.Unlock()

	r.unbindAll(id)
	if ok {
		r.logger.WithField("role_id", id).Debug("Role instance released")
	}
	return obj, ok
}

// Len returns the number of live objects.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// IDs returns the live identities (unordered).
func (r *Registry) IDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.objects))
	for id := range r.objects {
		ids = append(ids, id)
	}
	return ids
}

// BindHandle maps a native handle to an identity.
func (r *Registry) BindHandle(h native.Handle, id int) {
	r.handles.Set(uint64(h), id)
}

// UnbindHandle removes a native handle mapping.
func (r *Registry) UnbindHandle(h native.Handle) {
	r.handles.Del(uint64(h))
}

// Lookup maps a native handle back to its identity.
func (r *Registry) Lookup(h native.Handle) (int, bool) {
	return r.handles.Get(uint64(h))
}

func (r *Registry) unbindAll(id int) {
	var stale []uint64
	r.handles.Range(func(h uint64, bound int) bool {
		if bound == id {
			stale = append(stale, h)
		}
		return true
	})
	for _, h := range stale {
		r.handles.Del(h)
	}
}
