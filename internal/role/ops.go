package role

import (
	"fmt"

	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/native"
	"github.com/srg/quickble/internal/registry"
)

type opKind int

const (
	opReadChar opKind = iota + 1
	opWriteChar
	opReadDesc
	opWriteDesc
	opSetNotify
)

func (k opKind) String() string {
	switch k {
	case opReadChar:
		return "read-characteristic"
	case opWriteChar:
		return "write-characteristic"
	case opReadDesc:
		return "read-descriptor"
	case opWriteDesc:
		return "write-descriptor"
	case opSetNotify:
		return "set-notify"
	default:
		return "unknown"
	}
}

// Result is the outcome of a GATT operation.
type Result struct {
	Value   []byte
	Success bool
	Err     error
}

// Completion resolves exactly once, on the dispatch loop, when the operation it belongs to
// completes, fails or is abandoned by a disconnect.
type Completion struct {
	done   chan struct{}
	result Result
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Done is closed once the result is available.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Result returns the outcome and whether the completion has resolved.
func (c *Completion) Result() (Result, bool) {
	select {
	case <-c.done:
		return c.result, true
	default:
		return Result{}, false
	}
}

func (c *Completion) resolve(r Result) {
	select {
	case <-c.done:
		return
	default:
	}
	c.result = r
	close(c.done)
}

type operation struct {
	id         int
	kind       opKind
	address    string
	char       gatt.Characteristic
	desc       gatt.Descriptor
	value      []byte
	noResponse bool
	enable     bool
	completion *Completion
}

// uuid is the attribute the operation targets, as reported to the host.
func (o *operation) uuid() string {
	if o.kind == opReadDesc || o.kind == opWriteDesc {
		return o.desc.UUID
	}
	return o.char.UUID
}

func (o *operation) key() string {
	if o.kind == opReadDesc || o.kind == opWriteDesc {
		return o.desc.Key()
	}
	return o.char.Key()
}

// opQueue keeps at most one GATT operation in flight per connection. Completions are
// correlated by kind, peer address and attribute path.
type opQueue struct {
	ids      *registry.Arena[*operation]
	pending  []*operation
	inflight *operation
	issue    func(op *operation) error
	fail     func(op *operation, err error)
}

func newOpQueue(issue func(*operation) error, fail func(*operation, error)) *opQueue {
	return &opQueue{ids: registry.NewArena[*operation](), issue: issue, fail: fail}
}

func (q *opQueue) submit(op *operation) *Completion {
	op.id = q.ids.Insert(op)
	op.completion = newCompletion()
	q.pending = append(q.pending, op)
	q.pump()
	return op.completion
}

// pump issues queued operations until one is accepted by the stack.
func (q *opQueue) pump() {
	for q.inflight == nil && len(q.pending) > 0 {
		op := q.pending[0]
		q.pending = q.pending[1:]
		if err := q.issue(op); err != nil {
			q.finish(op, Result{Err: gatt.NativeError(0, err)})
			q.fail(op, err)
			continue
		}
		q.inflight = op
	}
}

// complete resolves the in-flight operation if it matches; it reports false for stale
// completions, which the caller may ignore.
func (q *opQueue) complete(kind opKind, address, key string, r Result) (*operation, bool) {
	op := q.inflight
	if op == nil || op.kind != kind || op.address != address || op.key() != key {
		return nil, false
	}
	q.inflight = nil
	q.finish(op, r)
	q.pump()
	return op, true
}

// abort fails the in-flight and every queued operation.
func (q *opQueue) abort(reason error) {
	ops := q.pending
	if q.inflight != nil {
		ops = append([]*operation{q.inflight}, ops...)
	}
	q.pending = nil
	q.inflight = nil
	for _, op := range ops {
		q.finish(op, Result{Err: reason})
		q.fail(op, reason)
	}
}

func (q *opQueue) len() int {
	n := len(q.pending)
	if q.inflight != nil {
		n++
	}
	return n
}

func (q *opQueue) finish(op *operation, r Result) {
	q.ids.Remove(op.id)
	op.completion.resolve(r)
}

func opForEvent(k native.EventKind) (opKind, error) {
	switch k {
	case native.EventCharRead:
		return opReadChar, nil
	case native.EventCharWritten:
		return opWriteChar, nil
	case native.EventDescRead:
		return opReadDesc, nil
	case native.EventDescWritten:
		return opWriteDesc, nil
	case native.EventSubscriptionChanged:
		return opSetNotify, nil
	}
	return 0, fmt.Errorf("event %s does not complete an operation", k)
}
