package testutils

import (
	"sync"
	"time"

	"github.com/srg/quickble/internal/role"
)

// RecordingSink collects host events. It also provides a deferred Post so that role tests can
// control when "later" callbacks are delivered.
type RecordingSink struct {
	mu       sync.Mutex
	events   []role.HostEvent
	deferred []func()
	signal   chan struct{}
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{signal: make(chan struct{}, 1)}
}

// Emit records ev. Its signature matches role.EmitFunc.
func (r *RecordingSink) Emit(ev role.HostEvent) {
	if ev.Value != nil {
		ev.Value = append([]byte{}, ev.Value...)
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Post queues fn until Flush.
func (r *RecordingSink) Post(fn func()) {
	r.mu.Lock()
	r.deferred = append(r.deferred, fn)
	r.mu.Unlock()
}

// Flush runs deferred functions until none are left.
func (r *RecordingSink) Flush() {
	for {
		r.mu.Lock()
		batch := r.deferred
		r.deferred = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

func (r *RecordingSink) Events() []role.HostEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]role.HostEvent(nil), r.events...)
}

func (r *RecordingSink) OfKind(kind role.HostEventKind) []role.HostEvent {
	var out []role.HostEvent
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Kinds lists the kinds of all recorded events in order.
func (r *RecordingSink) Kinds() []role.HostEventKind {
	var out []role.HostEventKind
	for _, ev := range r.Events() {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *RecordingSink) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// WaitFor blocks until an event of kind has been recorded or timeout expires.
func (r *RecordingSink) WaitFor(kind role.HostEventKind, timeout time.Duration) (role.HostEvent, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if evs := r.OfKind(kind); len(evs) > 0 {
			return evs[len(evs)-1], true
		}
		select {
		case <-r.signal:
		case <-deadline.C:
			evs := r.OfKind(kind)
			if len(evs) > 0 {
				return evs[len(evs)-1], true
			}
			return role.HostEvent{}, false
		}
	}
}
