package dispatch

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/internal/native"
	"github.com/srg/quickble/internal/registry"
)

// Applier is implemented by role instances that accept native events.
type Applier interface {
	Apply(ev native.Event)
}

// Dispatcher is the single arrival point of native events.
type Dispatcher struct {
	registry *registry.Registry
	loop     *Loop
	logger   *logrus.Logger
}

func NewDispatcher(reg *registry.Registry, loop *Loop, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{registry: reg, loop: loop, logger: logger}
}

// Handle accepts an event from any goroutine. The event is copied, correlated to its role
// through the native-handle side table and applied on the loop in arrival order.
// Events for handles whose role has been destroyed are dropped.
func (d *Dispatcher) Handle(ev native.Event) {
	ev = ev.Clone()

	id, ok := d.registry.Lookup(ev.Handle)
	if !ok {
		d.logger.WithFields(logrus.Fields{
			"handle": ev.Handle,
			"event":  ev.Kind,
		}).Debug("Dropping event for unknown handle")
		return
	}

	if !d.loop.Post(func() { d.apply(id, ev) }) {
		d.logger.WithFields(logrus.Fields{
			"role_id": id,
			"event":   ev.Kind,
		}).Debug("Dropping event, dispatch loop closed")
	}
}

func (d *Dispatcher) apply(id int, ev native.Event) {
	obj, err := d.registry.Resolve(id)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"role_id": id,
			"event":   ev.Kind,
		}).Debug("Dropping event for released role")
		return
	}
	a, ok := obj.(Applier)
	if !ok {
		d.logger.WithFields(logrus.Fields{
			"role_id": id,
			"role":    obj.Kind(),
		}).Warn("Role does not accept native events")
		return
	}
	a.Apply(ev)
}

// Sink returns Handle as a native.Sink.
func (d *Dispatcher) Sink() native.Sink { return d.Handle }
