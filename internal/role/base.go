// Package role implements the server (peripheral) and client (central) state machines.
//
// Both variants share a base that owns the GATT hierarchy, the value store, a service set
// and the peer table. Their transition tables are kept separate. All methods must be called
// on the dispatch loop.
package role

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/native"
	"github.com/srg/quickble/internal/registry"
)

// Deps are the collaborators injected into a role.
type Deps struct {
	Stack native.Stack
	// Emit receives host events on the loop.
	Emit EmitFunc
	// Post schedules fn on the loop after the current call returns.
	Post   func(fn func())
	Logger *logrus.Logger
}

// activity is the part of the lifecycle that differs between the variants.
type activity interface {
	// shutdown stops advertising or scanning and drops every connection.
	shutdown()
}

type base struct {
	id   int
	kind registry.Kind

	stack    native.Stack
	hier     *gatt.Hierarchy
	values   *gatt.Values
	services *gatt.ServiceSet
	peers    *peerTable

	power  native.PowerState
	emitFn EmitFunc
	post   func(fn func())
	logger *logrus.Entry
	closed bool

	self activity
}

func newBase(id int, kind registry.Kind, deps Deps, self activity) base {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	post := deps.Post
	if post == nil {
		post = func(fn func()) { fn() }
	}
	b := base{
		id:       id,
		kind:     kind,
		stack:    deps.Stack,
		hier:     gatt.NewHierarchy(),
		values:   gatt.NewValues(),
		services: gatt.NewServiceSet(),
		peers:    newPeerTable(),
		emitFn:   deps.Emit,
		post:     post,
		logger: logger.WithFields(logrus.Fields{
			"role_id": id,
			"role":    kind,
		}),
		self: self,
	}
	b.power = b.stack.State()
	return b
}

func (b *base) ID() int { return b.id }

func (b *base) Kind() registry.Kind { return b.kind }

// CheckBluetooth reports the current availability without side effects on role state.
func (b *base) CheckBluetooth() native.PowerState {
	return b.stack.State()
}

// RequestEnableBt asks the platform to prompt the user. The answer arrives as request-bt
// and bt-power events.
func (b *base) RequestEnableBt(p native.Prompt) error {
	if err := b.stack.RequestEnable(p); err != nil {
		b.logger.WithError(err).Warn("Bluetooth enable request failed")
		b.emitLater(HostEvent{Kind: OnRequestBt, Success: false})
	}
	return nil
}

func (b *base) Power() native.PowerState { return b.power }

func (b *base) Services() []string { return b.hier.Services() }

func (b *base) Characteristics() []string { return b.hier.Characteristics() }

func (b *base) Descriptors() []string { return b.hier.Descriptors() }

func (b *base) HasService(uuid string) bool { return b.hier.HasService(uuid) }

func (b *base) HasCharacteristic(uuid string) bool { return b.hier.HasCharacteristic(uuid) }

func (b *base) HasDescriptor(uuid string) bool { return b.hier.HasDescriptor(uuid) }

// Profile returns a snapshot of the hierarchy.
func (b *base) Profile() gatt.Profile { return b.hier.Snapshot() }

// Peers lists known peers in first-seen order.
func (b *base) Peers() []PeerInfo { return b.peers.list() }

// Value returns a copy of the stored value of the first characteristic matching uuid.
func (b *base) Value(uuid string) ([]byte, bool) {
	c, ok := b.hier.Characteristic(uuid)
	if !ok {
		return nil, false
	}
	return b.values.Get(c.Key())
}

// DescriptorValue returns a copy of the stored value of the first descriptor matching uuid.
func (b *base) DescriptorValue(uuid string) ([]byte, bool) {
	d, ok := b.hier.Descriptor(uuid)
	if !ok {
		return nil, false
	}
	return b.values.Get(d.Key())
}

// Close tears the role down: activity is stopped, peers are dropped and the stack is closed.
// Events emitted afterwards are discarded.
func (b *base) Close() error {
	if b.closed {
		return nil
	}
	b.self.shutdown()
	b.closed = true
	b.peers.clear()
	err := b.stack.Close()
	b.logger.Debug("Role closed")
	return err
}

func (b *base) Closed() bool { return b.closed }

func (b *base) emit(ev HostEvent) {
	if b.closed || b.emitFn == nil {
		return
	}
	b.logger.WithFields(logrus.Fields{
		"event":   ev.Kind,
		"uuid":    ev.UUID,
		"address": ev.Address,
	}).Trace("Emitting host event")
	b.emitFn(ev)
}

// emitLater delivers ev after the current host call has returned.
func (b *base) emitLater(ev HostEvent) {
	b.post(func() { b.emit(ev) })
}

func (b *base) applyPower(p native.PowerState) (changed bool) {
	changed = b.power != p
	b.power = p
	b.logger.WithField("state", p).Info("Bluetooth power changed")
	b.emit(HostEvent{Kind: OnBtPower, Success: p == native.PowerEnabled})
	return changed
}

func (b *base) characteristic(uuid string) (gatt.Characteristic, error) {
	c, ok := b.hier.Characteristic(uuid)
	if !ok {
		return gatt.Characteristic{}, &gatt.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return c, nil
}

func (b *base) descriptor(uuid string) (gatt.Descriptor, error) {
	d, ok := b.hier.Descriptor(uuid)
	if !ok {
		return gatt.Descriptor{}, &gatt.NotFoundError{Resource: "descriptor", UUIDs: []string{uuid}}
	}
	return d, nil
}

// eventCharacteristic resolves the characteristic an inbound event refers to,
// preferring the exact service path when the stack reports one.
func (b *base) eventCharacteristic(ev native.Event) (gatt.Characteristic, bool) {
	if ev.Service != "" {
		if c, ok := b.hier.CharacteristicIn(ev.Service, ev.Characteristic); ok {
			return c, true
		}
	}
	return b.hier.Characteristic(ev.Characteristic)
}

func (b *base) eventDescriptor(ev native.Event) (gatt.Descriptor, bool) {
	if c, ok := b.eventCharacteristic(ev); ok {
		if d, ok := b.hier.DescriptorIn(c.Service, c.UUID, ev.Descriptor); ok {
			return d, true
		}
	}
	return b.hier.Descriptor(ev.Descriptor)
}
