package role

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/native"
	"github.com/srg/quickble/internal/registry"
)

// ServerState is the coarse state of the server role.
type ServerState int

const (
	ServerIdle ServerState = iota
	ServerBluetoothUnavailable
	ServerReady
	ServerAdvertising
)

func (s ServerState) String() string {
	switch s {
	case ServerIdle:
		return "idle"
	case ServerBluetoothUnavailable:
		return "bluetooth-unavailable"
	case ServerReady:
		return "ready"
	case ServerAdvertising:
		return "advertising"
	default:
		return "unknown"
	}
}

type advState int

const (
	advIdle advState = iota
	advStarting
	advActive
)

// ServerOptions are the runtime-adjustable server settings.
type ServerOptions struct {
	DeviceName          string
	AdvertiseDeviceName bool
	AdvertiseMode       native.AdvertiseMode
	// AdvertiseOnStart starts advertising as part of a successful StartServer.
	AdvertiseOnStart bool
	// NotifyChangingDevice also notifies the peer whose write changed the value.
	NotifyChangingDevice bool
	// ReadInternalWrites emits a char-read event after every local write.
	ReadInternalWrites bool
	Prompt             native.Prompt
}

// Server is the peripheral role: it owns a hierarchy to publish, the advertised service set
// and the centrals connected to it.
type Server struct {
	base
	opts    ServerOptions
	running bool
	adv     advState
}

func NewServer(id int, deps Deps, opts ServerOptions) *Server {
	s := &Server{opts: opts}
	s.base = newBase(id, registry.KindServer, deps, s)
	return s
}

func (s *Server) Options() ServerOptions { return s.opts }

func (s *Server) SetOptions(opts ServerOptions) { s.opts = opts }

func (s *Server) IsRunning() bool { return s.running }

func (s *Server) IsAdvertising() bool { return s.adv == advActive }

func (s *Server) State() ServerState {
	switch {
	case s.power != native.PowerEnabled:
		return ServerBluetoothUnavailable
	case s.adv == advActive:
		return ServerAdvertising
	default:
		return ServerReady
	}
}

// AdvertisedServices lists the services flagged for advertisement.
func (s *Server) AdvertisedServices() []string { return s.services.List() }

func (s *Server) AdvertiseService(uuid string, on bool) error {
	if err := s.services.Set(uuid, on); err != nil {
		return err
	}
	if s.adv != advIdle {
		s.logger.WithField("uuid", uuid).Debug("Advertised set changed, effective on next advertisement")
	}
	return nil
}

// checkMutable refuses structural changes while the attribute table is exposed to peers.
// Re-declaring something that already exists stays a no-op success.
func (s *Server) checkMutable(exists bool) (proceed bool, err error) {
	if !s.running {
		return true, nil
	}
	if exists {
		return false, nil
	}
	return false, gatt.Errorf(gatt.InvalidState, "server is running, stop it before changing the attribute table")
}

func (s *Server) AddService(uuid string, primary bool) error {
	if ok, err := s.checkMutable(s.hier.HasService(uuid)); !ok {
		return err
	}
	return s.hier.AddService(uuid, primary)
}

func (s *Server) AddIncludedService(child, parent string) error {
	exists := false
	if p, ok := s.hier.Service(parent); ok {
		cu, err := gatt.NormalizeUUID(child)
		if err == nil {
			for _, inc := range p.Includes {
				exists = exists || inc == cu
			}
		}
	}
	if ok, err := s.checkMutable(exists); !ok {
		return err
	}
	return s.hier.AddIncludedService(child, parent)
}

func (s *Server) AddCharacteristic(uuid, service string, props gatt.Properties, perms gatt.Permissions) error {
	_, exists := s.hier.CharacteristicIn(service, uuid)
	if ok, err := s.checkMutable(exists); !ok {
		return err
	}
	return s.hier.AddCharacteristic(uuid, service, props, perms)
}

func (s *Server) AddDescriptor(uuid, characteristic string, perms gatt.Permissions) error {
	exists := false
	if c, ok := s.hier.Characteristic(characteristic); ok {
		_, exists = s.hier.DescriptorIn(c.Service, c.UUID, uuid)
	}
	if ok, err := s.checkMutable(exists); !ok {
		return err
	}
	return s.hier.AddDescriptor(uuid, characteristic, perms)
}

// ClearGatt stops the server if it is live, then drops the hierarchy, the advertised set,
// all values and all subscriptions.
func (s *Server) ClearGatt() {
	s.StopServer()
	s.hier.Clear()
	s.services.Clear()
	s.values.Clear()
	s.peers.each(func(p *Peer) { p.subscriptions = make(map[string]struct{}) })
	s.logger.Debug("GATT hierarchy cleared")
}

// StartServer publishes the hierarchy to the stack.
func (s *Server) StartServer() error {
	if s.running {
		return gatt.Errorf(gatt.InvalidState, "server already running")
	}
	if s.hier.Empty() {
		return gatt.Errorf(gatt.InvalidState, "no services to publish")
	}
	s.power = s.stack.State()
	if s.power != native.PowerEnabled {
		return fmt.Errorf("bluetooth is %s: %w", s.power, gatt.ErrBluetoothUnavailable)
	}
	if err := s.hier.Check(); err != nil {
		return err
	}
	if err := s.stack.Publish(s.hier.Snapshot(), s.values); err != nil {
		return gatt.NativeError(0, err)
	}
	s.running = true
	s.logger.WithField("services", len(s.hier.Services())).Info("GATT server started")

	if s.opts.AdvertiseOnStart {
		return s.StartAdvertising()
	}
	return nil
}

// StopServer stops advertising, withdraws the profile and disconnects every central.
// It is a no-op when the server is not running.
func (s *Server) StopServer() {
	if !s.running {
		return
	}
	s.StopAdvertising()
	if err := s.stack.Withdraw(); err != nil {
		s.logger.WithError(err).Warn("Failed to withdraw GATT profile")
	}
	s.peers.each(func(p *Peer) {
		p.subscriptions = make(map[string]struct{})
		if !p.Live() {
			return
		}
		p.State = Disconnecting
		if err := s.stack.CancelPeer(p.Address); err != nil {
			s.logger.WithError(err).WithField("address", p.Address).Warn("Failed to disconnect central")
		}
	})
	s.running = false
	s.logger.Info("GATT server stopped")
}

// StartAdvertising makes the server discoverable. The outcome arrives as an advertise event.
// Starting while the server is not running has no effect.
func (s *Server) StartAdvertising() error {
	if !s.running {
		s.logger.Debug("Server not running, advertising request ignored")
		return nil
	}
	if s.adv != advIdle {
		return nil
	}
	ad := native.Advertisement{
		Name:        s.opts.DeviceName,
		IncludeName: s.opts.AdvertiseDeviceName,
		Services:    s.services.List(),
		Mode:        s.opts.AdvertiseMode,
	}
	if err := s.stack.StartAdvertising(ad); err != nil {
		s.logger.WithError(err).Warn("Failed to start advertising")
		s.emitLater(HostEvent{Kind: OnAdvertise, Code: native.AdvertiseErrInternal})
		return nil
	}
	s.adv = advStarting
	s.logger.WithFields(logrus.Fields{
		"services": len(ad.Services),
		"mode":     ad.Mode,
	}).Debug("Advertising requested")
	return nil
}

// StopAdvertising is best-effort and idempotent.
func (s *Server) StopAdvertising() {
	if s.adv == advIdle {
		return
	}
	if err := s.stack.StopAdvertising(); err != nil {
		s.logger.WithError(err).Warn("Failed to stop advertising")
	}
	s.adv = advIdle
	s.logger.Debug("Advertising stopped")
}

// NotifyDevice sends the current value of a characteristic to one subscribed central.
// A peer that is unknown or not subscribed is a silent no-op.
func (s *Server) NotifyDevice(uuid, address string) error {
	c, err := s.characteristic(uuid)
	if err != nil {
		return err
	}
	p := s.peers.get(address)
	if p == nil || !p.Subscribed(c.Key()) {
		s.logger.WithFields(logrus.Fields{
			"uuid":    c.UUID,
			"address": address,
		}).Debug("Peer not subscribed, notification skipped")
		return nil
	}
	s.notify(c, p)
	return nil
}

// WriteCharacteristic replaces the local value and optionally notifies every subscriber.
func (s *Server) WriteCharacteristic(uuid string, value []byte, notify bool) error {
	c, err := s.characteristic(uuid)
	if err != nil {
		return err
	}
	s.values.Set(c.Key(), value)
	stored, _ := s.values.Get(c.Key())
	s.emitLater(HostEvent{Kind: OnCharWrite, UUID: c.UUID, Success: true, Value: stored})
	if s.opts.ReadInternalWrites {
		s.emitLater(HostEvent{Kind: OnCharRead, UUID: c.UUID, Address: UnknownAddress, Success: true, Value: append([]byte{}, stored...)})
	}
	if notify {
		s.notifySubscribers(c, "")
	}
	return nil
}

// ReadCharacteristic reports the local value through a char-read event.
func (s *Server) ReadCharacteristic(uuid string) error {
	c, err := s.characteristic(uuid)
	if err != nil {
		return err
	}
	v, _ := s.values.Get(c.Key())
	s.emitLater(HostEvent{Kind: OnCharRead, UUID: c.UUID, Address: UnknownAddress, Success: true, Value: v})
	return nil
}

func (s *Server) WriteDescriptor(uuid string, value []byte) error {
	d, err := s.descriptor(uuid)
	if err != nil {
		return err
	}
	s.values.Set(d.Key(), value)
	stored, _ := s.values.Get(d.Key())
	s.emitLater(HostEvent{Kind: OnDescWrite, UUID: d.UUID, Success: true, Value: stored})
	return nil
}

func (s *Server) ReadDescriptor(uuid string) error {
	d, err := s.descriptor(uuid)
	if err != nil {
		return err
	}
	v, _ := s.values.Get(d.Key())
	s.emitLater(HostEvent{Kind: OnDescRead, UUID: d.UUID, Address: UnknownAddress, Success: true, Value: v})
	return nil
}

// Subscribers lists the addresses subscribed to the first characteristic matching uuid.
func (s *Server) Subscribers(uuid string) []string {
	c, ok := s.hier.Characteristic(uuid)
	if !ok {
		return nil
	}
	var out []string
	s.peers.each(func(p *Peer) {
		if p.Subscribed(c.Key()) {
			out = append(out, p.Address)
		}
	})
	return out
}

func (s *Server) notifySubscribers(c gatt.Characteristic, except string) {
	s.peers.each(func(p *Peer) {
		if p.Address == except || !p.Subscribed(c.Key()) {
			return
		}
		s.notify(c, p)
	})
}

func (s *Server) notify(c gatt.Characteristic, p *Peer) {
	v, _ := s.values.Get(c.Key())
	if err := s.stack.Notify(p.Address, c, v); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"uuid":    c.UUID,
			"address": p.Address,
		}).Warn("Notification failed")
		s.emitLater(HostEvent{Kind: OnSentNotification, UUID: c.UUID, Success: false})
	}
}

func (s *Server) shutdown() {
	s.StopAdvertising()
	s.StopServer()
}

// Apply runs the server transition for one inbound event.
func (s *Server) Apply(ev native.Event) {
	if s.closed {
		return
	}
	log := s.logger.WithFields(logrus.Fields{"event": ev.Kind, "address": ev.Address})

	switch ev.Kind {
	case native.EventPowerChanged:
		s.applyPower(ev.Power)
		if ev.Power != native.PowerEnabled && (s.running || s.adv != advIdle) {
			log.Warn("Bluetooth lost, stopping server")
			s.StopAdvertising()
			s.StopServer()
		}

	case native.EventEnableResult:
		s.emit(HostEvent{Kind: OnRequestBt, Success: ev.Success})

	case native.EventAdvertiseStarted:
		if s.adv != advStarting {
			log.Debug("Ignoring stale advertise result")
			return
		}
		if ev.Success {
			s.adv = advActive
			log.Info("Advertising started")
			s.emit(HostEvent{Kind: OnAdvertise, Code: native.AdvertiseOK})
			return
		}
		s.adv = advIdle
		code := ev.Code
		if code == native.AdvertiseOK {
			code = native.AdvertiseErrInternal
		}
		log.WithField("code", code).Warn("Advertising failed")
		s.emit(HostEvent{Kind: OnAdvertise, Code: code})

	case native.EventAdvertiseStopped:
		if s.adv != advActive {
			log.Debug("Ignoring stale advertise stop")
			return
		}
		s.adv = advIdle
		code := ev.Code
		if code == native.AdvertiseOK {
			code = native.AdvertiseErrInternal
		}
		log.WithField("code", code).Warn("Advertising stopped by the stack")
		s.emit(HostEvent{Kind: OnAdvertise, Code: code})

	case native.EventConnected:
		s.connectPeer(ev.Address, ev.Name)

	case native.EventDisconnected:
		p := s.peers.get(ev.Address)
		if p == nil {
			log.Debug("Disconnect for unknown central")
			return
		}
		s.peers.remove(p.Address)
		log.Info("Central disconnected")
		s.emit(HostEvent{Kind: OnDeviceDisconnect, Address: p.Address, Name: p.Name})

	case native.EventWriteRequest:
		s.applyWrite(ev)

	case native.EventSubscriptionChanged:
		c, ok := s.eventCharacteristic(ev)
		if !ok {
			log.WithField("uuid", ev.Characteristic).Debug("Subscription for unknown characteristic")
			return
		}
		p := s.peers.get(ev.Address)
		if p == nil && !ev.Enabled {
			log.WithField("uuid", c.UUID).Debug("Unsubscribe from unknown central ignored")
			return
		}
		p = s.connectPeer(ev.Address, ev.Name)
		p.subscribe(c.Key(), ev.Enabled)
		log.WithFields(logrus.Fields{"uuid": c.UUID, "enabled": ev.Enabled}).Debug("Subscription changed")

	case native.EventNotificationSent:
		uuid := ev.Characteristic
		if c, ok := s.eventCharacteristic(ev); ok {
			uuid = c.UUID
		}
		s.emit(HostEvent{Kind: OnSentNotification, UUID: uuid, Success: ev.Success})

	default:
		log.Debug("Event not handled by server role")
	}
}

// connectPeer records a central as connected, coalescing duplicate signals.
func (s *Server) connectPeer(address, name string) *Peer {
	p, created := s.peers.ensure(address, name, Connected)
	if !created && p.State == Connected {
		return p
	}
	p.State = Connected
	s.logger.WithField("address", p.Address).Info("Central connected")
	s.emit(HostEvent{Kind: OnDeviceConnected, Address: p.Address, Name: p.Name})
	return p
}

// applyWrite validates a remote write locally before accepting it.
func (s *Server) applyWrite(ev native.Event) {
	log := s.logger.WithFields(logrus.Fields{"address": ev.Address, "uuid": ev.Characteristic})

	if ev.Descriptor != "" {
		d, ok := s.eventDescriptor(ev)
		if !ok {
			log.WithField("descriptor", ev.Descriptor).Warn("Write to unknown descriptor rejected")
			return
		}
		if !d.Permissions.Writable() {
			log.WithField("descriptor", d.UUID).Warn("Write to read-only descriptor rejected")
			return
		}
		s.values.Set(d.Key(), ev.Value)
		p := s.connectPeer(ev.Address, ev.Name)
		v, _ := s.values.Get(d.Key())
		s.emit(HostEvent{Kind: OnDescRead, UUID: d.UUID, Address: p.Address, Success: true, Value: v})
		return
	}

	c, ok := s.eventCharacteristic(ev)
	if !ok {
		log.Warn("Write to unknown characteristic rejected")
		return
	}
	if !c.Permissions.Writable() || !c.Properties.CanWrite() {
		log.WithFields(logrus.Fields{
			"properties":  c.Properties,
			"permissions": c.Permissions,
		}).Warn("Write to non-writable characteristic rejected")
		return
	}
	s.values.Set(c.Key(), ev.Value)
	p := s.connectPeer(ev.Address, ev.Name)
	v, _ := s.values.Get(c.Key())
	s.emit(HostEvent{Kind: OnCharRead, UUID: c.UUID, Address: p.Address, Success: true, Value: v})

	except := p.Address
	if s.opts.NotifyChangingDevice {
		except = ""
	}
	s.notifySubscribers(c, except)
}
