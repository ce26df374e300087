package role

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/native"
	"github.com/srg/quickble/internal/registry"
)

// ClientState is the coarse state of the client role.
type ClientState int

const (
	ClientIdle ClientState = iota
	ClientBluetoothUnavailable
	ClientReady
	ClientScanning
)

func (s ClientState) String() string {
	switch s {
	case ClientIdle:
		return "idle"
	case ClientBluetoothUnavailable:
		return "bluetooth-unavailable"
	case ClientReady:
		return "ready"
	case ClientScanning:
		return "scanning"
	default:
		return "unknown"
	}
}

// ClientOptions are the runtime-adjustable client settings.
type ClientOptions struct {
	// ContinuousScan reports every advertisement instead of the first one per device.
	ContinuousScan bool
	Prompt         native.Prompt
}

// Client is the central role: it scans, keeps one connection at a time and mirrors the
// connected peripheral's hierarchy after discovery.
type Client struct {
	base
	opts     ClientOptions
	scanning bool
	current  string
	ops      *opQueue
}

func NewClient(id int, deps Deps, opts ClientOptions) *Client {
	c := &Client{opts: opts}
	c.base = newBase(id, registry.KindClient, deps, c)
	c.ops = newOpQueue(c.issue, c.failOp)
	return c
}

func (c *Client) Options() ClientOptions { return c.opts }

func (c *Client) SetOptions(opts ClientOptions) { c.opts = opts }

func (c *Client) IsScanning() bool { return c.scanning }

// IsConnected reports an established connection; connections being set up or torn down
// do not count.
func (c *Client) IsConnected() bool {
	p := c.connection()
	return p != nil && p.State == Connected
}

// Connection returns the peer of the current connection, if any.
func (c *Client) Connection() (PeerInfo, bool) {
	p := c.connection()
	if p == nil {
		return PeerInfo{}, false
	}
	return p.info(), true
}

func (c *Client) State() ClientState {
	switch {
	case c.power != native.PowerEnabled:
		return ClientBluetoothUnavailable
	case c.scanning:
		return ClientScanning
	default:
		return ClientReady
	}
}

// PendingOperations returns the number of queued and in-flight GATT operations.
func (c *Client) PendingOperations() int { return c.ops.len() }

// ScanForService toggles a service in the scan filter. An empty filter matches every device.
func (c *Client) ScanForService(uuid string, include bool) error {
	return c.services.Set(uuid, include)
}

func (c *Client) ScanServices() []string { return c.services.List() }

// ScanForDevices starts discovery. Devices found earlier but not connected are forgotten.
func (c *Client) ScanForDevices() error {
	c.power = c.stack.State()
	if c.power != native.PowerEnabled {
		return fmt.Errorf("bluetooth is %s: %w", c.power, gatt.ErrBluetoothUnavailable)
	}
	if c.scanning {
		return gatt.Errorf(gatt.InvalidState, "already scanning")
	}

	var stale []string
	c.peers.each(func(p *Peer) {
		if !p.Live() && p.State != Disconnecting {
			stale = append(stale, p.Address)
		}
	})
	for _, a := range stale {
		c.peers.remove(a)
	}
	if c.current == "" {
		c.hier.Clear()
		c.values.Clear()
	}

	if err := c.stack.StartScan(c.services.List(), c.opts.ContinuousScan); err != nil {
		return gatt.NativeError(0, err)
	}
	c.scanning = true
	c.logger.WithFields(logrus.Fields{
		"filter":     len(c.services.List()),
		"continuous": c.opts.ContinuousScan,
	}).Info("Scanning started")
	return nil
}

// StopScanning is best-effort and idempotent.
func (c *Client) StopScanning() {
	if !c.scanning {
		return
	}
	if err := c.stack.StopScan(); err != nil {
		c.logger.WithError(err).Warn("Failed to stop scanning")
	}
	c.scanning = false
	c.logger.Info("Scanning stopped")
}

// ConnectToDevice starts connecting to a discovered device. The outcome arrives only as a
// connect-to-device event. An existing connection to another device is dropped first.
func (c *Client) ConnectToDevice(address string) error {
	p := c.peers.get(address)
	if p == nil {
		return gatt.Errorf(gatt.InvalidState, "device %s was not discovered", NormalizeAddress(address))
	}
	if cur := c.connection(); cur != nil {
		if cur.State == Connecting {
			return gatt.Errorf(gatt.InvalidState, "connection to %s already in progress", cur.Address)
		}
		if cur == p && cur.State == Connected {
			return nil
		}
	}
	if p.State != Discovered && p.State != Disconnected {
		return gatt.Errorf(gatt.InvalidState, "device %s is %s", p.Address, p.State)
	}
	if c.current != "" && c.current != p.Address {
		if err := c.Disconnect(); err != nil {
			return err
		}
	}

	if err := c.stack.Connect(p.Address); err != nil {
		c.logger.WithError(err).WithField("address", p.Address).Warn("Connect request failed")
		c.emitLater(HostEvent{Kind: OnConnectToDevice, Address: p.Address, Name: p.Name, Success: false})
		return nil
	}
	p.State = Connecting
	p.Discovery = ServicesUnknown
	p.linked = false
	c.current = p.Address
	c.logger.WithField("address", p.Address).Info("Connecting")
	return nil
}

// Disconnect tears down the current connection. Queued GATT operations fail.
// Calling it without a connection is a no-op.
func (c *Client) Disconnect() error {
	p := c.connection()
	if p == nil || p.State == Disconnecting || p.State == Disconnected {
		return nil
	}
	p.State = Disconnecting
	c.ops.abort(fmt.Errorf("disconnecting from %s: %w", p.Address, gatt.ErrNotConnected))
	if err := c.stack.Disconnect(p.Address); err != nil {
		c.logger.WithError(err).WithField("address", p.Address).Warn("Disconnect request failed")
	}
	c.logger.WithField("address", p.Address).Info("Disconnecting")
	return nil
}

// SubscribeToCharacteristic enables or disables notifications. Characteristics that cannot
// notify are logged and reported as success.
func (c *Client) SubscribeToCharacteristic(uuid string, on bool) (*Completion, error) {
	p, err := c.requireConnection()
	if err != nil {
		return nil, err
	}
	ch, err := c.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	if !ch.Properties.CanNotify() {
		c.logger.WithFields(logrus.Fields{
			"uuid":       ch.UUID,
			"properties": ch.Properties,
		}).Warn("Characteristic does not support notify or indicate, subscription ignored")
		done := newCompletion()
		done.resolve(Result{Success: true})
		return done, nil
	}
	return c.ops.submit(&operation{kind: opSetNotify, address: p.Address, char: ch, enable: on}), nil
}

func (c *Client) ReadCharacteristic(uuid string) (*Completion, error) {
	p, err := c.requireConnection()
	if err != nil {
		return nil, err
	}
	ch, err := c.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	return c.ops.submit(&operation{kind: opReadChar, address: p.Address, char: ch}), nil
}

// WriteCharacteristic writes with response unless the characteristic only allows
// write-without-response.
func (c *Client) WriteCharacteristic(uuid string, value []byte) (*Completion, error) {
	p, err := c.requireConnection()
	if err != nil {
		return nil, err
	}
	ch, err := c.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	noRsp := ch.Properties.Has(gatt.PropWriteNoResponse) && !ch.Properties.Has(gatt.PropWrite)
	return c.ops.submit(&operation{
		kind:       opWriteChar,
		address:    p.Address,
		char:       ch,
		value:      append([]byte{}, value...),
		noResponse: noRsp,
	}), nil
}

func (c *Client) ReadDescriptor(uuid string) (*Completion, error) {
	p, err := c.requireConnection()
	if err != nil {
		return nil, err
	}
	d, err := c.descriptor(uuid)
	if err != nil {
		return nil, err
	}
	return c.ops.submit(&operation{kind: opReadDesc, address: p.Address, desc: d}), nil
}

func (c *Client) WriteDescriptor(uuid string, value []byte) (*Completion, error) {
	p, err := c.requireConnection()
	if err != nil {
		return nil, err
	}
	d, err := c.descriptor(uuid)
	if err != nil {
		return nil, err
	}
	return c.ops.submit(&operation{kind: opWriteDesc, address: p.Address, desc: d, value: append([]byte{}, value...)}), nil
}

func (c *Client) connection() *Peer {
	if c.current == "" {
		return nil
	}
	return c.peers.get(c.current)
}

func (c *Client) requireConnection() (*Peer, error) {
	p := c.connection()
	if p == nil || p.State != Connected {
		return nil, gatt.ErrNotConnected
	}
	return p, nil
}

func (c *Client) issue(op *operation) error {
	switch op.kind {
	case opReadChar:
		return c.stack.ReadCharacteristic(op.address, op.char)
	case opWriteChar:
		return c.stack.WriteCharacteristic(op.address, op.char, op.value, op.noResponse)
	case opReadDesc:
		return c.stack.ReadDescriptor(op.address, op.desc)
	case opWriteDesc:
		return c.stack.WriteDescriptor(op.address, op.desc, op.value)
	case opSetNotify:
		return c.stack.SetNotify(op.address, op.char, op.enable)
	}
	return fmt.Errorf("unsupported operation %s", op.kind)
}

// failOp reports an operation that will never complete.
func (c *Client) failOp(op *operation, err error) {
	c.logger.WithError(err).WithFields(logrus.Fields{
		"operation": op.kind,
		"uuid":      op.uuid(),
		"address":   op.address,
	}).Debug("GATT operation failed")

	switch op.kind {
	case opReadChar:
		c.emitLater(HostEvent{Kind: OnCharRead, UUID: op.uuid(), Address: op.address, Success: false, Value: []byte{}})
	case opWriteChar:
		c.emitLater(HostEvent{Kind: OnCharWrite, UUID: op.uuid(), Success: false, Value: append([]byte{}, op.value...)})
	case opReadDesc:
		c.emitLater(HostEvent{Kind: OnDescRead, UUID: op.uuid(), Address: op.address, Success: false, Value: []byte{}})
	case opWriteDesc:
		c.emitLater(HostEvent{Kind: OnDescWrite, UUID: op.uuid(), Success: false, Value: append([]byte{}, op.value...)})
	}
}

// emitConnectionEnd answers a connection that ended: an attempt that was never reported as
// established fails its connect, an established one reports the disconnect.
func (c *Client) emitConnectionEnd(p *Peer) {
	if !p.linked {
		c.emit(HostEvent{Kind: OnConnectToDevice, Address: p.Address, Name: p.Name, Success: false})
		return
	}
	p.linked = false
	c.emit(HostEvent{Kind: OnDisconnectFromDevice, Address: p.Address, Name: p.Name})
}

// dropConnection finalizes the current connection after the stack reported its end.
func (c *Client) dropConnection(p *Peer) {
	c.ops.abort(fmt.Errorf("disconnected from %s: %w", p.Address, gatt.ErrNotConnected))
	p.State = Disconnected
	p.Discovery = ServicesUnknown
	if c.current == p.Address {
		c.current = ""
	}
	c.hier.Clear()
	c.values.Clear()
}

func (c *Client) shutdown() {
	c.StopScanning()
	if p := c.connection(); p != nil {
		_ = c.Disconnect()
		c.dropConnection(p)
	}
}

// Apply runs the client transition for one inbound event.
func (c *Client) Apply(ev native.Event) {
	if c.closed {
		return
	}
	log := c.logger.WithFields(logrus.Fields{"event": ev.Kind, "address": ev.Address})

	switch ev.Kind {
	case native.EventPowerChanged:
		c.applyPower(ev.Power)
		if ev.Power != native.PowerEnabled {
			c.scanning = false
			if p := c.connection(); p != nil {
				log.Warn("Bluetooth lost, dropping connection")
				c.dropConnection(p)
				c.emitConnectionEnd(p)
			}
		}

	case native.EventEnableResult:
		c.emit(HostEvent{Kind: OnRequestBt, Success: ev.Success})

	case native.EventScanStopped:
		if !c.scanning {
			log.Debug("Ignoring stale scan stop")
			return
		}
		c.scanning = false
		log.WithField("code", ev.Code).Warn("Scan stopped by the stack")

	case native.EventDeviceDiscovered:
		c.applyDiscovered(ev)

	case native.EventConnected:
		p := c.peers.get(ev.Address)
		switch {
		case p == nil || p.Address != c.current:
			log.Debug("Ignoring connect completion for a device no longer targeted")
			_ = c.stack.Disconnect(ev.Address)
		case p.State == Connected:
			log.Debug("Duplicate connect signal coalesced")
		case p.State == Connecting:
			p.State = Connected
			p.Discovery = ServicesDiscovering
			p.linked = true
			if ev.Name != "" {
				p.Name = ev.Name
			}
			log.Info("Connected")
			c.emit(HostEvent{Kind: OnConnectToDevice, Address: p.Address, Name: p.Name, Success: true})
		default:
			log.WithField("state", p.State).Debug("Late connect completion after disconnect request")
			_ = c.stack.Disconnect(p.Address)
		}

	case native.EventConnectFailed:
		p := c.peers.get(ev.Address)
		if p != nil && p.Address == c.current && p.State == Disconnecting {
			c.dropConnection(p)
			c.emitConnectionEnd(p)
			return
		}
		if p == nil || p.State != Connecting || p.Address != c.current {
			log.Debug("Ignoring stale connect failure")
			return
		}
		p.State = Disconnected
		c.current = ""
		log.WithField("code", ev.Code).Warn("Connection failed")
		c.emit(HostEvent{Kind: OnConnectToDevice, Address: p.Address, Name: p.Name, Success: false})

	case native.EventDisconnected:
		p := c.peers.get(ev.Address)
		if p == nil {
			log.Debug("Ignoring disconnect for an unknown device")
			return
		}
		if p.Address != c.current {
			// a connection replaced by a newer one finishing its teardown
			if p.State == Disconnecting {
				p.State = Disconnected
				c.emit(HostEvent{Kind: OnDisconnectFromDevice, Address: p.Address, Name: p.Name})
			}
			return
		}
		c.dropConnection(p)
		log.Info("Disconnected")
		c.emitConnectionEnd(p)

	case native.EventServicesDiscovered:
		p := c.connection()
		if p == nil || p.Address != NormalizeAddress(ev.Address) || p.State != Connected {
			log.Debug("Ignoring stale discovery result")
			return
		}
		if !ev.Success || ev.Profile == nil {
			p.Discovery = ServicesUnknown
			log.Warn("Service discovery failed")
			return
		}
		c.hier.Load(*ev.Profile)
		p.Discovery = ServicesDiscovered
		log.WithField("services", len(c.hier.Services())).Info("Services discovered")
		c.emit(HostEvent{Kind: OnServiceDiscovered})

	case native.EventCharRead, native.EventCharWritten, native.EventDescRead, native.EventDescWritten:
		c.applyCompletion(ev)

	case native.EventSubscriptionChanged:
		ch, ok := c.eventCharacteristic(ev)
		if !ok {
			log.Debug("Subscription result for unknown characteristic")
			return
		}
		if _, matched := c.ops.complete(opSetNotify, NormalizeAddress(ev.Address), ch.Key(), Result{Success: ev.Success}); !matched {
			log.Debug("Ignoring stale subscription result")
			return
		}
		log.WithFields(logrus.Fields{"uuid": ch.UUID, "enabled": ev.Enabled, "success": ev.Success}).Debug("Subscription updated")

	case native.EventNotification:
		p := c.connection()
		ch, ok := c.eventCharacteristic(ev)
		if p == nil || p.Address != NormalizeAddress(ev.Address) || !ok {
			log.Debug("Ignoring notification outside the current connection")
			return
		}
		c.values.Set(ch.Key(), ev.Value)
		v, _ := c.values.Get(ch.Key())
		c.emit(HostEvent{Kind: OnCharRead, UUID: ch.UUID, Address: p.Address, Success: true, Value: v})

	default:
		log.Debug("Event not handled by client role")
	}
}

func (c *Client) applyDiscovered(ev native.Event) {
	if !c.scanning {
		return
	}
	if c.services.Len() > 0 && !c.matchesFilter(ev.Services) {
		return
	}
	p, created := c.peers.ensure(ev.Address, ev.Name, Discovered)
	p.RSSI = ev.RSSI
	if len(ev.Services) > 0 {
		p.Services = append([]string(nil), ev.Services...)
	}
	if !created && !c.opts.ContinuousScan {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"address": p.Address,
		"name":    p.Name,
		"rssi":    p.RSSI,
	}).Debug("Device discovered")
	c.emit(HostEvent{Kind: OnDeviceDiscovered, Address: p.Address, Name: p.Name, RSSI: p.RSSI})
}

func (c *Client) matchesFilter(advertised []string) bool {
	for _, s := range advertised {
		if c.services.Contains(s) {
			return true
		}
	}
	return false
}

// applyCompletion resolves the in-flight operation and forwards the result.
// Completions that match nothing (for example after a disconnect) are dropped.
func (c *Client) applyCompletion(ev native.Event) {
	kind, _ := opForEvent(ev.Kind)
	addr := NormalizeAddress(ev.Address)
	log := c.logger.WithFields(logrus.Fields{"event": ev.Kind, "address": addr})

	var key, uuid string
	switch kind {
	case opReadDesc, opWriteDesc:
		d, ok := c.eventDescriptor(ev)
		if !ok {
			log.WithField("uuid", ev.Descriptor).Debug("Completion for unknown descriptor")
			return
		}
		key, uuid = d.Key(), d.UUID
	default:
		ch, ok := c.eventCharacteristic(ev)
		if !ok {
			log.WithField("uuid", ev.Characteristic).Debug("Completion for unknown characteristic")
			return
		}
		key, uuid = ch.Key(), ch.UUID
	}

	result := Result{Success: ev.Success}
	if !ev.Success {
		result.Err = gatt.NativeError(ev.Code, nil)
	} else if kind == opReadChar || kind == opReadDesc {
		result.Value = append([]byte{}, ev.Value...)
	}
	op, matched := c.ops.complete(kind, addr, key, result)
	if !matched {
		log.WithField("uuid", uuid).Debug("Ignoring stale completion")
		return
	}

	switch kind {
	case opReadChar, opReadDesc:
		if ev.Success {
			c.values.Set(key, ev.Value)
		}
		v := []byte{}
		if ev.Success {
			v, _ = c.values.Get(key)
		}
		hk := OnCharRead
		if kind == opReadDesc {
			hk = OnDescRead
		}
		c.emit(HostEvent{Kind: hk, UUID: uuid, Address: addr, Success: ev.Success, Value: v})
	case opWriteChar, opWriteDesc:
		if ev.Success {
			c.values.Set(key, op.value)
		}
		hk := OnCharWrite
		if kind == opWriteDesc {
			hk = OnDescWrite
		}
		c.emit(HostEvent{Kind: hk, UUID: uuid, Success: ev.Success, Value: append([]byte{}, op.value...)})
	}
}
