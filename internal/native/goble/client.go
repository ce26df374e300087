package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/native"
)

// link is one outgoing connection. GATT operations run in order on the link's worker.
type link struct {
	address string
	cancel  context.CancelFunc

	mu     sync.Mutex
	client Client
	chars  map[string]*ble.Characteristic
	descs  map[string]*ble.Descriptor

	ops  chan func()
	done chan struct{}
	once sync.Once
}

func newLink(address string, cancel context.CancelFunc) *link {
	return &link{
		address: address,
		cancel:  cancel,
		chars:   make(map[string]*ble.Characteristic),
		descs:   make(map[string]*ble.Descriptor),
		ops:     make(chan func(), opQueueSize),
		done:    make(chan struct{}),
	}
}

func (l *link) gattClient() Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client
}

// finish closes the link once; it reports whether this call did it.
func (l *link) finish() bool {
	first := false
	l.once.Do(func() {
		first = true
		l.cancel()
		close(l.done)
	})
	return first
}

func (l *link) teardown(logger *logrus.Entry) {
	c := l.gattClient()
	l.finish()
	if c == nil {
		return
	}
	if err := c.CancelConnection(); err != nil {
		logger.WithError(err).WithField("address", l.address).Debug("CancelConnection failed")
	}
}

func (l *link) enqueue(op func()) error {
	select {
	case <-l.done:
		return fmt.Errorf("device %s is not connected", l.address)
	default:
	}
	select {
	case l.ops <- op:
		return nil
	default:
		return fmt.Errorf("GATT queue for %s is full", l.address)
	}
}

func (l *link) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case op := <-l.ops:
			op()
		}
	}
}

// StartScan reports every advertisement as a device-discovered event. Filtering is left
// to the role.
func (s *Stack) StartScan(filter []string, allowDuplicates bool) error {
	dev, err := s.device()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.scanCancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("scan already running")
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.scanCancel = cancel
	s.scanGen++
	gen := s.scanGen
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"filter":     len(filter),
		"duplicates": allowDuplicates,
	}).Debug("Starting go-ble scan")

	s.group.Go(ctx, "goble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, allowDuplicates, func(adv ble.Advertisement) {
			s.emit(discoveredEvent(adv))
		})
		stopped := ctx.Err() != nil
		cancel()
		s.mu.Lock()
		if s.scanGen == gen {
			s.scanCancel = nil
		}
		s.mu.Unlock()
		if stopped {
			return
		}
		if err == nil {
			err = fmt.Errorf("scan ended")
		}
		s.logger.WithError(err).Warn("Scan ended with error")
		s.emit(native.Event{Kind: native.EventScanStopped, Code: attCode(err)})
	})
	return nil
}

func discoveredEvent(adv ble.Advertisement) native.Event {
	services := make([]string, 0, len(adv.Services()))
	for _, u := range adv.Services() {
		services = append(services, gatt.FromBLE(u))
	}
	return native.Event{
		Kind:     native.EventDeviceDiscovered,
		Address:  normalizeAddress(adv.Addr().String()),
		Name:     adv.LocalName(),
		RSSI:     adv.RSSI(),
		Services: services,
	}
}

func (s *Stack) StopScan() error {
	s.mu.Lock()
	cancel := s.scanCancel
	s.scanCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Connect dials the peripheral, then discovers its profile on the link worker.
func (s *Stack) Connect(address string) error {
	dev, err := s.device()
	if err != nil {
		return err
	}
	address = normalizeAddress(address)

	s.mu.Lock()
	if _, ok := s.links[address]; ok {
		s.mu.Unlock()
		return fmt.Errorf("device %s already connected", address)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	l := newLink(address, cancel)
	s.links[address] = l
	s.mu.Unlock()

	s.group.Go(ctx, "goble-dial", func(ctx context.Context) {
		dialCtx, stop := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		c, err := Dial(dialCtx, dev, address)
		stop()
		if err != nil {
			s.logger.WithError(err).WithField("address", address).Warn("Dial failed")
			s.dropLink(l)
			s.emit(native.Event{Kind: native.EventConnectFailed, Address: address, Code: attCode(err)})
			return
		}
		if ctx.Err() != nil {
			// disconnected while dialing
			_ = c.CancelConnection()
			s.dropLink(l)
			s.emit(native.Event{Kind: native.EventConnectFailed, Address: address})
			return
		}

		l.mu.Lock()
		l.client = c
		l.mu.Unlock()
		s.emit(native.Event{Kind: native.EventConnected, Address: address})

		s.group.Go(ctx, "goble-gatt-worker", l.run)
		if dc, ok := c.(interface{ Disconnected() <-chan struct{} }); ok {
			s.group.Go(ctx, "goble-link-monitor", func(ctx context.Context) {
				select {
				case <-dc.Disconnected():
					s.closeLink(l)
				case <-l.done:
				}
			})
		}
		_ = l.enqueue(func() { s.discover(l, c) })
	})
	return nil
}

func (s *Stack) discover(l *link, c Client) {
	p, err := c.DiscoverProfile(true)
	if err != nil {
		s.logger.WithError(err).WithField("address", l.address).Warn("Profile discovery failed")
		s.emit(native.Event{Kind: native.EventServicesDiscovered, Address: l.address, Success: false})
		return
	}
	profile, chars, descs := profileFromBLE(p)
	l.mu.Lock()
	l.chars, l.descs = chars, descs
	l.mu.Unlock()
	s.emit(native.Event{Kind: native.EventServicesDiscovered, Address: l.address, Success: true, Profile: &profile})
}

// Disconnect cancels a pending dial or closes an established link.
func (s *Stack) Disconnect(address string) error {
	s.mu.Lock()
	l := s.links[normalizeAddress(address)]
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	c := l.gattClient()
	if c == nil {
		l.cancel()
		return nil
	}
	s.group.Go(s.ctx, "goble-disconnect", func(ctx context.Context) {
		if err := c.CancelConnection(); err != nil {
			s.logger.WithError(err).WithField("address", l.address).Debug("CancelConnection failed")
		}
		s.closeLink(l)
	})
	return nil
}

func (s *Stack) dropLink(l *link) {
	l.finish()
	s.mu.Lock()
	if s.links[l.address] == l {
		delete(s.links, l.address)
	}
	s.mu.Unlock()
}

// closeLink reports the end of an established link exactly once.
func (s *Stack) closeLink(l *link) {
	first := l.finish()
	s.mu.Lock()
	if s.links[l.address] == l {
		delete(s.links, l.address)
	}
	s.mu.Unlock()
	if first {
		s.emit(native.Event{Kind: native.EventDisconnected, Address: l.address})
	}
}

func (s *Stack) connected(address string) (*link, Client, error) {
	s.mu.Lock()
	l := s.links[normalizeAddress(address)]
	s.mu.Unlock()
	if l == nil {
		return nil, nil, fmt.Errorf("device %s is not connected", address)
	}
	c := l.gattClient()
	if c == nil {
		return nil, nil, fmt.Errorf("device %s is still connecting", address)
	}
	return l, c, nil
}

func (l *link) characteristic(ch gatt.Characteristic) (*ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bc := l.chars[ch.Key()]; bc != nil {
		return bc, nil
	}
	return nil, &gatt.NotFoundError{Resource: "characteristic", UUIDs: []string{ch.UUID}}
}

func (l *link) descriptor(d gatt.Descriptor) (*ble.Descriptor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bd := l.descs[d.Key()]; bd != nil {
		return bd, nil
	}
	return nil, &gatt.NotFoundError{Resource: "descriptor", UUIDs: []string{d.UUID}}
}

func (s *Stack) ReadCharacteristic(address string, ch gatt.Characteristic) error {
	l, c, err := s.connected(address)
	if err != nil {
		return err
	}
	bc, err := l.characteristic(ch)
	if err != nil {
		return err
	}
	return l.enqueue(func() {
		v, err := c.ReadCharacteristic(bc)
		s.emit(native.Event{
			Kind: native.EventCharRead, Address: l.address, Service: ch.Service, Characteristic: ch.UUID,
			Value: append([]byte{}, v...), Success: err == nil, Code: attCode(err),
		})
	})
}

func (s *Stack) WriteCharacteristic(address string, ch gatt.Characteristic, value []byte, noResponse bool) error {
	l, c, err := s.connected(address)
	if err != nil {
		return err
	}
	bc, err := l.characteristic(ch)
	if err != nil {
		return err
	}
	payload := append([]byte{}, value...)
	return l.enqueue(func() {
		err := c.WriteCharacteristic(bc, payload, noResponse)
		s.emit(native.Event{
			Kind: native.EventCharWritten, Address: l.address, Service: ch.Service, Characteristic: ch.UUID,
			Success: err == nil, Code: attCode(err),
		})
	})
}

func (s *Stack) ReadDescriptor(address string, d gatt.Descriptor) error {
	l, c, err := s.connected(address)
	if err != nil {
		return err
	}
	bd, err := l.descriptor(d)
	if err != nil {
		return err
	}
	return l.enqueue(func() {
		v, err := c.ReadDescriptor(bd)
		s.emit(native.Event{
			Kind: native.EventDescRead, Address: l.address, Service: d.Service, Characteristic: d.Characteristic,
			Descriptor: d.UUID, Value: append([]byte{}, v...), Success: err == nil, Code: attCode(err),
		})
	})
}

func (s *Stack) WriteDescriptor(address string, d gatt.Descriptor, value []byte) error {
	l, c, err := s.connected(address)
	if err != nil {
		return err
	}
	bd, err := l.descriptor(d)
	if err != nil {
		return err
	}
	payload := append([]byte{}, value...)
	return l.enqueue(func() {
		err := c.WriteDescriptor(bd, payload)
		s.emit(native.Event{
			Kind: native.EventDescWritten, Address: l.address, Service: d.Service, Characteristic: d.Characteristic,
			Descriptor: d.UUID, Success: err == nil, Code: attCode(err),
		})
	})
}

// SetNotify subscribes with indications only when the characteristic cannot notify.
func (s *Stack) SetNotify(address string, ch gatt.Characteristic, enable bool) error {
	l, c, err := s.connected(address)
	if err != nil {
		return err
	}
	bc, err := l.characteristic(ch)
	if err != nil {
		return err
	}
	ind := !ch.Properties.Has(gatt.PropNotify) && ch.Properties.Has(gatt.PropIndicate)
	return l.enqueue(func() {
		var err error
		if enable {
			err = c.Subscribe(bc, ind, func(data []byte) {
				s.emit(native.Event{
					Kind: native.EventNotification, Address: l.address, Service: ch.Service, Characteristic: ch.UUID,
					Value: append([]byte{}, data...), Success: true,
				})
			})
		} else {
			err = c.Unsubscribe(bc, ind)
		}
		if err != nil {
			s.logger.WithError(err).WithField("uuid", ch.UUID).Debug("Subscription change failed")
		}
		s.emit(native.Event{
			Kind: native.EventSubscriptionChanged, Address: l.address, Service: ch.Service, Characteristic: ch.UUID,
			Enabled: enable, Success: err == nil, Code: attCode(err),
		})
	})
}

// profileFromBLE converts a discovered go-ble profile, indexing the go-ble attributes by
// value-store key for later operations.
func profileFromBLE(p *ble.Profile) (gatt.Profile, map[string]*ble.Characteristic, map[string]*ble.Descriptor) {
	chars := make(map[string]*ble.Characteristic)
	descs := make(map[string]*ble.Descriptor)
	var out gatt.Profile
	if p == nil {
		return out, chars, descs
	}
	for _, bs := range p.Services {
		su := gatt.FromBLE(bs.UUID)
		sn := gatt.ServiceNode{Service: gatt.Service{UUID: su, Primary: true}}
		for _, bc := range bs.Characteristics {
			props := gatt.Properties(bc.Property)
			ch := gatt.Characteristic{
				UUID:        gatt.FromBLE(bc.UUID),
				Service:     su,
				Properties:  props,
				Permissions: permissionsFor(props),
			}
			chars[ch.Key()] = bc
			cn := gatt.CharacteristicNode{Characteristic: ch}
			for _, bd := range bc.Descriptors {
				d := gatt.Descriptor{
					UUID:           gatt.FromBLE(bd.UUID),
					Service:        su,
					Characteristic: ch.UUID,
					Permissions:    gatt.DefaultPermissions,
				}
				descs[d.Key()] = bd
				cn.Descriptors = append(cn.Descriptors, d)
			}
			sn.Characteristics = append(sn.Characteristics, cn)
		}
		out.Services = append(out.Services, sn)
	}
	return out, chars, descs
}

// permissionsFor derives client-side permissions from advertised properties; the remote
// enforces the real ones.
func permissionsFor(props gatt.Properties) gatt.Permissions {
	var perms gatt.Permissions
	if props.Has(gatt.PropRead) {
		perms |= gatt.PermRead
	}
	if props.CanWrite() {
		perms |= gatt.PermWrite
	}
	return perms
}

var _ native.Stack = (*Stack)(nil)
