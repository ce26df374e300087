package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/native"
)

// cccdUUID is created by go-ble itself for every notifying characteristic.
var cccdUUID = gatt.MustNormalizeUUID("2902")

// central is a remote client connected to the published profile.
type central struct {
	address string
	conn    ble.Conn

	mu        sync.Mutex
	notifiers map[string]ble.Notifier
}

func (c *central) notifier(key string) ble.Notifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifiers[key]
}

func (c *central) close() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Publish exposes the profile. Reads are served straight from values; writes are checked
// against permissions and forwarded as write-request events.
func (s *Stack) Publish(profile gatt.Profile, values native.ValueSource) error {
	dev, err := s.device()
	if err != nil {
		return err
	}
	svcs := s.buildServices(profile)
	if err := dev.SetServices(svcs); err != nil {
		return fmt.Errorf("failed to publish services: %w", err)
	}

	s.mu.Lock()
	s.values = values
	s.published = true
	s.mu.Unlock()

	s.notifyOnce.Do(func() {
		s.group.Go(s.ctx, "goble-notify", s.runNotify)
	})
	s.logger.WithField("services", len(svcs)).Info("GATT profile published")
	return nil
}

// Withdraw removes the published profile.
func (s *Stack) Withdraw() error {
	dev, err := s.device()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values = nil
	s.published = false
	s.mu.Unlock()
	return dev.RemoveAllServices()
}

func (s *Stack) buildServices(profile gatt.Profile) []*ble.Service {
	out := make([]*ble.Service, 0, len(profile.Services))
	for _, sn := range profile.Services {
		svc := ble.NewService(gatt.ToBLE(sn.UUID))
		if len(sn.Includes) > 0 || !sn.Primary {
			s.logger.WithField("uuid", sn.UUID).Debug("go-ble publishes every service as primary without include declarations")
		}
		for _, cn := range sn.Characteristics {
			s.buildCharacteristic(svc, cn)
		}
		out = append(out, svc)
	}
	return out
}

func (s *Stack) buildCharacteristic(svc *ble.Service, cn gatt.CharacteristicNode) {
	ch := cn.Characteristic
	c := svc.NewCharacteristic(gatt.ToBLE(ch.UUID))

	if ch.Properties.Has(gatt.PropRead) {
		c.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			s.track(req.Conn())
			s.serveRead(rsp, ch.Key(), ch.Permissions, req.Offset())
		}))
	}
	if ch.Properties.CanWrite() {
		c.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			addr := s.track(req.Conn())
			rsp.SetStatus(s.acceptWrite(addr, ch, "", ch.Permissions, req.Data()))
		}))
	}
	if ch.Properties.CanNotify() {
		h := ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
			s.serveNotify(req.Conn(), n, ch)
		})
		if ch.Properties.Has(gatt.PropNotify) {
			c.HandleNotify(h)
		}
		if ch.Properties.Has(gatt.PropIndicate) {
			c.HandleIndicate(h)
		}
	}
	// handlers set their own property bits; the declared mask wins
	c.Property = ble.Property(ch.Properties)

	for _, d := range cn.Descriptors {
		if d.UUID == cccdUUID {
			continue
		}
		d := d
		bd := c.NewDescriptor(gatt.ToBLE(d.UUID))
		bd.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			s.track(req.Conn())
			s.serveRead(rsp, d.Key(), d.Permissions, req.Offset())
		}))
		bd.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			addr := s.track(req.Conn())
			rsp.SetStatus(s.acceptWrite(addr, ch, d.UUID, d.Permissions, req.Data()))
		}))
	}
}

func (s *Stack) serveRead(rsp ble.ResponseWriter, key string, perms gatt.Permissions, offset int) {
	v, status := s.readValue(key, perms, offset)
	if status != ble.ErrSuccess {
		rsp.SetStatus(status)
		return
	}
	_, _ = rsp.Write(v)
}

// readValue returns the value served for key starting at offset.
func (s *Stack) readValue(key string, perms gatt.Permissions, offset int) ([]byte, ble.ATTError) {
	if !perms.Readable() {
		return nil, ble.ErrReadNotPerm
	}
	s.mu.Lock()
	src := s.values
	s.mu.Unlock()
	var v []byte
	if src != nil {
		v, _ = src.Get(key)
	}
	if offset > len(v) {
		return nil, ble.ErrInvalidOffset
	}
	return v[offset:], ble.ErrSuccess
}

// acceptWrite checks permissions and forwards an accepted write. The role re-validates it.
func (s *Stack) acceptWrite(addr string, ch gatt.Characteristic, desc string, perms gatt.Permissions, data []byte) ble.ATTError {
	if !perms.Writable() {
		s.logger.WithFields(logrus.Fields{
			"address": addr,
			"uuid":    ch.UUID,
		}).Debug("Write rejected by permissions")
		return ble.ErrWriteNotPerm
	}
	s.emit(native.Event{
		Kind:           native.EventWriteRequest,
		Address:        addr,
		Service:        ch.Service,
		Characteristic: ch.UUID,
		Descriptor:     desc,
		Value:          append([]byte{}, data...),
	})
	return ble.ErrSuccess
}

// track records the central behind conn and watches for its disconnect.
func (s *Stack) track(conn ble.Conn) string {
	if conn == nil {
		return "unknown"
	}
	addr := normalizeAddress(conn.RemoteAddr().String())
	s.mu.Lock()
	if _, ok := s.centrals[addr]; ok {
		s.mu.Unlock()
		return addr
	}
	c := &central{address: addr, conn: conn, notifiers: make(map[string]ble.Notifier)}
	s.centrals[addr] = c
	s.mu.Unlock()

	s.emit(native.Event{Kind: native.EventConnected, Address: addr})
	if dc, ok := conn.(interface{ Disconnected() <-chan struct{} }); ok {
		s.group.Go(s.ctx, "goble-central-monitor", func(ctx context.Context) {
			select {
			case <-dc.Disconnected():
				s.forget(addr)
			case <-ctx.Done():
			}
		})
	}
	return addr
}

func (s *Stack) forget(addr string) {
	s.mu.Lock()
	_, ok := s.centrals[addr]
	delete(s.centrals, addr)
	s.mu.Unlock()
	if ok {
		s.emit(native.Event{Kind: native.EventDisconnected, Address: addr})
	}
}

// serveNotify runs for the lifetime of one subscription.
func (s *Stack) serveNotify(conn ble.Conn, n ble.Notifier, ch gatt.Characteristic) {
	addr := s.track(conn)
	s.mu.Lock()
	c := s.centrals[addr]
	s.mu.Unlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	c.notifiers[ch.Key()] = n
	c.mu.Unlock()
	s.emit(native.Event{Kind: native.EventSubscriptionChanged, Address: addr, Service: ch.Service, Characteristic: ch.UUID, Enabled: true, Success: true})

	select {
	case <-n.Context().Done():
	case <-s.ctx.Done():
	}

	c.mu.Lock()
	if c.notifiers[ch.Key()] == n {
		delete(c.notifiers, ch.Key())
	}
	c.mu.Unlock()
	s.emit(native.Event{Kind: native.EventSubscriptionChanged, Address: addr, Service: ch.Service, Characteristic: ch.UUID, Enabled: false, Success: true})
}

// Notify queues a notification; notifications go out one at a time.
func (s *Stack) Notify(address string, ch gatt.Characteristic, value []byte) error {
	address = normalizeAddress(address)
	s.mu.Lock()
	c := s.centrals[address]
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("central %s is not connected", address)
	}
	n := c.notifier(ch.Key())
	if n == nil {
		return fmt.Errorf("central %s is not subscribed to %s", address, gatt.ShortUUID(ch.UUID))
	}
	payload := append([]byte{}, value...)
	job := func() {
		_, err := n.Write(payload)
		if err != nil {
			s.logger.WithError(err).WithField("address", address).Debug("Notification failed")
		}
		s.emit(native.Event{Kind: native.EventNotificationSent, Address: address, Service: ch.Service, Characteristic: ch.UUID, Success: err == nil})
	}
	select {
	case s.notifyQ <- job:
		return nil
	default:
		return fmt.Errorf("notification queue full")
	}
}

func (s *Stack) runNotify(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.notifyQ:
			job()
		}
	}
}

// CancelPeer closes the link of a connected central.
func (s *Stack) CancelPeer(address string) error {
	s.mu.Lock()
	c := s.centrals[normalizeAddress(address)]
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	c.close()
	return nil
}

// StartAdvertising advertises the device name and service set until StopAdvertising.
func (s *Stack) StartAdvertising(ad native.Advertisement) error {
	dev, err := s.device()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.advCancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("advertising already started")
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.advCancel = cancel
	s.advGen++
	gen := s.advGen
	s.mu.Unlock()

	name := ""
	if ad.IncludeName {
		name = ad.Name
	}
	uuids := make([]ble.UUID, 0, len(ad.Services))
	for _, u := range ad.Services {
		uuids = append(uuids, gatt.ToBLE(u))
	}
	if ad.Mode != native.AdvertiseBalanced {
		s.logger.WithField("mode", ad.Mode).Debug("go-ble ignores the advertise mode")
	}

	result := make(chan error, 1)
	s.group.Go(ctx, "goble-advertise", func(ctx context.Context) {
		result <- dev.AdvertiseNameAndServices(ctx, name, uuids...)
	})
	s.group.Go(ctx, "goble-advertise-watch", func(ctx context.Context) {
		select {
		case err := <-result:
			stopped := ctx.Err() != nil
			s.clearAdvertising(gen, cancel)
			if stopped {
				return
			}
			if err == nil {
				err = fmt.Errorf("advertising ended")
			}
			s.emit(native.Event{Kind: native.EventAdvertiseStarted, Success: false, Code: advertiseCode(err)})
			return
		case <-ctx.Done():
			return
		case <-time.After(s.opts.AdvertiseSettle):
			s.emit(native.Event{Kind: native.EventAdvertiseStarted, Success: true})
		}
		err := <-result
		stopped := ctx.Err() != nil
		s.clearAdvertising(gen, cancel)
		if stopped {
			return
		}
		if err == nil {
			err = fmt.Errorf("advertising ended")
		}
		s.logger.WithError(err).Warn("Advertising stopped unexpectedly")
		s.emit(native.Event{Kind: native.EventAdvertiseStopped, Code: advertiseCode(err)})
	})
	return nil
}

func (s *Stack) clearAdvertising(gen int, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	if s.advGen == gen {
		s.advCancel = nil
	}
	s.mu.Unlock()
}

func (s *Stack) StopAdvertising() error {
	s.mu.Lock()
	cancel := s.advCancel
	s.advCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
