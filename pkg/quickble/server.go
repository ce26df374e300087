package quickble

import (
	"errors"

	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/native"
	"github.com/srg/quickble/internal/role"
)

func (b *Bridge) ServerIsRunning(id int) bool {
	var v bool
	b.queryServer(id, "ServerIsRunning", func(s *role.Server) { v = s.IsRunning() })
	return v
}

func (b *Bridge) ServerIsAdvertising(id int) bool {
	var v bool
	b.queryServer(id, "ServerIsAdvertising", func(s *role.Server) { v = s.IsAdvertising() })
	return v
}

// ServerServices lists the declared services. The slice belongs to the caller.
func (b *Bridge) ServerServices(id int) []string {
	var v []string
	b.queryServer(id, "ServerServices", func(s *role.Server) { v = s.Services() })
	return copyList(v)
}

func (b *Bridge) ServerCharacteristics(id int) []string {
	var v []string
	b.queryServer(id, "ServerCharacteristics", func(s *role.Server) { v = s.Characteristics() })
	return copyList(v)
}

func (b *Bridge) ServerDescriptors(id int) []string {
	var v []string
	b.queryServer(id, "ServerDescriptors", func(s *role.Server) { v = s.Descriptors() })
	return copyList(v)
}

func (b *Bridge) ServerAdvertiseServices(id int) []string {
	var v []string
	b.queryServer(id, "ServerAdvertiseServices", func(s *role.Server) { v = s.AdvertisedServices() })
	return copyList(v)
}

// ServerAddService declares a primary service.
func (b *Bridge) ServerAddService(id int, uuid string) error {
	return b.withServer(id, func(s *role.Server) error { return s.AddService(uuid, true) })
}

// ServerAddIncludedService declares service as a secondary service included by parent.
func (b *Bridge) ServerAddIncludedService(id int, service, parent string) error {
	return b.withServer(id, func(s *role.Server) error { return s.AddIncludedService(service, parent) })
}

// ServerAddCharacteristic declares a characteristic. properties and permissions use the
// Bluetooth bit values; both zero selects read|write|notify with read|write access.
func (b *Bridge) ServerAddCharacteristic(id int, uuid, service string, properties, permissions int) error {
	return b.withServer(id, func(s *role.Server) error {
		return s.AddCharacteristic(uuid, service, gatt.Properties(properties), gatt.Permissions(permissions))
	})
}

func (b *Bridge) ServerAddDescriptor(id int, uuid, characteristic string) error {
	return b.withServer(id, func(s *role.Server) error {
		return s.AddDescriptor(uuid, characteristic, gatt.DefaultPermissions)
	})
}

func (b *Bridge) ServerAdvertiseService(id int, uuid string, advertise bool) error {
	return b.withServer(id, func(s *role.Server) error { return s.AdvertiseService(uuid, advertise) })
}

func (b *Bridge) ServerClearGatt(id int) error {
	return b.withServer(id, func(s *role.Server) error { s.ClearGatt(); return nil })
}

// ServerCheckBluetooth returns the availability code of the server's stack, or a negative
// result code when id does not name a live server.
func (b *Bridge) ServerCheckBluetooth(id int) int {
	code := BtNoServer
	if err := b.withServer(id, func(s *role.Server) error { code = PowerCode(s.CheckBluetooth()); return nil }); err != nil {
		return Code(err)
	}
	return code
}

func (b *Bridge) ServerRequestEnableBt(id int) error {
	return b.withServer(id, func(s *role.Server) error { return s.RequestEnableBt(s.Options().Prompt) })
}

// ServerStartServer publishes the declared hierarchy and returns an availability code, or a
// negative result code when id does not name a live server.
func (b *Bridge) ServerStartServer(id int) int {
	code := BtNoServer
	lerr := b.withServer(id, func(s *role.Server) error {
		switch {
		case s.IsRunning():
			code = BtAlreadyRunning
			return nil
		case len(s.Services()) == 0:
			code = BtNoServer
			return nil
		}
		err := s.StartServer()
		switch {
		case err == nil:
			code = BtNone
		case errors.Is(err, gatt.ErrBluetoothUnavailable):
			code = PowerCode(s.Power())
		default:
			b.logger.WithError(err).WithField("role_id", id).Warn("Server failed to start")
			code = BtUnknown
		}
		return nil
	})
	if lerr != nil {
		return Code(lerr)
	}
	return code
}

func (b *Bridge) ServerStopServer(id int) error {
	return b.withServer(id, func(s *role.Server) error { s.StopServer(); return nil })
}

func (b *Bridge) ServerStartAdvertising(id int) error {
	return b.withServer(id, func(s *role.Server) error { return s.StartAdvertising() })
}

func (b *Bridge) ServerStopAdvertising(id int) error {
	return b.withServer(id, func(s *role.Server) error { s.StopAdvertising(); return nil })
}

func (b *Bridge) ServerNotifyDevice(id int, characteristic, address string) error {
	return b.withServer(id, func(s *role.Server) error { return s.NotifyDevice(characteristic, address) })
}

// ServerWriteCharacteristic replaces the local value; value is copied before the call returns.
func (b *Bridge) ServerWriteCharacteristic(id int, characteristic string, value []byte, notify bool) error {
	return b.withServer(id, func(s *role.Server) error { return s.WriteCharacteristic(characteristic, value, notify) })
}

func (b *Bridge) ServerReadCharacteristic(id int, characteristic string) error {
	return b.withServer(id, func(s *role.Server) error { return s.ReadCharacteristic(characteristic) })
}

func (b *Bridge) ServerWriteDescriptor(id int, descriptor string, value []byte) error {
	return b.withServer(id, func(s *role.Server) error { return s.WriteDescriptor(descriptor, value) })
}

func (b *Bridge) ServerReadDescriptor(id int, descriptor string) error {
	return b.withServer(id, func(s *role.Server) error { return s.ReadDescriptor(descriptor) })
}

func (b *Bridge) ServerHasService(id int, uuid string) bool {
	var v bool
	b.queryServer(id, "ServerHasService", func(s *role.Server) { v = s.HasService(uuid) })
	return v
}

func (b *Bridge) ServerHasCharacteristic(id int, uuid string) bool {
	var v bool
	b.queryServer(id, "ServerHasCharacteristic", func(s *role.Server) { v = s.HasCharacteristic(uuid) })
	return v
}

func (b *Bridge) ServerHasDescriptor(id int, uuid string) bool {
	var v bool
	b.queryServer(id, "ServerHasDescriptor", func(s *role.Server) { v = s.HasDescriptor(uuid) })
	return v
}

// ServerSubscribers lists the centrals subscribed to characteristic.
func (b *Bridge) ServerSubscribers(id int, characteristic string) []string {
	var v []string
	b.queryServer(id, "ServerSubscribers", func(s *role.Server) { v = s.Subscribers(characteristic) })
	return copyList(v)
}

// ServerValue returns a copy of the stored value of characteristic.
func (b *Bridge) ServerValue(id int, characteristic string) ([]byte, bool) {
	var v []byte
	var ok bool
	b.queryServer(id, "ServerValue", func(s *role.Server) { v, ok = s.Value(characteristic) })
	return v, ok
}

func (b *Bridge) ServerOptions(id int) (ServerOptions, error) {
	var o ServerOptions
	err := b.withServer(id, func(s *role.Server) error { o = s.Options(); return nil })
	return o, err
}

func (b *Bridge) updateServer(id int, fn func(o *ServerOptions)) error {
	return b.withServer(id, func(s *role.Server) error {
		o := s.Options()
		fn(&o)
		s.SetOptions(o)
		return nil
	})
}

func (b *Bridge) ServerSetDeviceName(id int, name string) error {
	return b.updateServer(id, func(o *ServerOptions) { o.DeviceName = name })
}

func (b *Bridge) ServerSetAdvertiseDeviceName(id int, on bool) error {
	return b.updateServer(id, func(o *ServerOptions) { o.AdvertiseDeviceName = on })
}

// ServerSetAdvertiseMode accepts 0 (low power), 1 (balanced) or 2 (low latency).
func (b *Bridge) ServerSetAdvertiseMode(id int, mode int) error {
	m := native.AdvertiseMode(mode)
	if m < native.AdvertiseLowPower || m > native.AdvertiseLowLatency {
		return gatt.Errorf(gatt.InvalidState, "unknown advertise mode %d", mode)
	}
	return b.updateServer(id, func(o *ServerOptions) { o.AdvertiseMode = m })
}

func (b *Bridge) ServerSetNotifyChangingDevice(id int, on bool) error {
	return b.updateServer(id, func(o *ServerOptions) { o.NotifyChangingDevice = on })
}

func (b *Bridge) ServerSetReadInternalWrites(id int, on bool) error {
	return b.updateServer(id, func(o *ServerOptions) { o.ReadInternalWrites = on })
}

func (b *Bridge) ServerSetRequestBtTexts(id int, title, message, confirm, deny string) error {
	return b.updateServer(id, func(o *ServerOptions) {
		o.Prompt = native.Prompt{Title: title, Message: message, Confirm: confirm, Deny: deny}
	})
}
