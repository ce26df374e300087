package quickble

import (
	"errors"

	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/native"
	"github.com/srg/quickble/internal/role"
)

func (b *Bridge) ClientIsScanning(id int) bool {
	var v bool
	b.queryClient(id, "ClientIsScanning", func(c *role.Client) { v = c.IsScanning() })
	return v
}

func (b *Bridge) ClientIsConnected(id int) bool {
	var v bool
	b.queryClient(id, "ClientIsConnected", func(c *role.Client) { v = c.IsConnected() })
	return v
}

// ClientServices lists the services of the connected device. The slice belongs to the caller.
func (b *Bridge) ClientServices(id int) []string {
	var v []string
	b.queryClient(id, "ClientServices", func(c *role.Client) { v = c.Services() })
	return copyList(v)
}

func (b *Bridge) ClientCharacteristics(id int) []string {
	var v []string
	b.queryClient(id, "ClientCharacteristics", func(c *role.Client) { v = c.Characteristics() })
	return copyList(v)
}

func (b *Bridge) ClientDescriptors(id int) []string {
	var v []string
	b.queryClient(id, "ClientDescriptors", func(c *role.Client) { v = c.Descriptors() })
	return copyList(v)
}

// ClientScanServices lists the scan filter.
func (b *Bridge) ClientScanServices(id int) []string {
	var v []string
	b.queryClient(id, "ClientScanServices", func(c *role.Client) { v = c.ScanServices() })
	return copyList(v)
}

func (b *Bridge) ClientScanForService(id int, uuid string, scanFor bool) error {
	return b.withClient(id, func(c *role.Client) error { return c.ScanForService(uuid, scanFor) })
}

// ClientCheckBluetooth returns the availability code of the client's stack, or a negative
// result code when id does not name a live client.
func (b *Bridge) ClientCheckBluetooth(id int) int {
	code := BtUnknown
	if err := b.withClient(id, func(c *role.Client) error { code = PowerCode(c.CheckBluetooth()); return nil }); err != nil {
		return Code(err)
	}
	return code
}

func (b *Bridge) ClientRequestEnableBt(id int) error {
	return b.withClient(id, func(c *role.Client) error { return c.RequestEnableBt(c.Options().Prompt) })
}

// ClientScanForDevices starts scanning and returns an availability code, or a negative result
// code when id does not name a live client.
func (b *Bridge) ClientScanForDevices(id int) int {
	code := BtUnknown
	lerr := b.withClient(id, func(c *role.Client) error {
		err := c.ScanForDevices()
		switch {
		case err == nil:
			code = BtNone
		case errors.Is(err, gatt.ErrBluetoothUnavailable):
			code = PowerCode(c.Power())
		case errors.Is(err, gatt.ErrInvalidState):
			code = BtAlreadyRunning
		default:
			b.logger.WithError(err).WithField("role_id", id).Warn("Scan failed to start")
		}
		return nil
	})
	if lerr != nil {
		return Code(lerr)
	}
	return code
}

func (b *Bridge) ClientStopScanning(id int) error {
	return b.withClient(id, func(c *role.Client) error { c.StopScanning(); return nil })
}

func (b *Bridge) ClientConnectToDevice(id int, address string) error {
	return b.withClient(id, func(c *role.Client) error { return c.ConnectToDevice(address) })
}

func (b *Bridge) ClientDisconnect(id int) error {
	return b.withClient(id, func(c *role.Client) error { return c.Disconnect() })
}

func (b *Bridge) ClientSubscribeToCharacteristic(id int, characteristic string, subscribe bool) error {
	return b.withClient(id, func(c *role.Client) error {
		_, err := c.SubscribeToCharacteristic(characteristic, subscribe)
		return err
	})
}

func (b *Bridge) ClientReadCharacteristic(id int, characteristic string) error {
	return b.withClient(id, func(c *role.Client) error {
		_, err := c.ReadCharacteristic(characteristic)
		return err
	})
}

// ClientWriteCharacteristic queues a write; value is copied before the call returns.
func (b *Bridge) ClientWriteCharacteristic(id int, characteristic string, value []byte) error {
	return b.withClient(id, func(c *role.Client) error {
		_, err := c.WriteCharacteristic(characteristic, value)
		return err
	})
}

func (b *Bridge) ClientReadDescriptor(id int, descriptor string) error {
	return b.withClient(id, func(c *role.Client) error {
		_, err := c.ReadDescriptor(descriptor)
		return err
	})
}

func (b *Bridge) ClientWriteDescriptor(id int, descriptor string, value []byte) error {
	return b.withClient(id, func(c *role.Client) error {
		_, err := c.WriteDescriptor(descriptor, value)
		return err
	})
}

func (b *Bridge) ClientHasService(id int, uuid string) bool {
	var v bool
	b.queryClient(id, "ClientHasService", func(c *role.Client) { v = c.HasService(uuid) })
	return v
}

func (b *Bridge) ClientHasCharacteristic(id int, uuid string) bool {
	var v bool
	b.queryClient(id, "ClientHasCharacteristic", func(c *role.Client) { v = c.HasCharacteristic(uuid) })
	return v
}

func (b *Bridge) ClientHasDescriptor(id int, uuid string) bool {
	var v bool
	b.queryClient(id, "ClientHasDescriptor", func(c *role.Client) { v = c.HasDescriptor(uuid) })
	return v
}

// ClientDevices lists the discovered devices in first-seen order.
func (b *Bridge) ClientDevices(id int) []role.PeerInfo {
	var v []role.PeerInfo
	b.queryClient(id, "ClientDevices", func(c *role.Client) { v = c.Peers() })
	return v
}

// ClientValue returns a copy of the last value read from or written to characteristic on the
// connected device.
func (b *Bridge) ClientValue(id int, characteristic string) ([]byte, bool) {
	var v []byte
	var ok bool
	b.queryClient(id, "ClientValue", func(c *role.Client) { v, ok = c.Value(characteristic) })
	return v, ok
}

// ClientDescriptorValue is ClientValue for descriptors.
func (b *Bridge) ClientDescriptorValue(id int, descriptor string) ([]byte, bool) {
	var v []byte
	var ok bool
	b.queryClient(id, "ClientDescriptorValue", func(c *role.Client) { v, ok = c.DescriptorValue(descriptor) })
	return v, ok
}

func (b *Bridge) ClientOptions(id int) (ClientOptions, error) {
	var o ClientOptions
	err := b.withClient(id, func(c *role.Client) error { o = c.Options(); return nil })
	return o, err
}

func (b *Bridge) updateClient(id int, fn func(o *ClientOptions)) error {
	return b.withClient(id, func(c *role.Client) error {
		o := c.Options()
		fn(&o)
		c.SetOptions(o)
		return nil
	})
}

func (b *Bridge) ClientSetContinuousScan(id int, on bool) error {
	return b.updateClient(id, func(o *ClientOptions) { o.ContinuousScan = on })
}

func (b *Bridge) ClientSetRequestBtTexts(id int, title, message, confirm, deny string) error {
	return b.updateClient(id, func(o *ClientOptions) {
		o.Prompt = native.Prompt{Title: title, Message: message, Confirm: confirm, Deny: deny}
	})
}
