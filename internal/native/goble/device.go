// Package goble implements native.Stack on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/quickble/internal/native"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = defaultDevice

// Client is the part of ble.Client the adapter drives.
type Client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// Dial connects to a peripheral (can be overridden in tests).
var Dial = func(ctx context.Context, dev ble.Device, address string) (Client, error) {
	return dev.Dial(ctx, ble.NewAddr(address))
}

var errNoBackend = errors.New("no BLE backend for this platform: unsupported")

// shared hands one ble.Device to every stack of the process; HCI and CoreBluetooth both
// expect a single owner per adapter.
var shared struct {
	mu   sync.Mutex
	dev  ble.Device
	refs int
}

func acquireDevice() (ble.Device, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.dev == nil {
		dev, err := DeviceFactory()
		if err != nil {
			return nil, fmt.Errorf("failed to create BLE device: %w", err)
		}
		shared.dev = dev
	}
	shared.refs++
	return shared.dev, nil
}

func releaseDevice() error {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.refs == 0 {
		return nil
	}
	shared.refs--
	if shared.refs > 0 || shared.dev == nil {
		return nil
	}
	dev := shared.dev
	shared.dev = nil
	return dev.Stop()
}

// powerFromError maps a device creation failure onto the power tri-state.
func powerFromError(err error) native.PowerState {
	if err == nil {
		return native.PowerEnabled
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unsupported"), strings.Contains(msg, "not supported"):
		return native.PowerUnsupported
	case strings.Contains(msg, "turned off"),
		strings.Contains(msg, "powered off"),
		strings.Contains(msg, "invalid state"),
		strings.Contains(msg, "is bluetooth turned on"):
		return native.PowerDisabled
	default:
		return native.PowerUnsupported
	}
}

// advertiseCode maps a go-ble advertising error onto the host advertise error codes.
func advertiseCode(err error) int {
	if err == nil {
		return native.AdvertiseOK
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already"):
		return native.AdvertiseErrAlreadyStarted
	case strings.Contains(msg, "too large"), strings.Contains(msg, "too long"), strings.Contains(msg, "exceed"):
		return native.AdvertiseErrDataTooLarge
	case strings.Contains(msg, "too many"):
		return native.AdvertiseErrTooManyAdvertisers
	case strings.Contains(msg, "not supported"), strings.Contains(msg, "unsupported"):
		return native.AdvertiseErrUnsupported
	default:
		return native.AdvertiseErrInternal
	}
}

// attCode extracts the ATT status from a GATT error, or 0 if there is none.
func attCode(err error) int {
	var att ble.ATTError
	if errors.As(err, &att) {
		return int(att)
	}
	return 0
}

func normalizeAddress(a string) string {
	return strings.ToUpper(strings.TrimSpace(a))
}
