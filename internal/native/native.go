// Package native defines the boundary between the session core and a platform Bluetooth stack.
//
// Outbound requests go through Stack. Every request is non-blocking: the outcome arrives later
// as an Event delivered to the sink the stack was created with. Stacks may call the sink from
// any goroutine.
package native

import (
	"github.com/srg/quickble/internal/gatt"
)

// Handle identifies the role a stack belongs to. Events carry it back so the dispatcher
// can find the role without holding a reference to it.
type Handle uint64

// PowerState is the Bluetooth availability tri-state.
type PowerState int

const (
	PowerUnsupported PowerState = iota
	PowerDisabled
	PowerEnabled
)

func (p PowerState) String() string {
	switch p {
	case PowerUnsupported:
		return "unsupported"
	case PowerDisabled:
		return "disabled"
	case PowerEnabled:
		return "enabled"
	default:
		return "unknown"
	}
}

// AdvertiseMode trades advertising interval against power consumption.
type AdvertiseMode int

const (
	AdvertiseLowPower AdvertiseMode = iota
	AdvertiseBalanced
	AdvertiseLowLatency
)

func (m AdvertiseMode) String() string {
	switch m {
	case AdvertiseLowPower:
		return "low-power"
	case AdvertiseBalanced:
		return "balanced"
	case AdvertiseLowLatency:
		return "low-latency"
	default:
		return "unknown"
	}
}

// ParseAdvertiseMode accepts the String() names.
func ParseAdvertiseMode(s string) (AdvertiseMode, bool) {
	for _, m := range []AdvertiseMode{AdvertiseLowPower, AdvertiseBalanced, AdvertiseLowLatency} {
		if m.String() == s {
			return m, true
		}
	}
	return AdvertiseBalanced, false
}

// Advertisement describes what the server role broadcasts.
type Advertisement struct {
	Name        string
	IncludeName bool
	Services    []string
	Mode        AdvertiseMode
}

// Prompt carries the texts of the platform "enable Bluetooth" dialog.
type Prompt struct {
	Title   string
	Message string
	Confirm string
	Deny    string
}

// ValueSource serves attribute values to remote readers. Implementations must be safe for
// concurrent use; *gatt.Values satisfies it.
type ValueSource interface {
	Get(key string) ([]byte, bool)
}

// Stack is the outbound half of a platform Bluetooth stack bound to a single role.
type Stack interface {
	State() PowerState
	RequestEnable(p Prompt) error

	// Server role
	Publish(profile gatt.Profile, values ValueSource) error
	Withdraw() error
	StartAdvertising(ad Advertisement) error
	StopAdvertising() error
	Notify(address string, c gatt.Characteristic, value []byte) error
	CancelPeer(address string) error

	// Client role
	StartScan(filter []string, allowDuplicates bool) error
	StopScan() error
	Connect(address string) error
	Disconnect(address string) error
	ReadCharacteristic(address string, c gatt.Characteristic) error
	WriteCharacteristic(address string, c gatt.Characteristic, value []byte, noResponse bool) error
	ReadDescriptor(address string, d gatt.Descriptor) error
	WriteDescriptor(address string, d gatt.Descriptor, value []byte) error
	SetNotify(address string, c gatt.Characteristic, enable bool) error

	Close() error
}

// Sink receives inbound events.
type Sink func(Event)

// Factory creates the stack for a newly created role.
type Factory func(h Handle, sink Sink) (Stack, error)

// Advertise outcome codes reported through EventAdvertiseStarted.Code.
const (
	AdvertiseOK                    = 0
	AdvertiseErrDataTooLarge       = 1
	AdvertiseErrTooManyAdvertisers = 2
	AdvertiseErrAlreadyStarted     = 3
	AdvertiseErrInternal           = 4
	AdvertiseErrUnsupported        = 5
)
