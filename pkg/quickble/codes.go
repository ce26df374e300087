package quickble

import (
	"github.com/srg/quickble/internal/gatt"
	"github.com/srg/quickble/internal/native"
)

// Result codes returned across the integer boundary. Zero is success; every error kind has
// its own negative code.
const (
	ResultOK                   = 0
	ResultUnknownID            = -1
	ResultUnknownParent        = -2
	ResultBluetoothUnavailable = -3
	ResultNotConnected         = -4
	ResultInvalidState         = -5
	ResultNativeFailure        = -6
	ResultNotFound             = -7
	ResultInternal             = -99
)

// Code maps an error returned by the Bridge to its result code.
func Code(err error) int {
	if err == nil {
		return ResultOK
	}
	switch gatt.KindOf(err) {
	case gatt.UnknownID:
		return ResultUnknownID
	case gatt.UnknownParent:
		return ResultUnknownParent
	case gatt.BluetoothUnavailable:
		return ResultBluetoothUnavailable
	case gatt.NotConnected:
		return ResultNotConnected
	case gatt.InvalidState:
		return ResultInvalidState
	case gatt.NativeFailure:
		return ResultNativeFailure
	case gatt.NotFound:
		return ResultNotFound
	default:
		return ResultInternal
	}
}

// Bluetooth availability codes returned by CheckBluetooth, StartServer and ScanForDevices.
const (
	BtNone           = 0
	BtNoBluetooth    = 1
	BtNoBLE          = 2
	BtDisabled       = 3
	BtNoServer       = 4
	BtAlreadyRunning = 5
	BtUnknown        = 6
)

// PowerCode maps the power tri-state to its availability code.
func PowerCode(p native.PowerState) int {
	switch p {
	case native.PowerEnabled:
		return BtNone
	case native.PowerDisabled:
		return BtDisabled
	default:
		return BtNoBLE
	}
}
