package main

import (
	"errors"
	"fmt"

	"github.com/srg/quickble/internal/lua"
	"github.com/srg/quickble/pkg/quickble"
)

// BluetoothError reports a non-zero availability code from starting a role.
type BluetoothError struct {
	Op   string
	Code int
}

func (e *BluetoothError) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Op, btMessage(e.Code), e.Code)
}

func btMessage(code int) string {
	switch code {
	case quickble.BtNoBluetooth:
		return "no Bluetooth adapter found"
	case quickble.BtNoBLE:
		return "the adapter does not support Bluetooth Low Energy"
	case quickble.BtDisabled:
		return "Bluetooth is turned off"
	case quickble.BtNoServer:
		return "no services declared"
	case quickble.BtAlreadyRunning:
		return "already running"
	default:
		return "unknown Bluetooth failure"
	}
}

// FormatUserError turns an error into the single line printed by main.
func FormatUserError(err error) string {
	var bt *BluetoothError
	if errors.As(err, &bt) {
		if bt.Code == quickble.BtDisabled {
			return bt.Error() + "; turn Bluetooth on and retry"
		}
		return bt.Error()
	}
	var le *lua.LuaError
	if errors.As(err, &le) {
		return le.Error()
	}
	return err.Error()
}
