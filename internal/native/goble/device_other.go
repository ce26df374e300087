//go:build !darwin

package goble

import "github.com/go-ble/ble"

func defaultDevice() (ble.Device, error) {
	return nil, errNoBackend
}
