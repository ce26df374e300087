package role

import "fmt"

// HostEventKind enumerates the host callback categories.
type HostEventKind int

const (
	OnAdvertise HostEventKind = iota + 1
	OnBtPower
	OnCharRead
	OnCharWrite
	OnConnectToDevice
	OnDescRead
	OnDescWrite
	OnDeviceConnected
	OnDisconnectFromDevice
	OnDeviceDiscovered
	OnDeviceDisconnect
	OnServiceDiscovered
	OnRequestBt
	OnSentNotification
)

var hostEventNames = [...]string{
	OnAdvertise:            "advertise",
	OnBtPower:              "bt-power",
	OnCharRead:             "char-read",
	OnCharWrite:            "char-write",
	OnConnectToDevice:      "connect-to-device",
	OnDescRead:             "desc-read",
	OnDescWrite:            "desc-write",
	OnDeviceConnected:      "device-connected",
	OnDisconnectFromDevice: "disconnect-from-device",
	OnDeviceDiscovered:     "device-discovered",
	OnDeviceDisconnect:     "device-disconnect",
	OnServiceDiscovered:    "service-discovered",
	OnRequestBt:            "request-bt",
	OnSentNotification:     "sent-notification",
}

func (k HostEventKind) String() string {
	if k > 0 && int(k) < len(hostEventNames) {
		return hostEventNames[k]
	}
	return fmt.Sprintf("host-event(%d)", int(k))
}

// ParseHostEventKind maps a String() name back to its kind.
func ParseHostEventKind(s string) (HostEventKind, bool) {
	for k := OnAdvertise; k <= OnSentNotification; k++ {
		if hostEventNames[k] == s {
			return k, true
		}
	}
	return 0, false
}

// UnknownAddress is reported as the peer address of server-local reads.
const UnknownAddress = "unknown"

// HostEvent is a normalized event forwarded to the host. It carries only strings,
// primitives and a caller-owned copy of the attribute value.
//
// Field usage per kind:
//   - Advertise: Code (0 = advertising started, otherwise it failed or stopped)
//   - BtPower, RequestBt: Success
//   - CharRead, DescRead: UUID, Address, Success, Value
//   - CharWrite, DescWrite: UUID, Success, Value
//   - ConnectToDevice: Address, Name, Success
//   - DeviceConnected, DisconnectFromDevice, DeviceDisconnect: Address, Name
//   - DeviceDiscovered: Address, Name, RSSI
//   - SentNotification: UUID, Success
type HostEvent struct {
	Kind    HostEventKind
	UUID    string
	Address string
	Name    string
	Success bool
	Value   []byte
	RSSI    int
	Code    int
}

// EmitFunc delivers host events. It is always invoked on the dispatch loop.
type EmitFunc func(HostEvent)
