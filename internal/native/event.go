package native

import (
	"fmt"

	"github.com/srg/quickble/internal/gatt"
)

// EventKind classifies inbound stack events.
type EventKind int

const (
	EventPowerChanged EventKind = iota + 1
	EventEnableResult
	EventAdvertiseStarted
	EventDeviceDiscovered
	EventConnected
	EventConnectFailed
	EventDisconnected
	EventServicesDiscovered
	EventCharRead
	EventCharWritten
	EventDescRead
	EventDescWritten
	EventWriteRequest
	EventSubscriptionChanged
	EventNotificationSent
	EventNotification
	EventAdvertiseStopped
	EventScanStopped
)

var eventNames = map[EventKind]string{
	EventPowerChanged:        "power-changed",
	EventEnableResult:        "enable-result",
	EventAdvertiseStarted:    "advertise-started",
	EventDeviceDiscovered:    "device-discovered",
	EventConnected:           "connected",
	EventConnectFailed:       "connect-failed",
	EventDisconnected:        "disconnected",
	EventServicesDiscovered:  "services-discovered",
	EventCharRead:            "char-read",
	EventCharWritten:         "char-written",
	EventDescRead:            "desc-read",
	EventDescWritten:         "desc-written",
	EventWriteRequest:        "write-request",
	EventSubscriptionChanged: "subscription-changed",
	EventNotificationSent:    "notification-sent",
	EventNotification:        "notification",
	EventAdvertiseStopped:    "advertise-stopped",
	EventScanStopped:         "scan-stopped",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is an inbound notification from the stack. UUID fields hold canonical UUIDs.
//
// Field usage per kind:
//   - PowerChanged: Power
//   - EnableResult: Success (user accepted)
//   - AdvertiseStarted: Success, Code (0 on success)
//   - AdvertiseStopped, ScanStopped: Code; sent only when the radio stops on its own
//   - DeviceDiscovered: Address, Name, RSSI, Services
//   - Connected, ConnectFailed, Disconnected: Address, Name, Code
//   - ServicesDiscovered: Address, Profile, Success
//   - CharRead, CharWritten, Notification: Address, Service, Characteristic, Value, Success
//   - DescRead, DescWritten: Address, Service, Characteristic, Descriptor, Value, Success
//   - WriteRequest: Address, Service, Characteristic, Descriptor (optional), Value
//   - SubscriptionChanged: Address, Service, Characteristic, Enabled
//   - NotificationSent: Address, Service, Characteristic, Success
type Event struct {
	Handle Handle
	Kind   EventKind

	Address string
	Name    string
	RSSI    int

	Service        string
	Characteristic string
	Descriptor     string
	Value          []byte

	Success bool
	Enabled bool
	Code    int
	Power   PowerState

	Services []string
	Profile  *gatt.Profile
}

// Clone returns a deep copy of the event, so that stacks may reuse their buffers.
func (e Event) Clone() Event {
	c := e
	if e.Value != nil {
		c.Value = append([]byte{}, e.Value...)
	}
	if e.Services != nil {
		c.Services = append([]string{}, e.Services...)
	}
	return c
}
