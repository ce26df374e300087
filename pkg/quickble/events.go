package quickble

import (
	"github.com/srg/quickble/internal/role"
)

// EventKind identifies one of the host callbacks.
type EventKind = role.HostEventKind

const (
	EventAdvertise            = role.OnAdvertise
	EventBtPower              = role.OnBtPower
	EventCharRead             = role.OnCharRead
	EventCharWrite            = role.OnCharWrite
	EventConnectToDevice      = role.OnConnectToDevice
	EventDescRead             = role.OnDescRead
	EventDescWrite            = role.OnDescWrite
	EventDeviceConnected      = role.OnDeviceConnected
	EventDisconnectFromDevice = role.OnDisconnectFromDevice
	EventDeviceDiscovered     = role.OnDeviceDiscovered
	EventDeviceDisconnect     = role.OnDeviceDisconnect
	EventServiceDiscovered    = role.OnServiceDiscovered
	EventRequestBt            = role.OnRequestBt
	EventSentNotification     = role.OnSentNotification
)

// ParseEventKind maps an event name such as "char-read" to its kind.
func ParseEventKind(name string) (EventKind, bool) {
	return role.ParseHostEventKind(name)
}

// Event is a host event tagged with the identity of the role that produced it.
// Value is a copy owned by the receiver.
type Event struct {
	Role    int
	Kind    EventKind
	UUID    string
	Address string
	Name    string
	Success bool
	Value   []byte
	RSSI    int
	Code    int
}

func newEvent(id int, ev role.HostEvent) Event {
	out := Event{
		Role:    id,
		Kind:    ev.Kind,
		UUID:    ev.UUID,
		Address: ev.Address,
		Name:    ev.Name,
		Success: ev.Success,
		RSSI:    ev.RSSI,
		Code:    ev.Code,
	}
	if ev.Value != nil {
		out.Value = append([]byte{}, ev.Value...)
	}
	return out
}

// Callbacks are the per-role host callbacks. Every field is optional. Callbacks run on the
// dispatch loop; calling back into the Bridge from a callback is allowed. Byte slices are
// copies owned by the callee.
type Callbacks struct {
	OnAdvertise            func(id int, code int)
	OnBtPower              func(id int, enabled bool)
	OnCharRead             func(id int, uuid, address string, success bool, value []byte)
	OnCharWrite            func(id int, uuid string, success bool, value []byte)
	OnConnectToDevice      func(id int, address, name string, success bool)
	OnDescRead             func(id int, uuid, address string, success bool, value []byte)
	OnDescWrite            func(id int, uuid string, success bool, value []byte)
	OnDeviceConnected      func(id int, address, name string)
	OnDisconnectFromDevice func(id int, address, name string)
	OnDeviceDiscovered     func(id int, address, name string, rssi int)
	OnDeviceDisconnect     func(id int, address, name string)
	OnServiceDiscovered    func(id int)
	OnRequestBt            func(id int, enabled bool)
	OnSentNotification     func(id int, uuid string, success bool)
}

func (cb *Callbacks) deliver(ev Event) {
	id := ev.Role
	switch ev.Kind {
	case EventAdvertise:
		if cb.OnAdvertise != nil {
			cb.OnAdvertise(id, ev.Code)
		}
	case EventBtPower:
		if cb.OnBtPower != nil {
			cb.OnBtPower(id, ev.Success)
		}
	case EventCharRead:
		if cb.OnCharRead != nil {
			cb.OnCharRead(id, ev.UUID, ev.Address, ev.Success, ev.Value)
		}
	case EventCharWrite:
		if cb.OnCharWrite != nil {
			cb.OnCharWrite(id, ev.UUID, ev.Success, ev.Value)
		}
	case EventConnectToDevice:
		if cb.OnConnectToDevice != nil {
			cb.OnConnectToDevice(id, ev.Address, ev.Name, ev.Success)
		}
	case EventDescRead:
		if cb.OnDescRead != nil {
			cb.OnDescRead(id, ev.UUID, ev.Address, ev.Success, ev.Value)
		}
	case EventDescWrite:
		if cb.OnDescWrite != nil {
			cb.OnDescWrite(id, ev.UUID, ev.Success, ev.Value)
		}
	case EventDeviceConnected:
		if cb.OnDeviceConnected != nil {
			cb.OnDeviceConnected(id, ev.Address, ev.Name)
		}
	case EventDisconnectFromDevice:
		if cb.OnDisconnectFromDevice != nil {
			cb.OnDisconnectFromDevice(id, ev.Address, ev.Name)
		}
	case EventDeviceDiscovered:
		if cb.OnDeviceDiscovered != nil {
			cb.OnDeviceDiscovered(id, ev.Address, ev.Name, ev.RSSI)
		}
	case EventDeviceDisconnect:
		if cb.OnDeviceDisconnect != nil {
			cb.OnDeviceDisconnect(id, ev.Address, ev.Name)
		}
	case EventServiceDiscovered:
		if cb.OnServiceDiscovered != nil {
			cb.OnServiceDiscovered(id)
		}
	case EventRequestBt:
		if cb.OnRequestBt != nil {
			cb.OnRequestBt(id, ev.Success)
		}
	case EventSentNotification:
		if cb.OnSentNotification != nil {
			cb.OnSentNotification(id, ev.UUID, ev.Success)
		}
	}
}
