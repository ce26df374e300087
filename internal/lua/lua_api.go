package lua

import (
	"fmt"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/srg/quickble/internal/profile"
	"github.com/srg/quickble/pkg/quickble"
)

// register installs the global quickble table:
//
//	local srv = quickble.server()
//	srv:add_service("180D")
//	srv:add_characteristic("2A37", "180D", {"read", "notify"})
//	srv:on("advertise", function(ev) print(ev.code) end)
//	srv:start()
//	quickble.run(5)
//
// Mutating methods return true, or nil plus an error message and result code.
func (h *Host) register(L *lua.State) {
	L.NewTable()

	h.fn(L, "server", func(L *lua.State) int {
		id, err := h.bridge.CreateServer(quickble.Callbacks{})
		if err != nil {
			return pushResult(L, err)
		}
		h.adopt(id)
		h.pushServer(L, id)
		return 1
	})
	h.fn(L, "client", func(L *lua.State) int {
		id, err := h.bridge.CreateClient(quickble.Callbacks{})
		if err != nil {
			return pushResult(L, err)
		}
		h.adopt(id)
		h.pushClient(L, id)
		return 1
	})
	h.fn(L, "on", func(L *lua.State) int { return h.on(L, 0, 1, 2) })
	h.fn(L, "run", func(L *lua.State) int {
		var timeout time.Duration
		if L.IsNumber(1) {
			timeout = time.Duration(L.ToNumber(1) * float64(time.Second))
		}
		L.PushInteger(int64(h.pump(L, timeout)))
		return 1
	})
	h.fn(L, "stop", func(L *lua.State) int {
		h.stopped = true
		return 0
	})

	codes := map[string]int{
		"OK":                    quickble.ResultOK,
		"UNKNOWN_ID":            quickble.ResultUnknownID,
		"UNKNOWN_PARENT":        quickble.ResultUnknownParent,
		"BLUETOOTH_UNAVAILABLE": quickble.ResultBluetoothUnavailable,
		"NOT_CONNECTED":         quickble.ResultNotConnected,
		"INVALID_STATE":         quickble.ResultInvalidState,
		"NATIVE_FAILURE":        quickble.ResultNativeFailure,
		"NOT_FOUND":             quickble.ResultNotFound,
		"BT_NONE":               quickble.BtNone,
		"BT_NO_BLUETOOTH":       quickble.BtNoBluetooth,
		"BT_NO_BLE":             quickble.BtNoBLE,
		"BT_DISABLED":           quickble.BtDisabled,
		"BT_NO_SERVER":          quickble.BtNoServer,
		"BT_ALREADY_RUNNING":    quickble.BtAlreadyRunning,
		"BT_UNKNOWN":            quickble.BtUnknown,
	}
	for name, code := range codes {
		L.PushInteger(int64(code))
		L.SetField(-2, name)
	}

	L.SetGlobal("quickble")
}

// fn sets a wrapped Go function as field name of the table on top of the stack.
func (h *Host) fn(L *lua.State, name string, f lua.LuaGoFunction) {
	L.PushGoFunction(h.engine.SafeWrap(name, f))
	L.SetField(-2, name)
}

// roleTable pushes the fields shared by server and client objects. Methods are called with
// the colon syntax, so argument 1 is the object itself.
func (h *Host) roleTable(L *lua.State, id int) {
	L.NewTable()
	L.PushInteger(int64(id))
	L.SetField(-2, "id")
	h.fn(L, "on", func(L *lua.State) int { return h.on(L, id, 2, 3) })
	h.fn(L, "destroy", func(L *lua.State) int {
		h.release(id)
		return 0
	})
}

func (h *Host) pushServer(L *lua.State, id int) {
	b := h.bridge
	h.roleTable(L, id)

	h.fn(L, "add_service", func(L *lua.State) int {
		return pushResult(L, b.ServerAddService(id, checkString(L, 2)))
	})
	h.fn(L, "add_included_service", func(L *lua.State) int {
		return pushResult(L, b.ServerAddIncludedService(id, checkString(L, 2), checkString(L, 3)))
	})
	h.fn(L, "add_characteristic", func(L *lua.State) int {
		props, perms, err := checkAccess(L, 4, 5)
		if err != nil {
			L.RaiseError(err.Error())
			return 0
		}
		return pushResult(L, b.ServerAddCharacteristic(id, checkString(L, 2), checkString(L, 3), props, perms))
	})
	h.fn(L, "add_descriptor", func(L *lua.State) int {
		return pushResult(L, b.ServerAddDescriptor(id, checkString(L, 2), checkString(L, 3)))
	})
	h.fn(L, "advertise_service", func(L *lua.State) int {
		return pushResult(L, b.ServerAdvertiseService(id, checkString(L, 2), optBool(L, 3, true)))
	})
	h.fn(L, "clear", func(L *lua.State) int {
		return pushResult(L, b.ServerClearGatt(id))
	})
	h.fn(L, "load_profile", func(L *lua.State) int {
		p, err := profile.Load(checkString(L, 2))
		if err != nil {
			L.PushNil()
			L.PushString(err.Error())
			return 2
		}
		return pushResult(L, profile.Apply(b, id, p, h.logger))
	})

	h.fn(L, "check_bluetooth", func(L *lua.State) int {
		L.PushInteger(int64(b.ServerCheckBluetooth(id)))
		return 1
	})
	h.fn(L, "request_enable_bt", func(L *lua.State) int {
		return pushResult(L, b.ServerRequestEnableBt(id))
	})
	h.fn(L, "start", func(L *lua.State) int {
		L.PushInteger(int64(b.ServerStartServer(id)))
		return 1
	})
	h.fn(L, "stop", func(L *lua.State) int {
		return pushResult(L, b.ServerStopServer(id))
	})
	h.fn(L, "start_advertising", func(L *lua.State) int {
		return pushResult(L, b.ServerStartAdvertising(id))
	})
	h.fn(L, "stop_advertising", func(L *lua.State) int {
		return pushResult(L, b.ServerStopAdvertising(id))
	})

	h.fn(L, "write", func(L *lua.State) int {
		v, err := checkBytes(L, 3)
		if err != nil {
			L.RaiseError(err.Error())
			return 0
		}
		return pushResult(L, b.ServerWriteCharacteristic(id, checkString(L, 2), v, optBool(L, 4, false)))
	})
	h.fn(L, "read", func(L *lua.State) int {
		return pushResult(L, b.ServerReadCharacteristic(id, checkString(L, 2)))
	})
	h.fn(L, "write_descriptor", func(L *lua.State) int {
		v, err := checkBytes(L, 3)
		if err != nil {
			L.RaiseError(err.Error())
			return 0
		}
		return pushResult(L, b.ServerWriteDescriptor(id, checkString(L, 2), v))
	})
	h.fn(L, "read_descriptor", func(L *lua.State) int {
		return pushResult(L, b.ServerReadDescriptor(id, checkString(L, 2)))
	})
	h.fn(L, "notify", func(L *lua.State) int {
		return pushResult(L, b.ServerNotifyDevice(id, checkString(L, 2), checkString(L, 3)))
	})
	h.fn(L, "value", func(L *lua.State) int {
		v, ok := b.ServerValue(id, checkString(L, 2))
		if !ok {
			L.PushNil()
			return 1
		}
		L.PushBytes(v)
		return 1
	})

	h.fn(L, "is_running", func(L *lua.State) int {
		L.PushBoolean(b.ServerIsRunning(id))
		return 1
	})
	h.fn(L, "is_advertising", func(L *lua.State) int {
		L.PushBoolean(b.ServerIsAdvertising(id))
		return 1
	})
	h.fn(L, "services", func(L *lua.State) int {
		pushStrings(L, b.ServerServices(id))
		return 1
	})
	h.fn(L, "characteristics", func(L *lua.State) int {
		pushStrings(L, b.ServerCharacteristics(id))
		return 1
	})
	h.fn(L, "descriptors", func(L *lua.State) int {
		pushStrings(L, b.ServerDescriptors(id))
		return 1
	})
	h.fn(L, "subscribers", func(L *lua.State) int {
		pushStrings(L, b.ServerSubscribers(id, checkString(L, 2)))
		return 1
	})

	h.fn(L, "set_device_name", func(L *lua.State) int {
		return pushResult(L, b.ServerSetDeviceName(id, checkString(L, 2)))
	})
	h.fn(L, "set_advertise_device_name", func(L *lua.State) int {
		return pushResult(L, b.ServerSetAdvertiseDeviceName(id, optBool(L, 2, true)))
	})
	h.fn(L, "set_advertise_mode", func(L *lua.State) int {
		return pushResult(L, b.ServerSetAdvertiseMode(id, checkInt(L, 2)))
	})
	h.fn(L, "set_notify_changing_device", func(L *lua.State) int {
		return pushResult(L, b.ServerSetNotifyChangingDevice(id, optBool(L, 2, true)))
	})
	h.fn(L, "set_read_internal_writes", func(L *lua.State) int {
		return pushResult(L, b.ServerSetReadInternalWrites(id, optBool(L, 2, true)))
	})
}

func (h *Host) pushClient(L *lua.State, id int) {
	b := h.bridge
	h.roleTable(L, id)

	h.fn(L, "scan_for_service", func(L *lua.State) int {
		return pushResult(L, b.ClientScanForService(id, checkString(L, 2), optBool(L, 3, true)))
	})
	h.fn(L, "check_bluetooth", func(L *lua.State) int {
		L.PushInteger(int64(b.ClientCheckBluetooth(id)))
		return 1
	})
	h.fn(L, "request_enable_bt", func(L *lua.State) int {
		return pushResult(L, b.ClientRequestEnableBt(id))
	})
	h.fn(L, "scan", func(L *lua.State) int {
		L.PushInteger(int64(b.ClientScanForDevices(id)))
		return 1
	})
	h.fn(L, "stop_scan", func(L *lua.State) int {
		return pushResult(L, b.ClientStopScanning(id))
	})
	h.fn(L, "set_continuous_scan", func(L *lua.State) int {
		return pushResult(L, b.ClientSetContinuousScan(id, optBool(L, 2, true)))
	})
	h.fn(L, "connect", func(L *lua.State) int {
		return pushResult(L, b.ClientConnectToDevice(id, checkString(L, 2)))
	})
	h.fn(L, "disconnect", func(L *lua.State) int {
		return pushResult(L, b.ClientDisconnect(id))
	})

	h.fn(L, "read", func(L *lua.State) int {
		return pushResult(L, b.ClientReadCharacteristic(id, checkString(L, 2)))
	})
	h.fn(L, "write", func(L *lua.State) int {
		v, err := checkBytes(L, 3)
		if err != nil {
			L.RaiseError(err.Error())
			return 0
		}
		return pushResult(L, b.ClientWriteCharacteristic(id, checkString(L, 2), v))
	})
	h.fn(L, "subscribe", func(L *lua.State) int {
		return pushResult(L, b.ClientSubscribeToCharacteristic(id, checkString(L, 2), optBool(L, 3, true)))
	})
	h.fn(L, "read_descriptor", func(L *lua.State) int {
		return pushResult(L, b.ClientReadDescriptor(id, checkString(L, 2)))
	})
	h.fn(L, "write_descriptor", func(L *lua.State) int {
		v, err := checkBytes(L, 3)
		if err != nil {
			L.RaiseError(err.Error())
			return 0
		}
		return pushResult(L, b.ClientWriteDescriptor(id, checkString(L, 2), v))
	})

	h.fn(L, "value", func(L *lua.State) int {
		v, ok := b.ClientValue(id, checkString(L, 2))
		if !ok {
			L.PushNil()
			return 1
		}
		L.PushBytes(v)
		return 1
	})

	h.fn(L, "is_scanning", func(L *lua.State) int {
		L.PushBoolean(b.ClientIsScanning(id))
		return 1
	})
	h.fn(L, "is_connected", func(L *lua.State) int {
		L.PushBoolean(b.ClientIsConnected(id))
		return 1
	})
	h.fn(L, "services", func(L *lua.State) int {
		pushStrings(L, b.ClientServices(id))
		return 1
	})
	h.fn(L, "characteristics", func(L *lua.State) int {
		pushStrings(L, b.ClientCharacteristics(id))
		return 1
	})
	h.fn(L, "descriptors", func(L *lua.State) int {
		pushStrings(L, b.ClientDescriptors(id))
		return 1
	})
	h.fn(L, "devices", func(L *lua.State) int {
		devices := b.ClientDevices(id)
		L.NewTable()
		for i, d := range devices {
			L.NewTable()
			L.PushString(d.Address)
			L.SetField(-2, "address")
			L.PushString(d.Name)
			L.SetField(-2, "name")
			L.PushInteger(int64(d.RSSI))
			L.SetField(-2, "rssi")
			L.PushString(d.State.String())
			L.SetField(-2, "state")
			pushStrings(L, d.Services)
			L.SetField(-2, "services")
			L.RawSeti(-2, i+1)
		}
		return 1
	})
}

// pushEvent pushes ev as a table. Values are Lua strings holding the raw bytes.
func pushEvent(L *lua.State, ev quickble.Event) {
	L.NewTable()
	L.PushInteger(int64(ev.Role))
	L.SetField(-2, "role")
	L.PushString(ev.Kind.String())
	L.SetField(-2, "kind")
	if ev.UUID != "" {
		L.PushString(ev.UUID)
		L.SetField(-2, "uuid")
	}
	if ev.Address != "" {
		L.PushString(ev.Address)
		L.SetField(-2, "address")
	}
	if ev.Name != "" {
		L.PushString(ev.Name)
		L.SetField(-2, "name")
	}
	L.PushBoolean(ev.Success)
	L.SetField(-2, "success")
	if ev.Value != nil {
		L.PushBytes(ev.Value)
		L.SetField(-2, "value")
	}
	L.PushInteger(int64(ev.RSSI))
	L.SetField(-2, "rssi")
	L.PushInteger(int64(ev.Code))
	L.SetField(-2, "code")
}

func pushResult(L *lua.State, err error) int {
	if err == nil {
		L.PushBoolean(true)
		return 1
	}
	L.PushNil()
	L.PushString(err.Error())
	L.PushInteger(int64(quickble.Code(err)))
	return 3
}

func pushStrings(L *lua.State, list []string) {
	L.NewTable()
	for i, s := range list {
		L.PushString(s)
		L.RawSeti(-2, i+1)
	}
}

func optBool(L *lua.State, idx int, def bool) bool {
	if L.IsNoneOrNil(idx) {
		return def
	}
	return L.ToBoolean(idx)
}

// checkBytes accepts a string of raw bytes or an array of numbers.
func checkBytes(L *lua.State, idx int) ([]byte, error) {
	switch {
	case L.Type(idx) == lua.LUA_TSTRING:
		return L.ToBytes(idx), nil
	case L.IsTable(idx):
		n := int(L.ObjLen(idx))
		out := make([]byte, n)
		for i := 1; i <= n; i++ {
			L.RawGeti(idx, i)
			if !L.IsNumber(-1) {
				L.Pop(1)
				return nil, fmt.Errorf("byte %d is not a number", i)
			}
			v := L.ToInteger(-1)
			L.Pop(1)
			if v < 0 || v > 0xff {
				return nil, fmt.Errorf("byte %d out of range: %d", i, v)
			}
			out[i-1] = byte(v)
		}
		return out, nil
	case L.IsNoneOrNil(idx):
		return nil, nil
	}
	return nil, fmt.Errorf("argument %d: expected a string or a byte array", idx)
}

// checkAccess reads optional property and permission arguments, each either a bitmask
// number or an array of names such as {"read", "notify"}.
func checkAccess(L *lua.State, propIdx, permIdx int) (int, int, error) {
	var c profile.Characteristic
	var props, perms int
	if L.IsNumber(propIdx) {
		props = L.ToInteger(propIdx)
	} else if L.IsTable(propIdx) {
		c.Properties = tableStrings(L, propIdx)
	}
	if L.IsNumber(permIdx) {
		perms = L.ToInteger(permIdx)
	} else if L.IsTable(permIdx) {
		c.Permissions = tableStrings(L, permIdx)
	}
	p, q, err := c.Access()
	if err != nil {
		return 0, 0, err
	}
	return props | int(p), perms | int(q), nil
}

func tableStrings(L *lua.State, idx int) []string {
	n := int(L.ObjLen(idx))
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		L.RawGeti(idx, i)
		out = append(out, L.ToString(-1))
		L.Pop(1)
	}
	return out
}

// checkString raises a Lua error unless argument idx is a string (or a number).
func checkString(L *lua.State, idx int) string {
	if !L.IsString(idx) {
		L.RaiseError(fmt.Sprintf("bad argument #%d: string expected", idx))
	}
	return L.ToString(idx)
}

func checkInt(L *lua.State, idx int) int {
	if !L.IsNumber(idx) {
		L.RaiseError(fmt.Sprintf("bad argument #%d: number expected", idx))
	}
	return L.ToInteger(idx)
}
