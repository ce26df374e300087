package gatt

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

// Properties is the characteristic properties bitmask as declared in the attribute table.
type Properties int

const (
	PropBroadcast       = Properties(ble.CharBroadcast)
	PropRead            = Properties(ble.CharRead)
	PropWriteNoResponse = Properties(ble.CharWriteNR)
	PropWrite           = Properties(ble.CharWrite)
	PropNotify          = Properties(ble.CharNotify)
	PropIndicate        = Properties(ble.CharIndicate)
	PropSignedWrite     = Properties(ble.CharSignedWrite)
	PropExtended        = Properties(ble.CharExtended)

	DefaultProperties = PropRead | PropWrite | PropNotify
)

var propertyNames = []struct {
	p    Properties
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteNoResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtended, "extended"},
}

func (p Properties) Has(flag Properties) bool { return p&flag != 0 }

// CanNotify reports whether peers may subscribe to value updates.
func (p Properties) CanNotify() bool { return p.Has(PropNotify | PropIndicate) }

// CanWrite reports whether a remote peer may write the value.
func (p Properties) CanWrite() bool { return p.Has(PropWrite | PropWriteNoResponse) }

// String returns a comma-separated list of the set flags, e.g. "read,notify".
func (p Properties) String() string {
	var parts []string
	for _, pn := range propertyNames {
		if p&pn.p != 0 {
			parts = append(parts, pn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseProperty maps a property name (as used in profile files) to its flag.
func ParseProperty(name string) (Properties, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "write_no_response", "writenoresponse", "write-no-response":
		return PropWriteNoResponse, nil
	case "extended_props", "extended-props":
		return PropExtended, nil
	}
	for _, pn := range propertyNames {
		if pn.name == n || strings.ReplaceAll(pn.name, "-", "_") == n {
			return pn.p, nil
		}
	}
	return 0, fmt.Errorf("unknown characteristic property %q", name)
}

// Permissions is the attribute access-control bitmask.
type Permissions int

const (
	PermRead           Permissions = 0x01
	PermReadEncrypted  Permissions = 0x02
	PermWrite          Permissions = 0x04
	PermWriteEncrypted Permissions = 0x08

	DefaultPermissions = PermRead | PermWrite
)

var permissionNames = []struct {
	p    Permissions
	name string
}{
	{PermRead, "read"},
	{PermReadEncrypted, "read-encrypted"},
	{PermWrite, "write"},
	{PermWriteEncrypted, "write-encrypted"},
}

func (p Permissions) Has(flag Permissions) bool { return p&flag != 0 }

func (p Permissions) Readable() bool { return p.Has(PermRead | PermReadEncrypted) }

func (p Permissions) Writable() bool { return p.Has(PermWrite | PermWriteEncrypted) }

func (p Permissions) String() string {
	var parts []string
	for _, pn := range permissionNames {
		if p&pn.p != 0 {
			parts = append(parts, pn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParsePermission maps a permission name (as used in profile files) to its flag.
func ParsePermission(name string) (Permissions, error) {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	for _, pn := range permissionNames {
		if pn.name == n {
			return pn.p, nil
		}
	}
	return 0, fmt.Errorf("unknown attribute permission %q", name)
}

// ResolveAccess applies the host defaults: when both masks are zero the characteristic
// gets Read|Write|Notify properties and Read|Write permissions.
func ResolveAccess(props Properties, perms Permissions) (Properties, Permissions) {
	if props == 0 && perms == 0 {
		return DefaultProperties, DefaultPermissions
	}
	return props, perms
}
