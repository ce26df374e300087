package gatt

import (
	"strings"

	"github.com/go-ble/ble"
	"github.com/google/uuid"
)

// BaseUUIDSuffix is the tail of the Bluetooth SIG base UUID (0000xxxx-0000-1000-8000-00805F9B34FB).
const BaseUUIDSuffix = "-0000-1000-8000-00805F9B34FB"

// NormalizeUUID converts a UUID string into the canonical key used by every map in this package:
// upper-case, dashed, 128-bit. 16-bit ("180D", "0x180d") and 32-bit forms are expanded into the
// Bluetooth base UUID. Returns an InvalidState error if the string is not a valid BLE UUID.
func NormalizeUUID(s string) (string, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if raw == "" {
		return "", Errorf(InvalidState, "invalid uuid %q", s)
	}

	// go-ble parses only the 16 and 128-bit forms, so 32-bit ones are expanded first
	if len(raw) == 8 && !strings.Contains(raw, "-") {
		raw += BaseUUIDSuffix
	}
	if _, err := ble.Parse(raw); err != nil {
		return "", Errorf(InvalidState, "invalid uuid %q: %v", s, err)
	}

	hex := strings.ReplaceAll(raw, "-", "")
	if len(hex) == 4 {
		return "0000" + strings.ToUpper(hex) + BaseUUIDSuffix, nil
	}

	u, err := uuid.Parse(hex)
	if err != nil {
		return "", Errorf(InvalidState, "invalid uuid %q: %v", s, err)
	}
	return strings.ToUpper(u.String()), nil
}

// MustNormalizeUUID is NormalizeUUID for compile-time constants; it panics on invalid input.
func MustNormalizeUUID(s string) string {
	u, err := NormalizeUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ShortUUID returns the 16-bit form of a base UUID for display ("180D"), or the input otherwise.
func ShortUUID(canonical string) string {
	if strings.HasPrefix(canonical, "0000") && strings.HasSuffix(canonical, BaseUUIDSuffix) && len(canonical) == 36 {
		return canonical[4:8]
	}
	return canonical
}

// ToBLE converts a canonical UUID into the go-ble representation used by the native adapter.
func ToBLE(canonical string) ble.UUID {
	if short := ShortUUID(canonical); short != canonical {
		return ble.MustParse(short)
	}
	return ble.MustParse(canonical)
}

// FromBLE converts a go-ble UUID back into its canonical string.
func FromBLE(u ble.UUID) string {
	s, err := NormalizeUUID(u.String())
	if err != nil {
		return strings.ToUpper(u.String())
	}
	return s
}
