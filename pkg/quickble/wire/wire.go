// Package wire encodes host events as length-delimited protobuf records, for hosts that
// consume events as a byte stream instead of through callbacks.
//
// Record layout (proto3 field numbers):
//
//	1 role     varint
//	2 kind     varint
//	3 uuid     string
//	4 address  string
//	5 name     string
//	6 success  bool
//	7 value    bytes
//	8 rssi     sint64
//	9 code     sint64
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/srg/quickble/pkg/quickble"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldRole protowire.Number = iota + 1
	fieldKind
	fieldUUID
	fieldAddress
	fieldName
	fieldSuccess
	fieldValue
	fieldRSSI
	fieldCode
)

// MaxRecordSize bounds a decoded record.
const MaxRecordSize = 64 * 1024

var ErrRecordTooLarge = errors.New("wire: record too large")

// Marshal encodes ev without a length prefix. Zero fields are omitted.
func Marshal(ev quickble.Event) []byte {
	var b []byte
	b = appendVarint(b, fieldRole, uint64(ev.Role))
	b = appendVarint(b, fieldKind, uint64(ev.Kind))
	b = appendString(b, fieldUUID, ev.UUID)
	b = appendString(b, fieldAddress, ev.Address)
	b = appendString(b, fieldName, ev.Name)
	if ev.Success {
		b = appendVarint(b, fieldSuccess, 1)
	}
	if len(ev.Value) > 0 {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, ev.Value)
	}
	b = appendVarint(b, fieldRSSI, protowire.EncodeZigZag(int64(ev.RSSI)))
	b = appendVarint(b, fieldCode, protowire.EncodeZigZag(int64(ev.Code)))
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Unmarshal decodes a record produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (quickble.Event, error) {
	var ev quickble.Event
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ev, fmt.Errorf("wire: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ev, fmt.Errorf("wire: field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldRole:
				ev.Role = int(v)
			case fieldKind:
				ev.Kind = quickble.EventKind(v)
			case fieldSuccess:
				ev.Success = v != 0
			case fieldRSSI:
				ev.RSSI = int(protowire.DecodeZigZag(v))
			case fieldCode:
				ev.Code = int(protowire.DecodeZigZag(v))
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ev, fmt.Errorf("wire: field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldUUID:
				ev.UUID = string(v)
			case fieldAddress:
				ev.Address = string(v)
			case fieldName:
				ev.Name = string(v)
			case fieldValue:
				ev.Value = append([]byte{}, v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ev, fmt.Errorf("wire: field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return ev, nil
}

// Encoder writes length-delimited records.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(ev quickble.Event) error {
	rec := Marshal(ev)
	buf := protowire.AppendVarint(make([]byte, 0, len(rec)+binary.MaxVarintLen32), uint64(len(rec)))
	buf = append(buf, rec...)
	_, err := e.w.Write(buf)
	return err
}

// Decoder reads records written by Encoder.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode returns io.EOF at a clean end of stream.
func (d *Decoder) Decode() (quickble.Event, error) {
	size, err := binary.ReadUvarint(d.r)
	if err != nil {
		return quickble.Event{}, err
	}
	if size > MaxRecordSize {
		return quickble.Event{}, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, size)
	}
	rec := make([]byte, size)
	if _, err := io.ReadFull(d.r, rec); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return quickble.Event{}, err
	}
	return Unmarshal(rec)
}
