// Package wire reads and writes the protobuf wire format for the small,
// hand-numbered messages exchanged during channel setup and persisted in
// channel snapshots.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrWireType is returned when a field arrives with an unexpected wire type.
var ErrWireType = errors.New("unexpected wire type")

// Field is one decoded field. Only the member matching Type is set.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

// Uint32 returns the varint value as uint32.
func (f Field) Uint32() (uint32, error) {
	if f.Type != protowire.VarintType {
		return 0, fmt.Errorf("field %d: %w", f.Num, ErrWireType)
	}
	return uint32(f.Varint), nil
}

// Uint64 returns the varint value.
func (f Field) Uint64() (uint64, error) {
	if f.Type != protowire.VarintType {
		return 0, fmt.Errorf("field %d: %w", f.Num, ErrWireType)
	}
	return f.Varint, nil
}

// Bool returns the varint value as a bool.
func (f Field) Bool() (bool, error) {
	v, err := f.Uint64()
	return v != 0, err
}

// Blob returns a copy of the bytes value.
func (f Field) Blob() ([]byte, error) {
	if f.Type != protowire.BytesType {
		return nil, fmt.Errorf("field %d: %w", f.Num, ErrWireType)
	}
	return append([]byte(nil), f.Bytes...), nil
}

// AppendVarint appends a varint field. Zero values are omitted.
func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendBool appends a bool field. False is omitted.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return AppendVarint(b, num, 1)
}

// AppendBytes appends a length-delimited field. Empty values are omitted.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// Walk calls fn for every varint and length-delimited field in b. Fields of
// other wire types are skipped.
func Walk(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
