// Package encoding implements the AMQP 1.0 type system.
//
// Values map to Go types as follows:
//
//	null       nil
//	boolean    bool
//	ubyte      uint8
//	ushort     uint16
//	uint       uint32
//	ulong      uint64
//	byte       int8
//	short      int16
//	int        int32
//	long       int64
//	float      float32
//	double     float64
//	char       Char
//	timestamp  time.Time
//	uuid       UUID
//	binary     []byte
//	string     string
//	symbol     Symbol
//	list       []any
//	map        map[any]any
//	array      Array
//	described  Described
package encoding

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Type is an AMQP type code.
type Type uint8

// Type codes.
const (
	TypeDescribed Type = 0x00
	TypeNull      Type = 0x40

	TypeBool      Type = 0x56
	TypeBoolTrue  Type = 0x41
	TypeBoolFalse Type = 0x42

	TypeUbyte      Type = 0x50
	TypeUshort     Type = 0x60
	TypeUint       Type = 0x70
	TypeSmallUint  Type = 0x52
	TypeUint0      Type = 0x43
	TypeUlong      Type = 0x80
	TypeSmallUlong Type = 0x53
	TypeUlong0     Type = 0x44

	TypeByte      Type = 0x51
	TypeShort     Type = 0x61
	TypeInt       Type = 0x71
	TypeSmallInt  Type = 0x54
	TypeLong      Type = 0x81
	TypeSmallLong Type = 0x55

	TypeFloat  Type = 0x72
	TypeDouble Type = 0x82

	TypeChar      Type = 0x73
	TypeTimestamp Type = 0x83
	TypeUUID      Type = 0x98

	TypeVbin8  Type = 0xa0
	TypeVbin32 Type = 0xb0
	TypeStr8   Type = 0xa1
	TypeStr32  Type = 0xb1
	TypeSym8   Type = 0xa3
	TypeSym32  Type = 0xb3

	TypeList0   Type = 0x45
	TypeList8   Type = 0xc0
	TypeList32  Type = 0xd0
	TypeMap8    Type = 0xc1
	TypeMap32   Type = 0xd1
	TypeArray8  Type = 0xe0
	TypeArray32 Type = 0xf0
)

// Errors.
var (
	ErrShortBuffer     = errors.New("short buffer")
	ErrMalformed       = errors.New("malformed value")
	ErrUnknownType     = errors.New("unknown type code")
	ErrUnsupportedType = errors.New("unsupported go type")
	ErrInvalidMapKey   = errors.New("invalid map key")
	ErrMixedArray      = errors.New("array elements differ in type")
)

// Symbol is an AMQP symbolic value.
type Symbol string

// Char is a single unicode character.
type Char rune

// UUID is a RFC-4122 UUID.
type UUID [16]byte

// String returns the canonical representation of the UUID.
func (u UUID) String() string {
	var buf [36]byte
	hex.Encode(buf[0:8], u[0:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], u[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], u[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], u[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:], u[10:])
	return string(buf[:])
}

// Array is a sequence of values of the same AMQP type.
type Array []any

// Described is a value annotated with a descriptor.
// The descriptor is either an uint64 code or a Symbol.
type Described struct {
	Descriptor any
	Value      any
}

// Describe returns a described value with a numeric descriptor.
func Describe(code uint64, value any) Described {
	return Described{
		Descriptor: code,
		Value:      value,
	}
}

// Code returns the numeric descriptor code.
// Symbolic descriptors are resolved if they are well-known.
func (d Described) Code() (code uint64, ok bool) {
	switch v := d.Descriptor.(type) {
	case uint64:
		return v, true
	case Symbol:
		code, ok = symbolicDescriptors[v]
		return code, ok
	default:
		return 0, false
	}
}

// String returns a short representation of the described value.
func (d Described) String() string {
	return fmt.Sprintf("described(%v: %v)", d.Descriptor, d.Value)
}

var symbolicDescriptors = map[Symbol]uint64{
	"amqp:open:list":                  0x10,
	"amqp:begin:list":                 0x11,
	"amqp:attach:list":                0x12,
	"amqp:flow:list":                  0x13,
	"amqp:transfer:list":              0x14,
	"amqp:disposition:list":           0x15,
	"amqp:detach:list":                0x16,
	"amqp:end:list":                   0x17,
	"amqp:close:list":                 0x18,
	"amqp:error:list":                 0x1d,
	"amqp:received:list":              0x23,
	"amqp:accepted:list":              0x24,
	"amqp:rejected:list":              0x25,
	"amqp:released:list":              0x26,
	"amqp:modified:list":              0x27,
	"amqp:source:list":                0x28,
	"amqp:target:list":                0x29,
	"amqp:header:list":                0x70,
	"amqp:delivery-annotations:map":   0x71,
	"amqp:message-annotations:map":    0x72,
	"amqp:properties:list":            0x73,
	"amqp:application-properties:map": 0x74,
	"amqp:data:binary":                0x75,
	"amqp:amqp-sequence:list":         0x76,
	"amqp:amqp-value:*":               0x77,
	"amqp:footer:map":                 0x78,
}
