package encoding

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/mycoria/amqplink/m"
)

// Unmarshal decodes the first AMQP value in data.
// It returns the value and the number of bytes consumed.
// ErrShortBuffer is returned if data does not hold a complete value.
func Unmarshal(data []byte) (v any, n int, err error) {
	if len(data) == 0 {
		return nil, 0, ErrShortBuffer
	}

	// Described types.
	if Type(data[0]) == TypeDescribed {
		descriptor, dn, err := Unmarshal(data[1:])
		if err != nil {
			return nil, 0, err
		}
		value, vn, err := Unmarshal(data[1+dn:])
		if err != nil {
			return nil, 0, err
		}
		return Described{Descriptor: descriptor, Value: value}, 1 + dn + vn, nil
	}

	v, n, err = decodeType(Type(data[0]), data[1:])
	if err != nil {
		return nil, 0, err
	}
	return v, n + 1, nil
}

// decodeType decodes a value of the given type from data, which starts
// right after the constructor.
func decodeType(t Type, data []byte) (v any, n int, err error) {
	switch t {
	case TypeNull:
		return nil, 0, nil

	case TypeBoolTrue:
		return true, 0, nil
	case TypeBoolFalse:
		return false, 0, nil
	case TypeBool:
		if len(data) < 1 {
			return nil, 0, ErrShortBuffer
		}
		return data[0] != 0, 1, nil

	case TypeUbyte:
		if len(data) < 1 {
			return nil, 0, ErrShortBuffer
		}
		return data[0], 1, nil
	case TypeUshort:
		if len(data) < 2 {
			return nil, 0, ErrShortBuffer
		}
		return m.GetUint16(data), 2, nil
	case TypeUint0:
		return uint32(0), 0, nil
	case TypeSmallUint:
		if len(data) < 1 {
			return nil, 0, ErrShortBuffer
		}
		return uint32(data[0]), 1, nil
	case TypeUint:
		if len(data) < 4 {
			return nil, 0, ErrShortBuffer
		}
		return m.GetUint32(data), 4, nil
	case TypeUlong0:
		return uint64(0), 0, nil
	case TypeSmallUlong:
		if len(data) < 1 {
			return nil, 0, ErrShortBuffer
		}
		return uint64(data[0]), 1, nil
	case TypeUlong:
		if len(data) < 8 {
			return nil, 0, ErrShortBuffer
		}
		return m.GetUint64(data), 8, nil

	case TypeByte:
		if len(data) < 1 {
			return nil, 0, ErrShortBuffer
		}
		return int8(data[0]), 1, nil
	case TypeShort:
		if len(data) < 2 {
			return nil, 0, ErrShortBuffer
		}
		return int16(m.GetUint16(data)), 2, nil
	case TypeSmallInt:
		if len(data) < 1 {
			return nil, 0, ErrShortBuffer
		}
		return int32(int8(data[0])), 1, nil
	case TypeInt:
		if len(data) < 4 {
			return nil, 0, ErrShortBuffer
		}
		return int32(m.GetUint32(data)), 4, nil
	case TypeSmallLong:
		if len(data) < 1 {
			return nil, 0, ErrShortBuffer
		}
		return int64(int8(data[0])), 1, nil
	case TypeLong:
		if len(data) < 8 {
			return nil, 0, ErrShortBuffer
		}
		return int64(m.GetUint64(data)), 8, nil

	case TypeFloat:
		if len(data) < 4 {
			return nil, 0, ErrShortBuffer
		}
		return math.Float32frombits(m.GetUint32(data)), 4, nil
	case TypeDouble:
		if len(data) < 8 {
			return nil, 0, ErrShortBuffer
		}
		return math.Float64frombits(m.GetUint64(data)), 8, nil

	case TypeChar:
		if len(data) < 4 {
			return nil, 0, ErrShortBuffer
		}
		return Char(m.GetUint32(data)), 4, nil
	case TypeTimestamp:
		if len(data) < 8 {
			return nil, 0, ErrShortBuffer
		}
		return time.UnixMilli(int64(m.GetUint64(data))).UTC(), 8, nil
	case TypeUUID:
		if len(data) < 16 {
			return nil, 0, ErrShortBuffer
		}
		var u UUID
		copy(u[:], data)
		return u, 16, nil

	case TypeVbin8, TypeVbin32:
		b, n, err := readVariable(t == TypeVbin32, data)
		if err != nil {
			return nil, 0, err
		}
		return append([]byte(nil), b...), n, nil
	case TypeStr8, TypeStr32:
		b, n, err := readVariable(t == TypeStr32, data)
		if err != nil {
			return nil, 0, err
		}
		return string(b), n, nil
	case TypeSym8, TypeSym32:
		b, n, err := readVariable(t == TypeSym32, data)
		if err != nil {
			return nil, 0, err
		}
		return Symbol(b), n, nil

	case TypeList0:
		return []any{}, 0, nil
	case TypeList8, TypeList32:
		return decodeList(t == TypeList32, data)
	case TypeMap8, TypeMap32:
		return decodeMap(t == TypeMap32, data)
	case TypeArray8, TypeArray32:
		return decodeArray(t == TypeArray32, data)

	default:
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownType, byte(t))
	}
}

func readVariable(wide bool, data []byte) (b []byte, n int, err error) {
	var size, headerSize int
	if wide {
		if len(data) < 4 {
			return nil, 0, ErrShortBuffer
		}
		size, headerSize = int(m.GetUint32(data)), 4
	} else {
		if len(data) < 1 {
			return nil, 0, ErrShortBuffer
		}
		size, headerSize = int(data[0]), 1
	}
	if len(data) < headerSize+size {
		return nil, 0, ErrShortBuffer
	}
	return data[headerSize : headerSize+size], headerSize + size, nil
}

// readCompound returns the element bytes and the element count of a list,
// map or array, plus the total consumed size.
func readCompound(wide bool, data []byte) (elements []byte, count int, n int, err error) {
	var size, countSize int
	if wide {
		if len(data) < 4 {
			return nil, 0, 0, ErrShortBuffer
		}
		size, countSize = int(m.GetUint32(data)), 4
		n = 4
	} else {
		if len(data) < 1 {
			return nil, 0, 0, ErrShortBuffer
		}
		size, countSize = int(data[0]), 1
		n = 1
	}
	if len(data) < n+size {
		return nil, 0, 0, ErrShortBuffer
	}
	if size < countSize {
		return nil, 0, 0, fmt.Errorf("%w: compound size %d too small", ErrMalformed, size)
	}

	body := data[n : n+size]
	if wide {
		count = int(m.GetUint32(body))
	} else {
		count = int(body[0])
	}
	return body[countSize:], count, n + size, nil
}

// compoundErr converts a short buffer within a bounded compound into a
// malformed value.
func compoundErr(err error) error {
	if errors.Is(err, ErrShortBuffer) {
		return fmt.Errorf("%w: element exceeds compound size", ErrMalformed)
	}
	return err
}

func decodeList(wide bool, data []byte) (any, int, error) {
	elements, count, n, err := readCompound(wide, data)
	if err != nil {
		return nil, 0, err
	}
	if count > len(elements) {
		return nil, 0, fmt.Errorf("%w: list count %d exceeds size", ErrMalformed, count)
	}

	list := make([]any, 0, count)
	for i := 0; i < count; i++ {
		v, vn, err := Unmarshal(elements)
		if err != nil {
			return nil, 0, compoundErr(err)
		}
		list = append(list, v)
		elements = elements[vn:]
	}
	return list, n, nil
}

func decodeMap(wide bool, data []byte) (any, int, error) {
	elements, count, n, err := readCompound(wide, data)
	if err != nil {
		return nil, 0, err
	}
	if count%2 != 0 || count > len(elements) {
		return nil, 0, fmt.Errorf("%w: invalid map count %d", ErrMalformed, count)
	}

	mp := make(map[any]any, count/2)
	for i := 0; i < count/2; i++ {
		k, kn, err := Unmarshal(elements)
		if err != nil {
			return nil, 0, compoundErr(err)
		}
		elements = elements[kn:]
		if !validMapKey(k) {
			return nil, 0, fmt.Errorf("%w: %T", ErrInvalidMapKey, k)
		}

		v, vn, err := Unmarshal(elements)
		if err != nil {
			return nil, 0, compoundErr(err)
		}
		elements = elements[vn:]
		mp[k] = v
	}
	return mp, n, nil
}

func decodeArray(wide bool, data []byte) (any, int, error) {
	elements, count, n, err := readCompound(wide, data)
	if err != nil {
		return nil, 0, err
	}
	if len(elements) < 1 {
		if count == 0 {
			return Array{}, n, nil
		}
		return nil, 0, fmt.Errorf("%w: array without constructor", ErrMalformed)
	}

	// Read element constructor.
	var descriptor any
	constructor := Type(elements[0])
	elements = elements[1:]
	if constructor == TypeDescribed {
		d, dn, err := Unmarshal(elements)
		if err != nil {
			return nil, 0, compoundErr(err)
		}
		if len(elements) < dn+1 {
			return nil, 0, fmt.Errorf("%w: array without element constructor", ErrMalformed)
		}
		descriptor = d
		constructor = Type(elements[dn])
		elements = elements[dn+1:]
	}

	switch constructor {
	case TypeNull, TypeBoolTrue, TypeBoolFalse, TypeUint0, TypeUlong0, TypeList0:
		if count > math.MaxUint16 {
			return nil, 0, fmt.Errorf("%w: array count %d too large", ErrMalformed, count)
		}
	default:
		if count > len(elements) {
			return nil, 0, fmt.Errorf("%w: array count %d exceeds size", ErrMalformed, count)
		}
	}

	arr := make(Array, 0, count)
	for i := 0; i < count; i++ {
		v, vn, err := decodeType(constructor, elements)
		if err != nil {
			return nil, 0, compoundErr(err)
		}
		if descriptor != nil {
			v = Described{Descriptor: descriptor, Value: v}
		}
		arr = append(arr, v)
		elements = elements[vn:]
	}
	return arr, n, nil
}

func validMapKey(k any) bool {
	if k == nil {
		return true
	}
	if d, ok := k.(Described); ok {
		return validMapKey(d.Descriptor) && validMapKey(d.Value)
	}
	return reflect.TypeOf(k).Comparable()
}

// ValueFunc is called for every top-level value decoded by a Decoder.
type ValueFunc func(v any) error

// Decoder decodes a stream of AMQP values that may arrive in arbitrary chunks.
type Decoder struct {
	buf []byte
	fn  ValueFunc
	cnt int
}

// NewDecoder returns a new streaming decoder that calls fn for every
// complete top-level value.
func NewDecoder(fn ValueFunc) *Decoder {
	return &Decoder{
		fn: fn,
	}
}

// Decode feeds the next chunk of bytes into the decoder.
// Incomplete trailing values are kept until more bytes arrive.
func (d *Decoder) Decode(chunk []byte) error {
	d.buf = append(d.buf, chunk...)

	for len(d.buf) > 0 {
		v, n, err := Unmarshal(d.buf)
		switch {
		case errors.Is(err, ErrShortBuffer):
			return nil
		case err != nil:
			return fmt.Errorf("value %d: %w", d.cnt, err)
		}
		d.buf = d.buf[n:]
		d.cnt++

		if err := d.fn(v); err != nil {
			return err
		}
	}

	return nil
}

// Buffered returns the number of bytes waiting for completion.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Decoded returns the number of values decoded so far.
func (d *Decoder) Decoded() int {
	return d.cnt
}

// Finish checks that no partial value is left in the decoder.
func (d *Decoder) Finish() error {
	if len(d.buf) > 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.buf))
	}
	return nil
}
