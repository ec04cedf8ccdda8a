package encoding

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/mycoria/amqplink/m"
)

// Marshal returns the AMQP encoding of v.
func Marshal(v any) ([]byte, error) {
	return Append(nil, v)
}

// Append appends the AMQP encoding of v to buf.
func Append(buf []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(buf, byte(TypeNull)), nil

	case bool:
		if t {
			return append(buf, byte(TypeBoolTrue)), nil
		}
		return append(buf, byte(TypeBoolFalse)), nil

	case uint8:
		return append(buf, byte(TypeUbyte), t), nil
	case uint16:
		return appendUint16(append(buf, byte(TypeUshort)), t), nil
	case uint32:
		return appendUint(buf, t), nil
	case uint64:
		return appendUlong(buf, t), nil
	case uint:
		return appendUlong(buf, uint64(t)), nil

	case int8:
		return append(buf, byte(TypeByte), byte(t)), nil
	case int16:
		return appendUint16(append(buf, byte(TypeShort)), uint16(t)), nil
	case int32:
		if t >= math.MinInt8 && t <= math.MaxInt8 {
			return append(buf, byte(TypeSmallInt), byte(int8(t))), nil
		}
		return appendUint32(append(buf, byte(TypeInt)), uint32(t)), nil
	case int64:
		return appendLong(buf, t), nil
	case int:
		return appendLong(buf, int64(t)), nil

	case float32:
		return appendUint32(append(buf, byte(TypeFloat)), math.Float32bits(t)), nil
	case float64:
		return appendUint64(append(buf, byte(TypeDouble)), math.Float64bits(t)), nil

	case Char:
		return appendUint32(append(buf, byte(TypeChar)), uint32(t)), nil
	case time.Time:
		return appendUint64(append(buf, byte(TypeTimestamp)), uint64(t.UnixMilli())), nil
	case UUID:
		return append(append(buf, byte(TypeUUID)), t[:]...), nil

	case []byte:
		return appendVariable(buf, TypeVbin8, TypeVbin32, t), nil
	case string:
		return appendVariable(buf, TypeStr8, TypeStr32, []byte(t)), nil
	case Symbol:
		return appendVariable(buf, TypeSym8, TypeSym32, []byte(t)), nil

	case []Symbol:
		arr := make(Array, 0, len(t))
		for _, s := range t {
			arr = append(arr, s)
		}
		return appendArray(buf, arr)
	case Array:
		return appendArray(buf, t)

	case []any:
		return appendList(buf, t)
	case []string:
		list := make([]any, 0, len(t))
		for _, s := range t {
			list = append(list, s)
		}
		return appendList(buf, list)

	case map[any]any:
		return appendMap(buf, t)
	case map[string]any:
		mp := make(map[any]any, len(t))
		for k, v := range t {
			mp[k] = v
		}
		return appendMap(buf, mp)
	case map[Symbol]any:
		mp := make(map[any]any, len(t))
		for k, v := range t {
			mp[k] = v
		}
		return appendMap(buf, mp)

	case Described:
		return appendDescribed(buf, t)
	case *Described:
		if t == nil {
			return append(buf, byte(TypeNull)), nil
		}
		return appendDescribed(buf, *t)

	default:
		return buf, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func appendDescribed(buf []byte, d Described) ([]byte, error) {
	buf = append(buf, byte(TypeDescribed))
	buf, err := Append(buf, d.Descriptor)
	if err != nil {
		return buf, fmt.Errorf("descriptor: %w", err)
	}
	return Append(buf, d.Value)
}

func appendUint(buf []byte, v uint32) []byte {
	switch {
	case v == 0:
		return append(buf, byte(TypeUint0))
	case v <= math.MaxUint8:
		return append(buf, byte(TypeSmallUint), byte(v))
	default:
		return appendUint32(append(buf, byte(TypeUint)), v)
	}
}

func appendUlong(buf []byte, v uint64) []byte {
	switch {
	case v == 0:
		return append(buf, byte(TypeUlong0))
	case v <= math.MaxUint8:
		return append(buf, byte(TypeSmallUlong), byte(v))
	default:
		return appendUint64(append(buf, byte(TypeUlong)), v)
	}
}

func appendLong(buf []byte, v int64) []byte {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		return append(buf, byte(TypeSmallLong), byte(int8(v)))
	}
	return appendUint64(append(buf, byte(TypeLong)), uint64(v))
}

func appendVariable(buf []byte, small, large Type, data []byte) []byte {
	if len(data) <= math.MaxUint8 {
		buf = append(buf, byte(small), byte(len(data)))
	} else {
		buf = appendUint32(append(buf, byte(large)), uint32(len(data)))
	}
	return append(buf, data...)
}

func appendList(buf []byte, list []any) ([]byte, error) {
	if len(list) == 0 {
		return append(buf, byte(TypeList0)), nil
	}

	var (
		elements []byte
		err      error
	)
	for i, v := range list {
		elements, err = Append(elements, v)
		if err != nil {
			return buf, fmt.Errorf("list element %d: %w", i, err)
		}
	}
	return appendCompound(buf, TypeList8, TypeList32, len(list), elements), nil
}

func appendMap(buf []byte, mp map[any]any) ([]byte, error) {
	// Sort keys for a deterministic encoding.
	keys := make([]any, 0, len(mp))
	for k := range mp {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b any) int {
		ka, kb := fmt.Sprintf("%T:%v", a, a), fmt.Sprintf("%T:%v", b, b)
		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		default:
			return 0
		}
	})

	var (
		elements []byte
		err      error
	)
	for _, k := range keys {
		elements, err = Append(elements, k)
		if err != nil {
			return buf, fmt.Errorf("map key %v: %w", k, err)
		}
		elements, err = Append(elements, mp[k])
		if err != nil {
			return buf, fmt.Errorf("map value of %v: %w", k, err)
		}
	}
	return appendCompound(buf, TypeMap8, TypeMap32, len(keys)*2, elements), nil
}

func appendCompound(buf []byte, small, large Type, count int, elements []byte) []byte {
	if count <= math.MaxUint8 && len(elements)+1 <= math.MaxUint8 {
		buf = append(buf, byte(small), byte(len(elements)+1), byte(count))
	} else {
		buf = append(buf, byte(large))
		buf = appendUint32(buf, uint32(len(elements)+4))
		buf = appendUint32(buf, uint32(count))
	}
	return append(buf, elements...)
}

func appendArray(buf []byte, arr Array) ([]byte, error) {
	// Find the element constructor from the first element.
	constructor := TypeNull
	if len(arr) > 0 {
		var ok bool
		constructor, ok = arrayConstructor(arr[0])
		if !ok {
			return buf, fmt.Errorf("%w: array of %T", ErrUnsupportedType, arr[0])
		}
	}

	elements := []byte{byte(constructor)}
	for i, v := range arr {
		if c, _ := arrayConstructor(v); c != constructor {
			return buf, fmt.Errorf("%w: element %d is %T", ErrMixedArray, i, v)
		}
		elements = appendArrayElement(elements, v)
	}

	if len(arr) <= math.MaxUint8 && len(elements)+1 <= math.MaxUint8 {
		buf = append(buf, byte(TypeArray8), byte(len(elements)+1), byte(len(arr)))
	} else {
		buf = append(buf, byte(TypeArray32))
		buf = appendUint32(buf, uint32(len(elements)+4))
		buf = appendUint32(buf, uint32(len(arr)))
	}
	return append(buf, elements...), nil
}

// arrayConstructor returns the fixed-width constructor used for array elements.
func arrayConstructor(v any) (Type, bool) {
	switch v.(type) {
	case bool:
		return TypeBool, true
	case uint8:
		return TypeUbyte, true
	case uint16:
		return TypeUshort, true
	case uint32:
		return TypeUint, true
	case uint64:
		return TypeUlong, true
	case int32:
		return TypeInt, true
	case int64:
		return TypeLong, true
	case time.Time:
		return TypeTimestamp, true
	case UUID:
		return TypeUUID, true
	case []byte:
		return TypeVbin32, true
	case string:
		return TypeStr32, true
	case Symbol:
		return TypeSym32, true
	default:
		return 0, false
	}
}

func appendArrayElement(buf []byte, v any) []byte {
	switch t := v.(type) {
	case bool:
		if t {
			return append(buf, 1)
		}
		return append(buf, 0)
	case uint8:
		return append(buf, t)
	case uint16:
		return appendUint16(buf, t)
	case uint32:
		return appendUint32(buf, t)
	case uint64:
		return appendUint64(buf, t)
	case int32:
		return appendUint32(buf, uint32(t))
	case int64:
		return appendUint64(buf, uint64(t))
	case time.Time:
		return appendUint64(buf, uint64(t.UnixMilli()))
	case UUID:
		return append(buf, t[:]...)
	case []byte:
		return append(appendUint32(buf, uint32(len(t))), t...)
	case string:
		return append(appendUint32(buf, uint32(len(t))), t...)
	case Symbol:
		return append(appendUint32(buf, uint32(len(t))), t...)
	default:
		return buf
	}
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	m.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	m.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	m.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
