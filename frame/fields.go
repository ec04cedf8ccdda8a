package frame

import (
	"fmt"
	"time"

	"github.com/mycoria/amqplink/encoding"
)

// fieldList reads the positional fields of a composite type.
// Missing trailing fields read as null.
type fieldList struct {
	name   string
	fields []any
	err    error
}

func newFieldList(name string, v any) *fieldList {
	fl := &fieldList{name: name}
	switch t := v.(type) {
	case []any:
		fl.fields = t
	case nil:
		// All fields are null.
	default:
		fl.err = fmt.Errorf("%w: %s is %T, not a list", ErrInvalidPerformative, name, v)
	}
	return fl
}

func (fl *fieldList) get(i int) any {
	if i < len(fl.fields) {
		return fl.fields[i]
	}
	return nil
}

func (fl *fieldList) fail(i int, want string, got any) {
	if fl.err == nil {
		fl.err = fmt.Errorf("%w: %s field %d is %T, expected %s", ErrInvalidPerformative, fl.name, i, got, want)
	}
}

func (fl *fieldList) mandatory(i int) {
	if fl.err == nil && fl.get(i) == nil {
		fl.err = fmt.Errorf("%w: %s field %d is mandatory", ErrInvalidPerformative, fl.name, i)
	}
}

func (fl *fieldList) string(i int) string {
	switch v := fl.get(i).(type) {
	case nil:
		return ""
	case string:
		return v
	case encoding.Symbol:
		return string(v)
	default:
		fl.fail(i, "string", v)
		return ""
	}
}

func (fl *fieldList) symbol(i int) encoding.Symbol {
	switch v := fl.get(i).(type) {
	case nil:
		return ""
	case encoding.Symbol:
		return v
	case string:
		return encoding.Symbol(v)
	default:
		fl.fail(i, "symbol", v)
		return ""
	}
}

func (fl *fieldList) bool(i int) bool {
	switch v := fl.get(i).(type) {
	case nil:
		return false
	case bool:
		return v
	default:
		fl.fail(i, "boolean", v)
		return false
	}
}

func (fl *fieldList) boolPtr(i int) *bool {
	if fl.get(i) == nil {
		return nil
	}
	v := fl.bool(i)
	return &v
}

func (fl *fieldList) uint8(i int, def uint8) uint8 {
	switch v := fl.get(i).(type) {
	case nil:
		return def
	case uint8:
		return v
	default:
		fl.fail(i, "ubyte", v)
		return def
	}
}

func (fl *fieldList) uint16(i int, def uint16) uint16 {
	switch v := fl.get(i).(type) {
	case nil:
		return def
	case uint16:
		return v
	default:
		fl.fail(i, "ushort", v)
		return def
	}
}

func (fl *fieldList) uint16Ptr(i int) *uint16 {
	if fl.get(i) == nil {
		return nil
	}
	v := fl.uint16(i, 0)
	return &v
}

func (fl *fieldList) uint32(i int, def uint32) uint32 {
	switch v := fl.get(i).(type) {
	case nil:
		return def
	case uint32:
		return v
	default:
		fl.fail(i, "uint", v)
		return def
	}
}

func (fl *fieldList) uint32Ptr(i int) *uint32 {
	if fl.get(i) == nil {
		return nil
	}
	v := fl.uint32(i, 0)
	return &v
}

func (fl *fieldList) uint64(i int, def uint64) uint64 {
	switch v := fl.get(i).(type) {
	case nil:
		return def
	case uint64:
		return v
	default:
		fl.fail(i, "ulong", v)
		return def
	}
}

func (fl *fieldList) binary(i int) []byte {
	switch v := fl.get(i).(type) {
	case nil:
		return nil
	case []byte:
		return v
	default:
		fl.fail(i, "binary", v)
		return nil
	}
}

func (fl *fieldList) milliseconds(i int) time.Duration {
	return time.Duration(fl.uint32(i, 0)) * time.Millisecond
}

// symbols reads a multiple symbol field, which may be encoded as a single
// symbol or as an array.
func (fl *fieldList) symbols(i int) []encoding.Symbol {
	switch v := fl.get(i).(type) {
	case nil:
		return nil
	case encoding.Symbol:
		return []encoding.Symbol{v}
	case encoding.Array:
		syms := make([]encoding.Symbol, 0, len(v))
		for _, e := range v {
			s, ok := e.(encoding.Symbol)
			if !ok {
				fl.fail(i, "symbol array", e)
				return nil
			}
			syms = append(syms, s)
		}
		return syms
	default:
		fl.fail(i, "symbol array", v)
		return nil
	}
}

// symbolMap reads a symbol keyed map.
func (fl *fieldList) symbolMap(i int) map[encoding.Symbol]any {
	switch v := fl.get(i).(type) {
	case nil:
		return nil
	case map[any]any:
		mp := make(map[encoding.Symbol]any, len(v))
		for k, val := range v {
			s, ok := k.(encoding.Symbol)
			if !ok {
				fl.fail(i, "symbol keyed map", k)
				return nil
			}
			mp[s] = val
		}
		return mp
	default:
		fl.fail(i, "map", v)
		return nil
	}
}

func (fl *fieldList) anyMap(i int) map[any]any {
	switch v := fl.get(i).(type) {
	case nil:
		return nil
	case map[any]any:
		return v
	default:
		fl.fail(i, "map", v)
		return nil
	}
}

func (fl *fieldList) errorField(i int) *Error {
	v := fl.get(i)
	if v == nil {
		return nil
	}
	e, err := DecodeError(v)
	if err != nil && fl.err == nil {
		fl.err = fmt.Errorf("%s field %d: %w", fl.name, i, err)
	}
	return e
}

func (fl *fieldList) deliveryState(i int) DeliveryState {
	v := fl.get(i)
	if v == nil {
		return nil
	}
	s, err := DecodeDeliveryState(v)
	if err != nil && fl.err == nil {
		fl.err = fmt.Errorf("%s field %d: %w", fl.name, i, err)
	}
	return s
}

// Helpers for building field lists.

func optUint16(v *uint16) any {
	if v == nil {
		return nil
	}
	return *v
}

func optUint32(v *uint32) any {
	if v == nil {
		return nil
	}
	return *v
}

func optBool(v bool) any {
	if !v {
		return nil
	}
	return true
}

func optString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func optSymbol(v encoding.Symbol) any {
	if v == "" {
		return nil
	}
	return v
}

func optSymbols(v []encoding.Symbol) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

func optFields(v map[encoding.Symbol]any) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

func optAnyMap(v map[any]any) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

func optBinary(v []byte) any {
	if v == nil {
		return nil
	}
	return v
}

func optError(e *Error) any {
	if e == nil {
		return nil
	}
	return e.Value()
}

func optState(s DeliveryState) any {
	if s == nil {
		return nil
	}
	return s.Value()
}

// trimList removes trailing null fields.
func trimList(fields []any) []any {
	for len(fields) > 0 && fields[len(fields)-1] == nil {
		fields = fields[:len(fields)-1]
	}
	return fields
}
