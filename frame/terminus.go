package frame

import (
	"fmt"

	"github.com/mycoria/amqplink/encoding"
)

// Source is the source terminus of a link.
type Source struct {
	Address      string
	Durable      uint32
	ExpiryPolicy encoding.Symbol
	Timeout      uint32
	Dynamic      bool

	DistributionMode encoding.Symbol
	Filter           map[encoding.Symbol]any
	DefaultOutcome   DeliveryState
	Outcomes         []encoding.Symbol
	Capabilities     []encoding.Symbol
}

// Target is the target terminus of a link.
type Target struct {
	Address      string
	Durable      uint32
	ExpiryPolicy encoding.Symbol
	Timeout      uint32
	Dynamic      bool
	Capabilities []encoding.Symbol
}

// Value returns the source as a described list.
func (s *Source) Value() encoding.Described {
	return encoding.Describe(CodeSource, trimList([]any{
		optString(s.Address),
		optUint32(nonZero(s.Durable)),
		optSymbol(s.ExpiryPolicy),
		optUint32(nonZero(s.Timeout)),
		optBool(s.Dynamic),
		nil, // dynamic-node-properties
		optSymbol(s.DistributionMode),
		optFields(s.Filter),
		optState(s.DefaultOutcome),
		optSymbols(s.Outcomes),
		optSymbols(s.Capabilities),
	}))
}

// Value returns the target as a described list.
func (t *Target) Value() encoding.Described {
	return encoding.Describe(CodeTarget, trimList([]any{
		optString(t.Address),
		optUint32(nonZero(t.Durable)),
		optSymbol(t.ExpiryPolicy),
		optUint32(nonZero(t.Timeout)),
		optBool(t.Dynamic),
		nil, // dynamic-node-properties
		optSymbols(t.Capabilities),
	}))
}

func (s *Source) String() string {
	return fmt.Sprintf("source(%s)", s.Address)
}

func (t *Target) String() string {
	return fmt.Sprintf("target(%s)", t.Address)
}

func decodeSource(v any) (*Source, error) {
	fl, err := terminusFields("source", CodeSource, v)
	if fl == nil || err != nil {
		return nil, err
	}
	s := &Source{
		Address:          fl.string(0),
		Durable:          fl.uint32(1, 0),
		ExpiryPolicy:     fl.symbol(2),
		Timeout:          fl.uint32(3, 0),
		Dynamic:          fl.bool(4),
		DistributionMode: fl.symbol(6),
		Filter:           fl.symbolMap(7),
		DefaultOutcome:   fl.deliveryState(8),
		Outcomes:         fl.symbols(9),
		Capabilities:     fl.symbols(10),
	}
	return s, fl.err
}

func decodeTarget(v any) (*Target, error) {
	fl, err := terminusFields("target", CodeTarget, v)
	if fl == nil || err != nil {
		return nil, err
	}
	t := &Target{
		Address:      fl.string(0),
		Durable:      fl.uint32(1, 0),
		ExpiryPolicy: fl.symbol(2),
		Timeout:      fl.uint32(3, 0),
		Dynamic:      fl.bool(4),
		Capabilities: fl.symbols(6),
	}
	return t, fl.err
}

func terminusFields(name string, code uint64, v any) (*fieldList, error) {
	if v == nil {
		return nil, nil
	}
	d, ok := v.(encoding.Described)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrInvalidPerformative, name, v)
	}
	if c, ok := d.Code(); !ok || c != code {
		return nil, fmt.Errorf("%w: %s descriptor %v", ErrInvalidPerformative, name, d.Descriptor)
	}
	fl := newFieldList(name, d.Value)
	return fl, fl.err
}

func nonZero(v uint32) *uint32 {
	if v == 0 {
		return nil
	}
	return &v
}
