package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// ValueKind tags the variant held by a Value.
type ValueKind string

const (
	KindNone   ValueKind = ""
	KindNumber ValueKind = "number"
	KindString ValueKind = "string"
	KindBool   ValueKind = "bool"
	KindList   ValueKind = "list"
	KindRange  ValueKind = "range"
	KindObject ValueKind = "object"
)

// Value is the operand of a condition or action. Exactly one variant is set,
// selected by Kind. Numbers are decimals so that price arithmetic is exact.
type Value struct {
	Kind   ValueKind
	Number decimal.Decimal
	Str    string
	Bool   bool
	List   []Value
	Min    *Value
	Max    *Value
	Object map[string]Value
}

func NumberValue(f float64) Value { return Value{Kind: KindNumber, Number: decimal.NewFromFloat(f)} }

func DecimalValue(d decimal.Decimal) Value { return Value{Kind: KindNumber, Number: d} }

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

func ListValue(items ...Value) Value {
	return Value{Kind: KindList, List: append([]Value{}, items...)}
}

// StringList builds a list value of strings.
func StringList(items ...string) Value {
	list := make([]Value, len(items))
	for i, s := range items {
		list[i] = StringValue(s)
	}
	return Value{Kind: KindList, List: list}
}

// RangeValue builds an inclusive [min, max] range.
func RangeValue(min, max float64) Value {
	lo, hi := NumberValue(min), NumberValue(max)
	return Value{Kind: KindRange, Min: &lo, Max: &hi}
}

func ObjectValue(fields map[string]Value) Value {
	obj := make(map[string]Value, len(fields))
	for k, v := range fields {
		obj[k] = v
	}
	return Value{Kind: KindObject, Object: obj}
}

// Clone returns a copy that shares no list, bound or object storage with v.
func (v Value) Clone() Value {
	c := v
	if v.List != nil {
		c.List = make([]Value, len(v.List))
		for i, item := range v.List {
			c.List[i] = item.Clone()
		}
	}
	if v.Min != nil {
		m := v.Min.Clone()
		c.Min = &m
	}
	if v.Max != nil {
		m := v.Max.Clone()
		c.Max = &m
	}
	if v.Object != nil {
		c.Object = make(map[string]Value, len(v.Object))
		for k, field := range v.Object {
			c.Object[k] = field.Clone()
		}
	}
	return c
}

// IsZero reports whether no variant is set.
func (v Value) IsZero() bool {
	return v.Kind == KindNone
}

// Decimal returns the number held by v.
func (v Value) Decimal() (decimal.Decimal, bool) {
	if v.Kind != KindNumber {
		return decimal.Zero, false
	}
	return v.Number, true
}

// Native converts the value to plain Go types: numbers become float64,
// ranges become {"min", "max"} maps.
func (v Value) Native() any {
	switch v.Kind {
	case KindNumber:
		return v.Number.InexactFloat64()
	case KindString:
		return v.Str
	case KindBool:
		return v.Bool
	case KindList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item.Native()
		}
		return out
	case KindRange:
		return map[string]any{"min": v.Min.Native(), "max": v.Max.Native()}
	case KindObject:
		out := make(map[string]any, len(v.Object))
		for k, item := range v.Object {
			out[k] = item.Native()
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%s>", v.Kind)
	}
	return string(b)
}

// ValueFromNative converts decoded JSON (or plain Go values) into a Value.
// A map holding exactly the keys "min" and "max" becomes a range.
func ValueFromNative(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return x, nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return Value{}, errors.Wrapf(err, "invalid number %q", x.String())
		}
		return DecimalValue(d), nil
	case decimal.Decimal:
		return DecimalValue(x), nil
	case float64:
		return NumberValue(x), nil
	case float32:
		return NumberValue(float64(x)), nil
	case int:
		return DecimalValue(decimal.NewFromInt(int64(x))), nil
	case int32:
		return DecimalValue(decimal.NewFromInt(int64(x))), nil
	case int64:
		return DecimalValue(decimal.NewFromInt(x)), nil
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	case []string:
		return StringList(x...), nil
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			val, err := ValueFromNative(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = val
		}
		return Value{Kind: KindList, List: items}, nil
	case map[string]any:
		fields := make(map[string]Value, len(x))
		for k, item := range x {
			val, err := ValueFromNative(item)
			if err != nil {
				return Value{}, err
			}
			fields[k] = val
		}
		lo, hasMin := fields["min"]
		hi, hasMax := fields["max"]
		if len(fields) == 2 && hasMin && hasMax {
			return Value{Kind: KindRange, Min: &lo, Max: &hi}, nil
		}
		return Value{Kind: KindObject, Object: fields}, nil
	default:
		return Value{}, errors.Newf("unsupported value type %T", raw)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNone:
		return []byte("null"), nil
	case KindNumber:
		return []byte(v.Number.String()), nil
	case KindString:
		return json.Marshal(v.Str)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	case KindRange:
		return json.Marshal(map[string]Value{"min": *v.Min, "max": *v.Max})
	case KindObject:
		// encoding/json sorts map keys, keeping output stable
		return json.Marshal(v.Object)
	default:
		return nil, errors.Newf("unknown value kind %q", v.Kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ValueFromNative(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// objectKeys returns the keys of an object value in sorted order.
func (v Value) objectKeys() []string {
	keys := make([]string, 0, len(v.Object))
	for k := range v.Object {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
