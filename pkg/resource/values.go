package resource

import (
	"errors"
	"fmt"
	"math"
	"reflect"
)

// ErrUnsupportedValue is returned when a predicate value has a type that
// cannot contribute to an index entry hash. Callers must validate value
// classes before requesting a lock; this error is not recoverable.
var ErrUnsupportedValue = errors.New("unsupported value type for index entry hashing")

// valueKind tags each canonical value so that, for example, the string "1"
// and the integer 1 never hash alike.
type valueKind byte

const (
	kindInteger valueKind = 'i'
	kindFloat   valueKind = 'f'
	kindBool    valueKind = 'b'
	kindString  valueKind = 's'
	kindArray   valueKind = 'a'
)

// canonicalNaN is the single bit pattern all NaN payloads hash as.
const canonicalNaN = 0x7ff8000000000001

// valueSink receives the canonical form of a value. Hashers implement it.
type valueSink interface {
	integer(v int64)
	float(v float64)
	boolean(v bool)
	text(s string)
	array(n int)
}

// visitValue feeds the canonical form of v to sink.
//
// Canonicalization makes the hash independent of the Go representation of a
// value: int8(5), uint32(5), int64(5), float64(5) and a *int pointing at 5
// all produce the same integer event. Arrays and slices of any supported
// element type, including []any, produce an array header followed by their
// elements, so []int32{1, 2} and []float64{1, 2} hash identically.
func visitValue(v any, sink valueSink) error {
	switch x := v.(type) {
	case int64:
		sink.integer(x)
		return nil
	case int:
		sink.integer(int64(x))
		return nil
	case string:
		sink.text(x)
		return nil
	case bool:
		sink.boolean(x)
		return nil
	case float64:
		visitFloat(x, sink)
		return nil
	}
	return visitReflect(reflect.ValueOf(v), sink, 0)
}

func visitReflect(rv reflect.Value, sink valueSink, depth int) error {
	if !rv.IsValid() {
		return fmt.Errorf("%w: <nil>", ErrUnsupportedValue)
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return fmt.Errorf("%w: nil %s", ErrUnsupportedValue, rv.Type())
		}
		return visitReflect(rv.Elem(), sink, depth)
	case reflect.Bool:
		sink.boolean(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		sink.integer(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u <= math.MaxInt64 {
			sink.integer(int64(u))
		} else {
			sink.float(float64(u))
		}
	case reflect.Float32, reflect.Float64:
		visitFloat(rv.Float(), sink)
	case reflect.String:
		sink.text(rv.String())
	case reflect.Slice, reflect.Array:
		if depth > 0 {
			return fmt.Errorf("%w: nested array %s", ErrUnsupportedValue, rv.Type())
		}
		n := rv.Len()
		sink.array(n)
		for i := 0; i < n; i++ {
			if err := visitReflect(rv.Index(i), sink, depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedValue, rv.Type())
	}
	return nil
}

// visitFloat maps integral floats onto the integer domain so that 5.0 and 5
// lock the same slot. Negative zero is zero.
func visitFloat(f float64, sink valueSink) {
	if f == 0 {
		sink.integer(0)
		return
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		sink.integer(int64(f))
		return
	}
	sink.float(f)
}

func floatBits(f float64) uint64 {
	if math.IsNaN(f) {
		return canonicalNaN
	}
	return math.Float64bits(f)
}
