// Package colbuild appends decoded file values to Arrow array builders.
//
// It is the shared conversion layer for the format readers: each reader
// walks its native value representation (parquet.Value, decoded JSON) and
// delegates the per-cell append here. Only flat schemas over the supported
// leaf types are handled.
package colbuild

import (
	"fmt"
	"math"
	"time"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/parquet-go/parquet-go"
)

// int32 bounds for overflow checks (stdlib has no int32 bounds constants).
const (
	minInt32 = -1 << 31
	maxInt32 = 1<<31 - 1
)

// AppendNull appends a null cell, rejecting nulls in non-nullable fields.
func AppendNull(b array.Builder, field arrow.Field) error {
	if !field.Nullable {
		return fmt.Errorf("field %q is not nullable", field.Name)
	}
	b.AppendNull()
	return nil
}

// AppendParquet appends one parquet value to the builder for field.
// The value's physical kind must match the field type.
func AppendParquet(b array.Builder, field arrow.Field, v parquet.Value) error {
	if v.IsNull() {
		return AppendNull(b, field)
	}

	switch bl := b.(type) {
	case *array.BooleanBuilder:
		if v.Kind() != parquet.Boolean {
			return kindMismatch(field, v)
		}
		bl.Append(v.Boolean())
	case *array.Int32Builder:
		if v.Kind() != parquet.Int32 {
			return kindMismatch(field, v)
		}
		bl.Append(v.Int32())
	case *array.Int64Builder:
		if v.Kind() != parquet.Int64 {
			return kindMismatch(field, v)
		}
		bl.Append(v.Int64())
	case *array.Float32Builder:
		if v.Kind() != parquet.Float {
			return kindMismatch(field, v)
		}
		bl.Append(v.Float())
	case *array.Float64Builder:
		if v.Kind() != parquet.Double {
			return kindMismatch(field, v)
		}
		bl.Append(v.Double())
	case *array.StringBuilder:
		if v.Kind() != parquet.ByteArray {
			return kindMismatch(field, v)
		}
		bl.Append(string(v.ByteArray()))
	case *array.BinaryBuilder:
		if v.Kind() != parquet.ByteArray {
			return kindMismatch(field, v)
		}
		bl.Append(v.ByteArray())
	case *array.TimestampBuilder:
		if v.Kind() != parquet.Int64 {
			return kindMismatch(field, v)
		}
		bl.Append(arrow.Timestamp(v.Int64()))
	default:
		return fmt.Errorf("field %q: unsupported arrow type %s", field.Name, field.Type)
	}
	return nil
}

func kindMismatch(field arrow.Field, v parquet.Value) error {
	return fmt.Errorf("field %q: parquet kind %s does not match arrow type %s", field.Name, v.Kind(), field.Type)
}

// AppendJSON appends one decoded JSON value to the builder for field.
// JSON numbers arrive as float64; integral fields reject fractional values.
func AppendJSON(b array.Builder, field arrow.Field, v any) error {
	if v == nil {
		return AppendNull(b, field)
	}

	switch bl := b.(type) {
	case *array.BooleanBuilder:
		val, ok := v.(bool)
		if !ok {
			return typeMismatch(field, "bool", v)
		}
		bl.Append(val)
	case *array.Int32Builder:
		n, err := jsonInt(field, v)
		if err != nil {
			return err
		}
		if n < minInt32 || n > maxInt32 {
			return fmt.Errorf("field %q: value %d overflows int32", field.Name, n)
		}
		bl.Append(int32(n))
	case *array.Int64Builder:
		n, err := jsonInt(field, v)
		if err != nil {
			return err
		}
		bl.Append(n)
	case *array.Float32Builder:
		f, ok := v.(float64)
		if !ok {
			return typeMismatch(field, "number", v)
		}
		bl.Append(float32(f))
	case *array.Float64Builder:
		f, ok := v.(float64)
		if !ok {
			return typeMismatch(field, "number", v)
		}
		bl.Append(f)
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			return typeMismatch(field, "string", v)
		}
		bl.Append(s)
	case *array.BinaryBuilder:
		s, ok := v.(string)
		if !ok {
			return typeMismatch(field, "string", v)
		}
		bl.Append([]byte(s))
	case *array.TimestampBuilder:
		s, ok := v.(string)
		if !ok {
			return typeMismatch(field, "timestamp string", v)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("field %q: invalid timestamp: %w", field.Name, err)
		}
		unit := arrow.Nanosecond
		if tt, ok := field.Type.(*arrow.TimestampType); ok {
			unit = tt.Unit
		}
		bl.Append(timestampOf(t, unit))
	default:
		return fmt.Errorf("field %q: unsupported arrow type %s", field.Name, field.Type)
	}
	return nil
}

// timestampOf converts a wall-clock time to an arrow timestamp in the
// field's declared unit.
func timestampOf(t time.Time, unit arrow.TimeUnit) arrow.Timestamp {
	switch unit {
	case arrow.Second:
		return arrow.Timestamp(t.Unix())
	case arrow.Millisecond:
		return arrow.Timestamp(t.UnixMilli())
	case arrow.Microsecond:
		return arrow.Timestamp(t.UnixMicro())
	default:
		return arrow.Timestamp(t.UnixNano())
	}
}

func jsonInt(field arrow.Field, v any) (int64, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, typeMismatch(field, "number", v)
	}
	if math.Trunc(f) != f {
		return 0, fmt.Errorf("field %q: number %v is not an integer", field.Name, f)
	}
	return int64(f), nil
}

func typeMismatch(field arrow.Field, want string, v any) error {
	return fmt.Errorf("field %q: expected %s, got %T", field.Name, want, v)
}
