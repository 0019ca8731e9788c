package records

import (
	"fmt"
	"math/big"
	"time"
)

// Kind enumerates the attribute value types a record schema may declare.
type Kind uint8

const (
	// KindNull is only carried by null values; attributes never declare it.
	KindNull Kind = iota
	// KindBoolean stores true/false.
	KindBoolean
	// KindInteger stores signed 64-bit integers.
	KindInteger
	// KindDecimal stores arbitrary precision rationals.
	KindDecimal
	// KindText stores strings.
	KindText
	// KindTimestamp stores UTC instants with microsecond precision.
	KindTimestamp
	// KindDate stores calendar dates as UTC midnight.
	KindDate
	// KindBlob stores serialized structured or binary payloads.
	KindBlob
)

var kindNames = map[Kind]string{
	KindNull:      "null",
	KindBoolean:   "boolean",
	KindInteger:   "integer",
	KindDecimal:   "decimal",
	KindText:      "text",
	KindTimestamp: "timestamp",
	KindDate:      "date",
	KindBlob:      "blob",
}

// String returns the lower-case kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// BlobFormat tags the encoding of a blob payload.
type BlobFormat string

const (
	// BlobJSON blobs hold map[string]any / []any trees and are stored as JSON text.
	BlobJSON BlobFormat = "json"
	// BlobBinary blobs hold raw bytes.
	BlobBinary BlobFormat = "binary"
)

// Blob is the payload of a KindBlob value. Data is shared with the caller, so
// containers reachable from it may be mutated in place.
type Blob struct {
	Format BlobFormat
	Data   any
}

// Value is the tagged union every attribute holds.
type Value struct {
	kind    Kind
	boolean bool
	integer int64
	decimal *big.Rat
	text    string
	instant time.Time
	blob    Blob
}

// Null returns the null value.
func Null() Value {
	return Value{kind: KindNull}
}

// Bool wraps a boolean.
func Bool(value bool) Value {
	return Value{kind: KindBoolean, boolean: value}
}

// Int wraps an integer.
func Int(value int64) Value {
	return Value{kind: KindInteger, integer: value}
}

// Decimal wraps a copy of the provided rational. A nil rational yields null.
func Decimal(value *big.Rat) Value {
	if value == nil {
		return Null()
	}
	return Value{kind: KindDecimal, decimal: new(big.Rat).Set(value)}
}

// Text wraps a string.
func Text(value string) Value {
	return Value{kind: KindText, text: value}
}

// Timestamp wraps an instant normalized to UTC and truncated to microseconds.
func Timestamp(value time.Time) Value {
	return Value{kind: KindTimestamp, instant: value.UTC().Truncate(time.Microsecond)}
}

// Date wraps the calendar day of the provided time.
func Date(value time.Time) Value {
	year, month, day := value.Date()
	return Value{kind: KindDate, instant: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// BlobValue wraps a blob payload without copying it.
func BlobValue(format BlobFormat, data any) Value {
	if data == nil {
		return Null()
	}
	return Value{kind: KindBlob, blob: Blob{Format: format, Data: data}}
}

// Kind reports the value's tag.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// Bool returns the boolean payload.
func (v Value) Bool() bool {
	return v.boolean
}

// Int returns the integer payload.
func (v Value) Int() int64 {
	return v.integer
}

// Decimal returns a copy of the decimal payload, or nil.
func (v Value) Decimal() *big.Rat {
	if v.decimal == nil {
		return nil
	}
	return new(big.Rat).Set(v.decimal)
}

// Text returns the string payload.
func (v Value) Text() string {
	return v.text
}

// Time returns the timestamp or date payload.
func (v Value) Time() time.Time {
	return v.instant
}

// Blob returns the blob payload. The Data field aliases the stored value.
func (v Value) Blob() Blob {
	return v.blob
}

// Interface returns the payload as a plain Go value.
func (v Value) Interface() any {
	switch v.kind {
	case KindBoolean:
		return v.boolean
	case KindInteger:
		return v.integer
	case KindDecimal:
		return v.Decimal()
	case KindText:
		return v.text
	case KindTimestamp, KindDate:
		return v.instant
	case KindBlob:
		return v.blob.Data
	default:
		return nil
	}
}

// String renders the value for logs and error messages.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindDecimal:
		return v.decimal.RatString()
	case KindTimestamp:
		return v.instant.Format(time.RFC3339Nano)
	case KindDate:
		return v.instant.Format(dateLayout)
	case KindBlob:
		return fmt.Sprintf("%s:%v", v.blob.Format, v.blob.Data)
	default:
		return fmt.Sprint(v.Interface())
	}
}

// mutable reports whether the payload can change without reassignment.
func (v Value) mutable() bool {
	return v.kind == KindBlob
}

// clone returns a value that shares no mutable state with v.
func (v Value) clone() Value {
	switch v.kind {
	case KindDecimal:
		return Decimal(v.decimal)
	case KindBlob:
		return Value{kind: KindBlob, blob: Blob{Format: v.blob.Format, Data: deepCopy(v.blob.Data)}}
	default:
		return v
	}
}

func deepCopy(data any) any {
	switch typed := data.(type) {
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for key, item := range typed {
			copied[key] = deepCopy(item)
		}
		return copied
	case []any:
		copied := make([]any, len(typed))
		for index, item := range typed {
			copied[index] = deepCopy(item)
		}
		return copied
	case []byte:
		return append([]byte(nil), typed...)
	case []string:
		return append([]string(nil), typed...)
	default:
		return typed
	}
}
