package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05.999999"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	timestampLayout,
	"2006-01-02T15:04:05.999999",
	dateLayout,
}

// Cast converts caller or driver input into the kind declared by def.
func Cast(def AttributeDef, raw any) (Value, error) {
	if existing, ok := raw.(Value); ok {
		if existing.IsNull() || existing.Kind() == def.Kind {
			return existing, nil
		}
		raw = existing.Interface()
	}
	if raw == nil {
		return Null(), nil
	}
	if def.Kind != KindText && def.Kind != KindBlob && isBlank(raw) {
		return Null(), nil
	}

	var (
		value Value
		err   error
	)
	switch def.Kind {
	case KindBoolean:
		value, err = castBoolean(raw)
	case KindInteger:
		value, err = castInteger(raw)
	case KindDecimal:
		value, err = castDecimal(raw)
	case KindText:
		value, err = castText(raw)
	case KindTimestamp:
		value, err = castTime(raw, Timestamp)
	case KindDate:
		value, err = castTime(raw, Date)
	case KindBlob:
		value, err = castBlob(def.blobFormat(), raw)
	default:
		err = fmt.Errorf("unsupported kind %s", def.Kind)
	}
	if err != nil {
		return Null(), fmt.Errorf("%w: %s %s: %v", ErrInvalidValue, def.Name, def.Kind, err)
	}
	return value, nil
}

// Equal reports whether two values are equal after casting. Blobs compare structurally.
func Equal(left, right Value) bool {
	if left.IsNull() || right.IsNull() {
		return left.IsNull() && right.IsNull()
	}
	if left.kind != right.kind {
		return false
	}
	switch left.kind {
	case KindBoolean:
		return left.boolean == right.boolean
	case KindInteger:
		return left.integer == right.integer
	case KindDecimal:
		return left.decimal.Cmp(right.decimal) == 0
	case KindText:
		return left.text == right.text
	case KindTimestamp, KindDate:
		return left.instant.Equal(right.instant)
	case KindBlob:
		return blobsEqual(left.blob, right.blob)
	default:
		return false
	}
}

// encodeDriverValue converts a value into something a SQL driver accepts.
func encodeDriverValue(value Value) (any, error) {
	switch value.kind {
	case KindNull:
		return nil, nil
	case KindDecimal:
		return value.decimal.RatString(), nil
	case KindDate:
		return value.instant.Format(dateLayout), nil
	case KindBlob:
		if value.blob.Format == BlobBinary {
			raw, ok := value.blob.Data.([]byte)
			if !ok {
				return nil, fmt.Errorf("%w: binary blob holds %T", ErrInvalidValue, value.blob.Data)
			}
			return append([]byte(nil), raw...), nil
		}
		encoded, err := gojson.Marshal(value.blob.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return string(encoded), nil
	default:
		return value.Interface(), nil
	}
}

func isBlank(raw any) bool {
	switch typed := raw.(type) {
	case string:
		return strings.TrimSpace(typed) == ""
	case []byte:
		return len(bytes.TrimSpace(typed)) == 0
	default:
		return false
	}
}

func castBoolean(raw any) (Value, error) {
	switch typed := raw.(type) {
	case bool:
		return Bool(typed), nil
	case int, int32, int64, float64, json.Number:
		number, err := castInteger(typed)
		if err != nil {
			return Null(), err
		}
		return Bool(number.integer != 0), nil
	case []byte:
		return castBoolean(string(typed))
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "1", "t", "true", "y", "yes", "on":
			return Bool(true), nil
		case "0", "f", "false", "n", "no", "off":
			return Bool(false), nil
		}
		return Null(), fmt.Errorf("cannot interpret %q as boolean", typed)
	}
	return Null(), fmt.Errorf("cannot interpret %T as boolean", raw)
}

func castInteger(raw any) (Value, error) {
	switch typed := raw.(type) {
	case int:
		return Int(int64(typed)), nil
	case int8:
		return Int(int64(typed)), nil
	case int16:
		return Int(int64(typed)), nil
	case int32:
		return Int(int64(typed)), nil
	case int64:
		return Int(typed), nil
	case uint:
		return castInteger(uint64(typed))
	case uint8:
		return Int(int64(typed)), nil
	case uint16:
		return Int(int64(typed)), nil
	case uint32:
		return Int(int64(typed)), nil
	case uint64:
		if typed > math.MaxInt64 {
			return Null(), fmt.Errorf("%d is out of integer range", typed)
		}
		return Int(int64(typed)), nil
	case float32:
		return castInteger(float64(typed))
	case float64:
		if typed != math.Trunc(typed) || math.IsInf(typed, 0) {
			return Null(), fmt.Errorf("%v is not integral", typed)
		}
		// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
		if typed >= math.MaxInt64 || typed < math.MinInt64 {
			return Null(), fmt.Errorf("%v is out of integer range", typed)
		}
		return Int(int64(typed)), nil
	case bool:
		if typed {
			return Int(1), nil
		}
		return Int(0), nil
	case json.Number:
		return castInteger(typed.String())
	case *big.Rat:
		if !typed.IsInt() {
			return Null(), fmt.Errorf("%s is not integral", typed.RatString())
		}
		if !typed.Num().IsInt64() {
			return Null(), fmt.Errorf("%s is out of integer range", typed.RatString())
		}
		return Int(typed.Num().Int64()), nil
	case []byte:
		return castInteger(string(typed))
	case string:
		trimmed := strings.TrimSpace(typed)
		if parsed, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return Int(parsed), nil
		}
		rational, ok := new(big.Rat).SetString(trimmed)
		if !ok {
			return Null(), fmt.Errorf("cannot interpret %q as integer", typed)
		}
		return castInteger(rational)
	}
	return Null(), fmt.Errorf("cannot interpret %T as integer", raw)
}

func castDecimal(raw any) (Value, error) {
	switch typed := raw.(type) {
	case *big.Rat:
		return Decimal(typed), nil
	case int:
		return Decimal(new(big.Rat).SetInt64(int64(typed))), nil
	case int64:
		return Decimal(new(big.Rat).SetInt64(typed)), nil
	case float32:
		return castDecimal(float64(typed))
	case float64:
		if math.IsInf(typed, 0) || math.IsNaN(typed) {
			return Null(), fmt.Errorf("%v is not finite", typed)
		}
		// The shortest representation keeps 0.1 equal to the decimal text "0.1".
		return castDecimal(strconv.FormatFloat(typed, 'f', -1, 64))
	case json.Number:
		return castDecimal(typed.String())
	case []byte:
		return castDecimal(string(typed))
	case string:
		rational, ok := new(big.Rat).SetString(strings.TrimSpace(typed))
		if !ok {
			return Null(), fmt.Errorf("cannot interpret %q as decimal", typed)
		}
		return Decimal(rational), nil
	}
	return Null(), fmt.Errorf("cannot interpret %T as decimal", raw)
}

func castText(raw any) (Value, error) {
	switch typed := raw.(type) {
	case string:
		return Text(typed), nil
	case []byte:
		return Text(string(typed)), nil
	case fmt.Stringer:
		return Text(typed.String()), nil
	case bool, int, int32, int64, float32, float64:
		return Text(fmt.Sprint(typed)), nil
	}
	return Null(), fmt.Errorf("cannot interpret %T as text", raw)
}

func castTime(raw any, wrap func(time.Time) Value) (Value, error) {
	switch typed := raw.(type) {
	case time.Time:
		return wrap(typed), nil
	case *time.Time:
		if typed == nil {
			return Null(), nil
		}
		return wrap(*typed), nil
	case int64:
		return wrap(time.Unix(typed, 0)), nil
	case []byte:
		return castTime(string(typed), wrap)
	case string:
		trimmed := strings.TrimSpace(typed)
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return wrap(parsed), nil
			}
		}
		return Null(), fmt.Errorf("cannot interpret %q as time", typed)
	}
	return Null(), fmt.Errorf("cannot interpret %T as time", raw)
}

func castBlob(format BlobFormat, raw any) (Value, error) {
	if format == BlobBinary {
		switch typed := raw.(type) {
		case []byte:
			return BlobValue(BlobBinary, typed), nil
		case string:
			return BlobValue(BlobBinary, []byte(typed)), nil
		}
		return Null(), fmt.Errorf("cannot interpret %T as binary blob", raw)
	}
	switch typed := raw.(type) {
	case map[string]any, []any:
		return BlobValue(BlobJSON, typed), nil
	case []string:
		items := make([]any, len(typed))
		for index, item := range typed {
			items[index] = item
		}
		return BlobValue(BlobJSON, items), nil
	case []byte:
		return decodeJSONBlob(typed)
	case string:
		return decodeJSONBlob([]byte(typed))
	case json.RawMessage:
		return decodeJSONBlob(typed)
	}
	return Null(), fmt.Errorf("cannot interpret %T as json blob", raw)
}

func decodeJSONBlob(payload []byte) (Value, error) {
	var decoded any
	if err := gojson.Unmarshal(payload, &decoded); err != nil {
		return Null(), err
	}
	if decoded == nil {
		return Null(), nil
	}
	return BlobValue(BlobJSON, decoded), nil
}

func blobsEqual(left, right Blob) bool {
	if left.Format != right.Format {
		return false
	}
	if left.Format == BlobBinary {
		leftBytes, leftOK := left.Data.([]byte)
		rightBytes, rightOK := right.Data.([]byte)
		return leftOK && rightOK && bytes.Equal(leftBytes, rightBytes)
	}
	// Canonical JSON collapses numeric representation differences (int vs float64).
	leftJSON, leftErr := gojson.Marshal(left.Data)
	rightJSON, rightErr := gojson.Marshal(right.Data)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return bytes.Equal(leftJSON, rightJSON)
}
