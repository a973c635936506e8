package fluxcsv

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Type tags understood by the coercion table
const (
	TypeString       = "string"
	TypeLong         = "long"
	TypeUnsignedLong = "unsignedLong"
	TypeDouble       = "double"
	TypeBool         = "bool"
	TypeRFC3339      = "dateTime:RFC3339"
	TypeRFC3339Nano  = "dateTime:RFC3339Nano"
	TypeDuration     = "duration"
	TypeBase64Binary = "base64Binary"
)

type coerceFunc func(literal string) (interface{}, error)

var coercers = map[string]coerceFunc{
	TypeString:       coerceString,
	TypeLong:         coerceLong,
	TypeUnsignedLong: coerceUnsignedLong,
	TypeDouble:       coerceDouble,
	TypeBool:         coerceBool,
	TypeRFC3339:      coerceDateTime,
	TypeRFC3339Nano:  coerceDateTime,
	TypeDuration:     coerceDuration,
	TypeBase64Binary: coerceBase64,
}

// KnownType reports whether tag has a dedicated conversion
func KnownType(tag string) bool {
	_, ok := coercers[tag]
	return ok
}

// Coerce converts a non-empty cell literal according to its #datatype tag.
// Unrecognized tags fall through to the literal string.
func Coerce(tag, literal string) (interface{}, error) {
	fn, ok := coercers[tag]
	if !ok {
		return literal, nil
	}
	return fn(literal)
}

func coerceString(literal string) (interface{}, error) {
	return literal, nil
}

func coerceLong(literal string) (interface{}, error) {
	return strconv.ParseInt(literal, 10, 64)
}

func coerceUnsignedLong(literal string) (interface{}, error) {
	return strconv.ParseUint(literal, 10, 64)
}

// coerceDouble accepts NaN and +/-Inf as written by the service
func coerceDouble(literal string) (interface{}, error) {
	return strconv.ParseFloat(literal, 64)
}

func coerceBool(literal string) (interface{}, error) {
	switch literal {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return nil, fmt.Errorf("expected true or false")
	}
}

func coerceDateTime(literal string) (interface{}, error) {
	t, err := time.Parse(time.RFC3339Nano, literal)
	if err != nil {
		return nil, err
	}
	return t.UTC(), nil
}

// coerceDuration reads integer nanoseconds; Go duration literals ("1h30m") are accepted too
func coerceDuration(literal string) (interface{}, error) {
	if ns, err := strconv.ParseInt(literal, 10, 64); err == nil {
		return time.Duration(ns), nil
	}
	return time.ParseDuration(literal)
}

func coerceBase64(literal string) (interface{}, error) {
	return base64.StdEncoding.DecodeString(literal)
}
