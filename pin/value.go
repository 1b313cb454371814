package pin

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Wildcard is the value marker that matches any value of a key.
const Wildcard = "*"

// Kind identifies the scalar type carried by a Value
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindWildcard
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindWildcard:
		return "wildcard"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is a scalar pattern value kept in its canonical text form.
type Value struct {
	kind Kind
	text string
}

// String returns a string value. The literal "*" becomes the wildcard.
func String(s string) Value {
	if s == Wildcard {
		return Value{kind: KindWildcard, text: Wildcard}
	}
	return Value{kind: KindString, text: s}
}

// Number returns a numeric value rendered without exponent or trailing zeros.
func Number(f float64) Value {
	return Value{kind: KindNumber, text: strconv.FormatFloat(f, 'f', -1, 64)}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{kind: KindBool, text: strconv.FormatBool(b)}
}

// Any returns the wildcard value.
func Any() Value {
	return Value{kind: KindWildcard, text: Wildcard}
}

// ValueOf converts a Go scalar into a Value. It accepts strings, booleans,
// all integer and float types, json.Number and Value itself.
func ValueOf(v any) (Value, error) {
	switch t := v.(type) {
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("pin: invalid number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return Value{}, fmt.Errorf("pin: non-finite number %v", t)
		}
		return Number(t), nil
	case float32:
		return ValueOf(float64(t))
	case int:
		return Value{kind: KindNumber, text: strconv.FormatInt(int64(t), 10)}, nil
	case int8:
		return Value{kind: KindNumber, text: strconv.FormatInt(int64(t), 10)}, nil
	case int16:
		return Value{kind: KindNumber, text: strconv.FormatInt(int64(t), 10)}, nil
	case int32:
		return Value{kind: KindNumber, text: strconv.FormatInt(int64(t), 10)}, nil
	case int64:
		return Value{kind: KindNumber, text: strconv.FormatInt(t, 10)}, nil
	case uint:
		return Value{kind: KindNumber, text: strconv.FormatUint(uint64(t), 10)}, nil
	case uint8:
		return Value{kind: KindNumber, text: strconv.FormatUint(uint64(t), 10)}, nil
	case uint16:
		return Value{kind: KindNumber, text: strconv.FormatUint(uint64(t), 10)}, nil
	case uint32:
		return Value{kind: KindNumber, text: strconv.FormatUint(uint64(t), 10)}, nil
	case uint64:
		return Value{kind: KindNumber, text: strconv.FormatUint(t, 10)}, nil
	}
	return Value{}, fmt.Errorf("pin: unsupported value type %T", v)
}

// Kind returns the scalar kind.
func (v Value) Kind() Kind { return v.kind }

// Text returns the canonical text form used in routing keys and queue names.
func (v Value) Text() string { return v.text }

// IsWildcard reports whether v matches any value.
func (v Value) IsWildcard() bool { return v.kind == KindWildcard }

// Native returns the value as a Go scalar suitable for JSON encoding.
func (v Value) Native() any {
	switch v.kind {
	case KindNumber:
		f, err := strconv.ParseFloat(v.text, 64)
		if err == nil {
			return f
		}
	case KindBool:
		return v.text == "true"
	}
	return v.text
}

// Matches reports whether a call argument satisfies this value.
func (v Value) Matches(arg any) bool {
	if v.IsWildcard() {
		return true
	}
	other, err := ValueOf(arg)
	if err != nil {
		return false
	}
	return other.text == v.text
}

func (v Value) String() string { return v.text }

// literal renders v so that parseValue reads it back unchanged. Strings are
// quoted when they would otherwise split the pair, lose surrounding space or
// read as another kind.
func (v Value) literal() string {
	if v.kind != KindString || !needsQuote(v.text) {
		return v.text
	}
	quote := byte('\'')
	if strings.IndexByte(v.text, '\'') >= 0 && strings.IndexByte(v.text, '"') < 0 {
		quote = '"'
	}
	var b strings.Builder
	b.Grow(len(v.text) + 2)
	b.WriteByte(quote)
	for i := 0; i < len(v.text); i++ {
		c := v.text[i]
		if c == quote || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte(quote)
	return b.String()
}

func needsQuote(s string) bool {
	if s == "" || strings.TrimSpace(s) != s || strings.ContainsAny(s, ",'\"{}") {
		return true
	}
	return parseValue(s).kind != KindString
}

// parseValue interprets the text of a value in a pattern string.
func parseValue(raw string) Value {
	if n := len(raw); n >= 2 {
		if (raw[0] == '\'' && raw[n-1] == '\'') || (raw[0] == '"' && raw[n-1] == '"') {
			return Value{kind: KindString, text: unquote(raw[1 : n-1])}
		}
	}
	switch raw {
	case Wildcard:
		return Any()
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Value{kind: KindNumber, text: strconv.FormatInt(n, 10)}
	}
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return Value{kind: KindNumber, text: strconv.FormatUint(n, 10)}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return Number(f)
	}
	return Value{kind: KindString, text: raw}
}

// unquote drops the backslash in front of each escaped byte.
func unquote(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
