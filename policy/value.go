package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

// Value kinds.
const (
	KindBool Kind = iota + 1
	KindInt
	KindText
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindText:
		return "text"
	case KindList:
		return "list"
	default:
		return "invalid"
	}
}

// Value is an action value decided once when a policy is loaded. Call sites
// read it through the typed accessors and never re-parse strings.
type Value struct {
	kind Kind
	b    bool
	i    int64
	s    string
	l    []string
}

// Bool returns a boolean-presence value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Text returns a string value.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// List returns a list value.
func List(items ...string) Value {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return Value{kind: KindList, l: out}
}

// Kind returns the variant tag. The zero Value has kind 0.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v was never set.
func (v Value) IsZero() bool { return v.kind == 0 }

// AsBool returns the boolean and whether v is a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the integer and whether v is an int.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsText returns the string and whether v is text.
func (v Value) AsText() (string, bool) { return v.s, v.kind == KindText }

// AsList returns a copy of the items and whether v is a list.
func (v Value) AsList() ([]string, bool) {
	if v.kind != KindList {
		return nil, false
	}
	out := make([]string, len(v.l))
	copy(out, v.l)
	return out, true
}

// Contains reports whether a list value holds item (case-insensitive).
func (v Value) Contains(item string) bool {
	for _, it := range v.l {
		if strings.EqualFold(it, item) {
			return true
		}
	}
	return false
}

// String renders v canonically. Two values are the same action value iff
// their String forms are equal.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindText:
		return v.s
	case KindList:
		return strings.Join(v.l, " ")
	default:
		return ""
	}
}

// Equal compares kind and content.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.String() == o.String()
}

// MarshalJSON encodes the variant as the matching JSON type.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindText:
		return json.Marshal(v.s)
	case KindList:
		return json.Marshal(v.l)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a bool, number, string or array of strings.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*v = Value{}
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*v = Bool(data[0] == 't')
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Text(s)
	case len(data) > 0 && data[0] == '[':
		var l []string
		if err := json.Unmarshal(data, &l); err != nil {
			return err
		}
		*v = List(l...)
	default:
		i, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("policy value: %w", err)
		}
		*v = Int(i)
	}
	return nil
}

// ParseValue converts a raw string into a Value of kind.
func ParseValue(kind Kind, raw string) (Value, error) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case KindBool:
		switch strings.ToLower(raw) {
		case "", "true", "1", "yes", "on":
			return Bool(true), nil
		case "false", "0", "no", "off":
			return Bool(false), nil
		}
		return Value{}, fmt.Errorf("%w: %q is not a boolean", ErrInvalidPolicy, raw)
	case KindInt:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not an integer", ErrInvalidPolicy, raw)
		}
		return Int(i), nil
	case KindText:
		return Text(raw), nil
	case KindList:
		return List(strings.FieldsFunc(raw, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})...), nil
	default:
		return Value{}, fmt.Errorf("%w: unknown value kind %d", ErrInvalidPolicy, kind)
	}
}

// ParseAction types a raw action value by its registered kind. Unregistered
// actions become text, or boolean presence when raw is empty.
func ParseAction(action, raw string) (Value, error) {
	if kind, ok := KindOf(action); ok {
		return ParseValue(kind, raw)
	}
	if strings.TrimSpace(raw) == "" {
		return Bool(true), nil
	}
	return Text(strings.TrimSpace(raw)), nil
}

// ParseActions parses a "name=value, flag, other=value" action string into
// typed values.
func ParseActions(raw string) (map[string]Value, error) {
	out := map[string]Value{}
	for _, part := range splitActions(raw) {
		name, val, _ := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		v, err := ParseAction(name, val)
		if err != nil {
			return nil, fmt.Errorf("action %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// splitActions splits on commas that are not inside a value list quoted with
// single quotes, so "webauthn_req='a,b', enrollHOTP" yields two parts.
func splitActions(raw string) []string {
	var (
		parts  []string
		cur    strings.Builder
		quoted bool
	)
	for _, r := range raw {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}
