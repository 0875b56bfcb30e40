package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind is the declared type of a field and the runtime tag of a Value.
type Kind int

const (
	KindInvalid Kind = iota
	KindBool
	KindNumber
	KindText
	KindSingleChoice
	KindMultiChoice
)

var kindNames = map[Kind]string{
	KindBool:         "bool",
	KindNumber:       "number",
	KindText:         "text",
	KindSingleChoice: "single_choice",
	KindMultiChoice:  "multi_choice",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "invalid"
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ParseKind maps a catalogue type name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool", "boolean":
		return KindBool, nil
	case "number", "numeric", "integer":
		return KindNumber, nil
	case "text", "string":
		return KindText, nil
	case "single_choice", "select", "choice":
		return KindSingleChoice, nil
	case "multi_choice", "multiselect", "checklist":
		return KindMultiChoice, nil
	}
	return KindInvalid, fmt.Errorf("unknown field type %q", s)
}

// Value is a tagged union of every answer shape a form can hold. The zero
// Value is invalid and is never stored.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	set  []string
}

func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func Text(s string) Value    { return Value{kind: KindText, s: s} }
func Choice(s string) Value  { return Value{kind: KindSingleChoice, s: s} }

// Choices builds a multi-choice value. Duplicates are dropped and the set is
// kept sorted so that equal selections compare equal.
func Choices(options ...string) Value {
	seen := make(map[string]struct{}, len(options))
	set := make([]string, 0, len(options))
	for _, o := range options {
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		set = append(set, o)
	}
	sort.Strings(set)
	return Value{kind: KindMultiChoice, set: set}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the text or the selected option.
func (v Value) AsString() (string, bool) {
	return v.s, v.kind == KindText || v.kind == KindSingleChoice
}

// AsSet returns a copy of the selected options of a multi-choice value.
func (v Value) AsSet() ([]string, bool) {
	if v.kind != KindMultiChoice {
		return nil, false
	}
	out := make([]string, len(v.set))
	copy(out, v.set)
	return out, true
}

// Has reports whether a multi-choice value contains option.
func (v Value) Has(option string) bool {
	if v.kind != KindMultiChoice {
		return false
	}
	i := sort.SearchStrings(v.set, option)
	return i < len(v.set) && v.set[i] == option
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindText, KindSingleChoice:
		return v.s == o.s
	case KindMultiChoice:
		if len(v.set) != len(o.set) {
			return false
		}
		for i := range v.set {
			if v.set[i] != o.set[i] {
				return false
			}
		}
		return true
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindText, KindSingleChoice:
		return v.s
	case KindMultiChoice:
		return "[" + strings.Join(v.set, ",") + "]"
	}
	return "<invalid>"
}

type valueJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var raw []byte
	var err error
	switch v.kind {
	case KindBool:
		raw, err = json.Marshal(v.b)
	case KindNumber:
		raw, err = json.Marshal(v.n)
	case KindText, KindSingleChoice:
		raw, err = json.Marshal(v.s)
	case KindMultiChoice:
		set := v.set
		if set == nil {
			set = []string{}
		}
		raw, err = json.Marshal(set)
	default:
		return []byte("null"), nil
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Type: v.kind.String(), Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var tagged valueJSON
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	kind, err := ParseKind(tagged.Type)
	if err != nil {
		return err
	}
	decoded, err := DecodeValue(kind, tagged.Value)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// DecodeValue decodes an untagged JSON payload into a Value of the given kind.
// It is how the HTTP layer turns client input into a typed answer: the kind
// comes from the schema, never from the client.
func DecodeValue(kind Kind, raw json.RawMessage) (Value, error) {
	switch kind {
	case KindBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, fmt.Errorf("expected boolean: %w", err)
		}
		return Bool(b), nil
	case KindNumber:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return Value{}, fmt.Errorf("expected number: %w", err)
		}
		return Number(n), nil
	case KindText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("expected string: %w", err)
		}
		return Text(s), nil
	case KindSingleChoice:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("expected option string: %w", err)
		}
		return Choice(s), nil
	case KindMultiChoice:
		var set []string
		if err := json.Unmarshal(raw, &set); err != nil {
			return Value{}, fmt.Errorf("expected list of options: %w", err)
		}
		return Choices(set...), nil
	}
	return Value{}, fmt.Errorf("cannot decode value of kind %s", kind)
}
