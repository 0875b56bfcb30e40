package engine

import (
	"encoding/json"
	"sort"
	"strings"
)

// FieldKey identifies a field within a form as "<phase>.<field>".
type FieldKey string

// Key joins a phase id and a field id.
func Key(phaseID, fieldID string) FieldKey {
	return FieldKey(phaseID + "." + fieldID)
}

// Phase returns the phase part of the key.
func (k FieldKey) Phase() string {
	if i := strings.IndexByte(string(k), '.'); i >= 0 {
		return string(k)[:i]
	}
	return ""
}

// Field returns the field part of the key.
func (k FieldKey) Field() string {
	if i := strings.IndexByte(string(k), '.'); i >= 0 {
		return string(k)[i+1:]
	}
	return string(k)
}

// AnswerStore is the sparse set of answers of one session. A missing key
// means unanswered, which is distinct from false or zero.
type AnswerStore struct {
	values map[FieldKey]Value
}

func NewAnswerStore() AnswerStore {
	return AnswerStore{values: make(map[FieldKey]Value)}
}

// AnswersOf builds a store from a literal map, mostly for tests and fixtures.
func AnswersOf(m map[FieldKey]Value) AnswerStore {
	s := NewAnswerStore()
	for k, v := range m {
		s.Set(k, v)
	}
	return s
}

func (s AnswerStore) Get(key FieldKey) (Value, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s AnswerStore) Has(key FieldKey) bool {
	_, ok := s.values[key]
	return ok
}

// Set stores v under key. Invalid values are ignored.
func (s AnswerStore) Set(key FieldKey, v Value) {
	if !v.IsValid() {
		return
	}
	s.values[key] = v
}

func (s AnswerStore) Delete(key FieldKey) {
	delete(s.values, key)
}

func (s AnswerStore) Len() int { return len(s.values) }

// Keys returns the answered keys in lexical order.
func (s AnswerStore) Keys() []FieldKey {
	keys := make([]FieldKey, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (s AnswerStore) Clone() AnswerStore {
	c := AnswerStore{values: make(map[FieldKey]Value, len(s.values))}
	for k, v := range s.values {
		c.values[k] = v
	}
	return c
}

func (s AnswerStore) MarshalJSON() ([]byte, error) {
	if s.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.values)
}

func (s *AnswerStore) UnmarshalJSON(data []byte) error {
	var m map[FieldKey]Value
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*s = AnswersOf(m)
	return nil
}
