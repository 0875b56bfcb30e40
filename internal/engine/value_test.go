package engine

import (
	"encoding/json"
	"testing"
)

func TestChoices_SortsAndDedups(t *testing.T) {
	v := Choices("b", "a", "b")
	set, ok := v.AsSet()
	if !ok {
		t.Fatal("expected multi-choice")
	}
	if len(set) != 2 || set[0] != "a" || set[1] != "b" {
		t.Errorf("unexpected set %v", set)
	}
	if !v.Equal(Choices("a", "b")) {
		t.Error("expected selections to compare equal regardless of order")
	}
	if !v.Has("a") || v.Has("c") {
		t.Error("Has returned the wrong membership")
	}
}

func TestValue_KindsDoNotCompareEqual(t *testing.T) {
	if Text("a").Equal(Choice("a")) {
		t.Error("text and choice with the same payload must differ")
	}
	if Number(0).Equal(Bool(false)) {
		t.Error("zero and false must differ")
	}
}

func TestValue_JSON(t *testing.T) {
	data, err := json.Marshal(Choices("x", "y"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"type":"multi_choice","value":["x","y"]}` {
		t.Errorf("unexpected encoding %s", data)
	}
	var back Value
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(Choices("y", "x")) {
		t.Errorf("got %v", back)
	}
}

func TestDecodeValue_WrongShape(t *testing.T) {
	if _, err := DecodeValue(KindNumber, json.RawMessage(`"12"`)); err == nil {
		t.Error("expected error for a quoted number")
	}
	if _, err := DecodeValue(KindBool, json.RawMessage(`1`)); err == nil {
		t.Error("expected error for a numeric boolean")
	}
	v, err := DecodeValue(KindSingleChoice, json.RawMessage(`"mild"`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Kind() != KindSingleChoice {
		t.Errorf("expected single choice, got %s", v.Kind())
	}
}

func TestAnswerStore_SetIgnoresInvalid(t *testing.T) {
	s := NewAnswerStore()
	s.Set("a.b", Value{})
	if s.Has("a.b") {
		t.Error("invalid value must not be stored")
	}
	s.Set("a.b", Bool(false))
	if !s.Has("a.b") {
		t.Error("false is an answer")
	}
	c := s.Clone()
	s.Delete("a.b")
	if !c.Has("a.b") {
		t.Error("clone must not share storage")
	}
}

func TestFieldKey_Parts(t *testing.T) {
	k := Key("exam", "iopRight")
	if k.Phase() != "exam" || k.Field() != "iopRight" {
		t.Errorf("got %q / %q", k.Phase(), k.Field())
	}
}
