package jsonutil

import (
	"encoding/json"
	"testing"
)

func TestGetString(t *testing.T) {
	m := map[string]interface{}{
		"name":  "claude",
		"count": 3.0,
	}

	if got := GetString(m, "name"); got != "claude" {
		t.Errorf("GetString(name) = %q, want %q", got, "claude")
	}
	if got := GetString(m, "count"); got != "" {
		t.Errorf("GetString on non-string = %q, want empty", got)
	}
	if got := GetString(m, "missing"); got != "" {
		t.Errorf("GetString on missing key = %q, want empty", got)
	}
}

func TestGetMap(t *testing.T) {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(`{"message":{"role":"assistant"},"n":1}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	inner := GetMap(m, "message")
	if inner == nil {
		t.Fatal("GetMap returned nil for object value")
	}
	if GetString(inner, "role") != "assistant" {
		t.Errorf("nested role = %q", GetString(inner, "role"))
	}
	if GetMap(m, "n") != nil {
		t.Error("GetMap on scalar should return nil")
	}
}

func TestToString(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{"s", "s"},
		{42.0, "42"},
		{1.5, "1.5"},
		{true, "true"},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := ToString(tc.in); got != tc.want {
			t.Errorf("ToString(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestUnmarshalLineSafe(t *testing.T) {
	var v map[string]interface{}
	if !UnmarshalLineSafe([]byte(`{"type":"result"}`), &v) {
		t.Error("valid line rejected")
	}
	if UnmarshalLineSafe([]byte("not json"), &v) {
		t.Error("invalid line accepted")
	}
	if UnmarshalLineSafe([]byte("  "), &v) {
		t.Error("blank line accepted")
	}
}

func TestEqualNormalizes(t *testing.T) {
	if !Equal(3, 3.0) {
		t.Error("int and float64 with same value should compare equal")
	}
	if !Equal(nil, nil) {
		t.Error("nil == nil")
	}
	if Equal("pending", "passing") {
		t.Error("distinct strings compared equal")
	}
	if !Equal([]string{"a"}, []interface{}{"a"}) {
		t.Error("equivalent arrays should compare equal")
	}
}
