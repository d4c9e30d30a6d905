package schema

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewRecord_Scope(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Scope
	}{
		{"absent groupId", `{"_id":"e1","amount":5}`, Personal},
		{"null groupId", `{"_id":"e1","groupId":null}`, Personal},
		{"empty groupId", `{"_id":"e1","groupId":""}`, Personal},
		{"group id", `{"_id":"e1","groupId":"g1"}`, GroupScope("g1")},
		{"populated group", `{"_id":"e1","groupId":{"_id":"g2","name":"Home"}}`, GroupScope("g2")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := NewRecord(ResourceExpenses, json.RawMessage(tt.payload), StatusSynced)
			if err != nil {
				t.Fatalf("NewRecord failed: %v", err)
			}
			if rec.ID != "e1" {
				t.Errorf("ID = %q, want e1", rec.ID)
			}
			if rec.Scope() != tt.want {
				t.Errorf("Scope() = %v, want %v", rec.Scope(), tt.want)
			}
		})
	}
}

func TestNewRecord_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		resource Resource
		status   Status
		payload  string
		errMsg   string
	}{
		{"missing id", ResourceExpenses, StatusSynced, `{"amount":5}`, "no _id"},
		{"not an object", ResourceExpenses, StatusSynced, `[1,2]`, "not a JSON object"},
		{"bad resource", "widgets", StatusSynced, `{"_id":"x"}`, "unknown resource"},
		{"bad status", ResourceExpenses, "lost", `{"_id":"x"}`, "unknown status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRecord(tt.resource, json.RawMessage(tt.payload), tt.status)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error = %q, want substring %q", err, tt.errMsg)
			}
		})
	}
}

func TestPendingID_Unique(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewPendingID(now)
		if !IsPendingID(id) {
			t.Fatalf("%q is not recognised as pending", id)
		}
		if seen[id] {
			t.Fatalf("duplicate pending id %q", id)
		}
		seen[id] = true
	}
	if IsPendingID("65a1f0c2e4b0a1b2c3d4e5f6") {
		t.Error("server id recognised as pending")
	}
}

func TestStripLocalFields(t *testing.T) {
	in := json.RawMessage(`{"_id":"pending_1","status":"pending","amount":50,"reason":"Taxi"}`)
	out, err := StripLocalFields(in)
	if err != nil {
		t.Fatalf("StripLocalFields failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if _, ok := fields["_id"]; ok {
		t.Error("_id was not stripped")
	}
	if _, ok := fields["status"]; ok {
		t.Error("status was not stripped")
	}
	if fields["reason"] != "Taxi" || fields["amount"] != float64(50) {
		t.Errorf("domain fields changed: %v", fields)
	}
}

func TestMergePayload(t *testing.T) {
	base := json.RawMessage(`{"_id":"e1","amount":50,"reason":"Taxi","categoryId":{"_id":"c1","name":"Transport"}}`)
	out, err := MergePayload(base, json.RawMessage(`{"reason":"Bus"}`))
	if err != nil {
		t.Fatalf("MergePayload failed: %v", err)
	}

	var got struct {
		ID         string `json:"_id"`
		Reason     string `json:"reason"`
		CategoryID Ref    `json:"categoryId"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if got.ID != "e1" || got.Reason != "Bus" || got.CategoryID != "c1" {
		t.Errorf("unexpected merge result: %+v", got)
	}
}

func TestRef_Unmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want Ref
	}{
		{`"c1"`, "c1"},
		{`{"_id":"c2","name":"Food"}`, "c2"},
		{`null`, ""},
	}
	for _, tt := range tests {
		var r Ref
		if err := json.Unmarshal([]byte(tt.in), &r); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", tt.in, err)
		}
		if r != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.in, r, tt.want)
		}
	}

	var r Ref
	if err := json.Unmarshal([]byte(`42`), &r); err == nil {
		t.Error("expected error for numeric reference")
	}
}

func TestParseScope(t *testing.T) {
	for _, s := range []Scope{Personal, GroupScope("g1")} {
		got, err := ParseScope(s.String())
		if err != nil {
			t.Fatalf("ParseScope(%q) failed: %v", s.String(), err)
		}
		if got != s {
			t.Errorf("ParseScope(%q) = %v, want %v", s.String(), got, s)
		}
	}

	if got, _ := ParseScope("g7"); got != GroupScope("g7") {
		t.Errorf("bare id parsed as %v", got)
	}
	if _, err := ParseScope("group:"); err == nil {
		t.Error("expected error for empty group id")
	}
}

func TestScope_JSON(t *testing.T) {
	data, err := json.Marshal(map[string]Scope{"active": GroupScope("g1"), "home": Personal})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"active":"group:g1","home":"personal"}` {
		t.Errorf("Marshal = %s", data)
	}

	var back map[string]Scope
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back["active"] != GroupScope("g1") || !back["home"].IsPersonal() {
		t.Errorf("Unmarshal = %v", back)
	}
}
