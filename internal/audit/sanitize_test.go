package audit

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSanitizer_RedactsNestedSecrets(t *testing.T) {
	s, err := NewSanitizer(DefaultSecretKeys, 0)
	if err != nil {
		t.Fatal(err)
	}

	payload := map[string]any{
		"name":     "Jane Doe",
		"Password": "s3cret",
		"contact": map[string]any{
			"phone":        "555-0100",
			"SSN":          "123-45-6789",
			"refreshToken": "abc",
		},
		"cards": []any{map[string]any{"card_number": "4111", "holder": "Jane"}},
	}

	var got map[string]any
	if err := json.Unmarshal(s.Snapshot(payload), &got); err != nil {
		t.Fatal(err)
	}

	if got["Password"] != Redacted {
		t.Errorf("Password = %v", got["Password"])
	}
	if got["name"] != "Jane Doe" {
		t.Errorf("name = %v", got["name"])
	}
	contact := got["contact"].(map[string]any)
	if contact["SSN"] != Redacted || contact["refreshToken"] != Redacted {
		t.Errorf("nested secrets not redacted: %v", contact)
	}
	if contact["phone"] != "555-0100" {
		t.Errorf("phone = %v", contact["phone"])
	}
	card := got["cards"].([]any)[0].(map[string]any)
	if card["card_number"] != Redacted || card["holder"] != "Jane" {
		t.Errorf("card = %v", card)
	}
}

func TestSanitizer_SummarizesOversizedPayload(t *testing.T) {
	s, err := NewSanitizer(DefaultSecretKeys, 64)
	if err != nil {
		t.Fatal(err)
	}
	payload := map[string]any{
		"notes":    strings.Repeat("x", 500),
		"patient":  "p-1",
		"password": "hidden",
	}

	snap := s.Snapshot(payload)
	if strings.Contains(string(snap), "xxxx") || strings.Contains(string(snap), "hidden") {
		t.Fatalf("summary leaked content: %s", snap)
	}

	var got struct {
		Truncated    bool     `json:"truncated"`
		OriginalSize int      `json:"originalSize"`
		Keys         []string `json:"keys"`
	}
	if err := json.Unmarshal(snap, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Truncated || got.OriginalSize <= 64 {
		t.Errorf("summary = %+v", got)
	}
	if strings.Join(got.Keys, ",") != "notes,password,patient" {
		t.Errorf("keys = %v", got.Keys)
	}
}

func TestSanitizer_NilPayload(t *testing.T) {
	s, _ := NewSanitizer(nil, 0)
	if snap := s.Snapshot(nil); snap != nil {
		t.Errorf("nil payload should produce no snapshot, got %s", snap)
	}
}

func TestSanitizer_StructPayloadUsesJSONNames(t *testing.T) {
	s, _ := NewSanitizer([]string{"*secret*"}, 0)
	type login struct {
		User   string `json:"user"`
		Secret string `json:"clientSecret"`
	}
	snap := s.Snapshot(login{User: "nurse", Secret: "x"})
	if string(snap) != `{"clientSecret":"[REDACTED]","user":"nurse"}` {
		t.Errorf("snapshot = %s", snap)
	}
}
