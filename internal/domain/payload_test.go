package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCloneCopiesNestedUserData(t *testing.T) {
	p := Payload{
		Timestamp:        time.Unix(1700000000, 0).UTC(),
		IdentityHash:     "abc",
		BlockchainHashes: map[string]string{"bitcoin": "00ff"},
		UserData: map[string]any{
			"user_text": "hello",
			"meta":      map[string]any{"lot": "B-2", "tags": []any{"a", map[string]any{"k": "v"}}},
		},
	}
	before, err := p.JSON()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	c := p.Clone()
	meta := c.UserData["meta"].(map[string]any)
	meta["lot"] = "mutated"
	tags := meta["tags"].([]any)
	tags[0] = "mutated"
	tags[1].(map[string]any)["k"] = "mutated"
	c.BlockchainHashes["bitcoin"] = "mutated"

	after, err := p.JSON()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("mutating a clone changed the original:\n%s\n%s", before, after)
	}
}

func TestParsePayloadRequiresCoreFields(t *testing.T) {
	if _, err := ParsePayload([]byte(`{"identity_hash":"abc"}`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected missing timestamp to be malformed, got %v", err)
	}
	if _, err := ParsePayload([]byte(`{"timestamp":"2024-05-01T12:00:00Z"}`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected missing identity_hash to be malformed, got %v", err)
	}
	p, err := ParsePayload([]byte(`{"timestamp":"2024-05-01T12:00:00Z","identity_hash":"abc"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.BlockchainHashes == nil {
		t.Fatalf("expected an empty chain map, not nil")
	}
}
