package event

import (
	"encoding/json"
	"testing"
)

func validEvent() Event {
	return Event{
		"v":             1,
		"type":          "VOTE",
		"author_pubkey": "PUB_ED_ab12",
		"created_at":    1700000000,
		"parents":       []any{},
		"body":          map[string]any{"target": "abc"},
	}
}

func TestParseEvent_PreservesNumbers(t *testing.T) {
	raw := []byte(`{"v":1,"created_at":1700000000,"body":{"big":9007199254740993}}`)

	evt, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}

	body := evt["body"].(map[string]any)
	n, ok := body["big"].(json.Number)
	if !ok {
		t.Fatalf("expected json.Number, got %T", body["big"])
	}
	if n.String() != "9007199254740993" {
		t.Errorf("precision lost: %s", n.String())
	}
	if evt.Version() != 1 {
		t.Errorf("expected version 1, got %d", evt.Version())
	}
	if evt.CreatedAt() != 1700000000 {
		t.Errorf("expected created_at 1700000000, got %d", evt.CreatedAt())
	}
}

func TestEventAccessors(t *testing.T) {
	evt := validEvent()
	evt["sig"] = "~"

	if evt.AuthorPubkey() != "PUB_ED_ab12" {
		t.Errorf("unexpected author_pubkey: %s", evt.AuthorPubkey())
	}
	if !evt.HasSig() {
		t.Error("expected HasSig true")
	}
	if len(evt.Parents()) != 0 {
		t.Errorf("expected empty parents, got %v", evt.Parents())
	}

	delete(evt, "sig")
	if evt.HasSig() {
		t.Error("expected HasSig false after delete")
	}
}

func TestClone_Isolation(t *testing.T) {
	evt := validEvent()
	cl := evt.Clone()
	cl["blockchain_verified"] = true

	if _, ok := evt["blockchain_verified"]; ok {
		t.Error("clone mutation leaked into original")
	}
}

func TestEnrich(t *testing.T) {
	evt := validEvent()
	meta := BlockchainMetadata{
		AnchorHash:      "abc123",
		BlockNum:        42,
		TrxID:           "deadbeef",
		Source:          "streaming",
		RetrievalSource: "cache",
		IngestedAt:      "2026-01-01T00:00:00Z",
	}

	enriched := Enrich(evt, meta)

	if enriched["blockchain_verified"] != true {
		t.Error("expected blockchain_verified true")
	}
	got, ok := enriched["blockchain_metadata"].(map[string]any)
	if !ok {
		t.Fatalf("expected metadata map, got %T", enriched["blockchain_metadata"])
	}
	if got["anchor_hash"] != "abc123" {
		t.Errorf("unexpected anchor_hash: %v", got["anchor_hash"])
	}
	if got["retrieval_source"] != "cache" {
		t.Errorf("unexpected retrieval_source: %v", got["retrieval_source"])
	}
	if _, ok := evt["blockchain_verified"]; ok {
		t.Error("enrichment mutated the source event")
	}
}

func TestTypeTable(t *testing.T) {
	cases := []struct {
		code int
		name string
	}{
		{21, "CREATE_RELEASE_BUNDLE"},
		{22, "MINT_ENTITY"},
		{23, "RESOLVE_ID"},
		{30, "ADD_CLAIM"},
		{31, "EDIT_CLAIM"},
		{40, "VOTE"},
		{41, "LIKE"},
		{50, "FINALIZE"},
		{60, "MERGE_ENTITY"},
	}

	for _, tc := range cases {
		name, ok := TypeName(tc.code)
		if !ok || name != tc.name {
			t.Errorf("TypeName(%d): expected %s, got %s (%v)", tc.code, tc.name, name, ok)
		}
		code, ok := TypeCode(tc.name)
		if !ok || code != tc.code {
			t.Errorf("TypeCode(%s): expected %d, got %d (%v)", tc.name, tc.code, code, ok)
		}
	}

	if KnownType(99) {
		t.Error("code 99 must be unknown")
	}
}

func TestTypeMatches(t *testing.T) {
	cases := []struct {
		name     string
		code     int
		declared any
		want     bool
	}{
		{"name match", 21, "CREATE_RELEASE_BUNDLE", true},
		{"name mismatch", 22, "ADD_CLAIM", false},
		{"numeric match", 40, float64(40), true},
		{"numeric mismatch", 40, float64(41), false},
		{"fractional numeric", 40, float64(40.5), false},
		{"int match", 50, 50, true},
		{"json number", 60, json.Number("60"), true},
		{"decimal string", 31, "31", true},
		{"wrong decimal string", 31, "30", false},
		{"nil declared", 21, nil, false},
	}

	for _, tc := range cases {
		if got := TypeMatches(tc.code, tc.declared); got != tc.want {
			t.Errorf("%s: TypeMatches(%d, %v) = %v, want %v", tc.name, tc.code, tc.declared, got, tc.want)
		}
	}
}

func TestValidate_OK(t *testing.T) {
	result := Validate(validEvent())
	if !result.Valid {
		t.Fatalf("expected valid, got errors: %v", result.Errors)
	}
	if result.Hash == "" {
		t.Error("expected content hash on valid result")
	}
	if result.Err() != nil {
		t.Errorf("Err() should be nil when valid: %v", result.Err())
	}
}

func TestValidate_WireDecoded(t *testing.T) {
	raw := []byte(`{"v":1,"type":40,"author_pubkey":"k","created_at":1700000000,"body":{}}`)
	evt, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}

	result := Validate(evt)
	if !result.Valid {
		t.Fatalf("expected valid, got errors: %v", result.Errors)
	}
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(Event)
	}{
		{"missing v", func(e Event) { delete(e, "v") }},
		{"zero v", func(e Event) { e["v"] = 0 }},
		{"missing type", func(e Event) { delete(e, "type") }},
		{"missing author", func(e Event) { delete(e, "author_pubkey") }},
		{"empty author", func(e Event) { e["author_pubkey"] = "" }},
		{"missing created_at", func(e Event) { delete(e, "created_at") }},
		{"missing body", func(e Event) { delete(e, "body") }},
		{"body not object", func(e Event) { e["body"] = "text" }},
		{"parents not array", func(e Event) { e["parents"] = "abc" }},
		{"sig not string", func(e Event) { e["sig"] = 42 }},
	}

	for _, tc := range cases {
		evt := validEvent()
		tc.mutate(evt)
		result := Validate(evt)
		if result.Valid {
			t.Errorf("%s: expected invalid", tc.name)
			continue
		}
		if len(result.Errors) == 0 {
			t.Errorf("%s: expected error details", tc.name)
		}
		if result.Err() == nil {
			t.Errorf("%s: Err() should be non-nil", tc.name)
		}
	}
}

func TestValidate_NilEvent(t *testing.T) {
	result := Validate(nil)
	if result.Valid {
		t.Fatal("nil event must be invalid")
	}
}

func TestValidate_EmptyBodyAllowed(t *testing.T) {
	evt := validEvent()
	evt["body"] = map[string]any{}
	evt["parents"] = []any{}

	result := Validate(evt)
	if !result.Valid {
		t.Fatalf("empty body and parents must validate: %v", result.Errors)
	}
}
