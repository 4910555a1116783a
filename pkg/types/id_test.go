package types

import (
	"encoding/json"
	"regexp"
	"testing"
)

func TestParseIDRoundTrip(t *testing.T) {
	var id ID
	for i := range id {
		id[i] = byte(i * 7)
	}

	parsed, err := ParseID(id.String())
	if err != nil {
		t.Fatalf("ParseID(%q) failed: %v", id.String(), err)
	}
	if parsed != id {
		t.Errorf("round trip mismatch: %s != %s", parsed, id)
	}
}

func TestParseIDErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"short", "a1b2"},
		{"bad hex", "zz" + "00000000000000000000000000000000000000000000000000000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseID(tt.in); err == nil {
				t.Errorf("ParseID(%q) succeeded, want error", tt.in)
			}
		})
	}
}

func TestIDJSON(t *testing.T) {
	var id ID
	id[0] = 0xab
	id[31] = 0x01

	data, err := json.Marshal(id)
	if err != nil {
		t.Fatal(err)
	}
	want := `"` + id.String() + `"`
	if string(data) != want {
		t.Errorf("marshal = %s, want %s", data, want)
	}

	var back ID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != id {
		t.Errorf("unmarshal mismatch: %s != %s", back, id)
	}
}

func TestIDAsMapKey(t *testing.T) {
	var id ID
	id[5] = 0x42
	m := map[ID]Location{id: {Pack: "p", Offset: 1, Length: 2, PlaintextLength: 3}}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var back map[ID]Location
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back[id].Pack != "p" {
		t.Errorf("map round trip lost entry: %v", back)
	}
}

func TestNewStorageID(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewStorageID()
		if !re.MatchString(id) {
			t.Fatalf("NewStorageID() = %q, want 32 lowercase hex digits", id)
		}
		if seen[id] {
			t.Fatalf("NewStorageID() repeated %q", id)
		}
		seen[id] = true
	}
}
