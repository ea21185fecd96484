package event

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/grapevinehq/grapevine/pkg/types"
)

func mustCaps(t *testing.T, v types.RoomVersion) types.Capabilities {
	t.Helper()
	caps, err := types.Version(v)
	if err != nil {
		t.Fatalf("version %s: %v", v, err)
	}
	return caps
}

func messageJSON(extra map[string]any) []byte {
	doc := map[string]any{
		"room_id":          "!room:example.org",
		"sender":           "@alice:example.org",
		"type":             "m.room.message",
		"content":          map[string]any{"body": "hi"},
		"prev_events":      []string{"$prev"},
		"auth_events":      []string{"$auth"},
		"depth":            3,
		"origin_server_ts": 1700000000000,
	}
	for k, v := range extra {
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return raw
}

func TestParseDerivesURLSafeID(t *testing.T) {
	ev, err := Parse(messageJSON(nil), types.RoomVersionV10, 0)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !strings.HasPrefix(ev.EventID, "$") {
		t.Errorf("event id %q missing sigil", ev.EventID)
	}
	if strings.ContainsAny(ev.EventID[1:], "+/=") {
		t.Errorf("event id %q not URL-safe base64", ev.EventID)
	}

	again, err := Parse(messageJSON(nil), types.RoomVersionV10, 0)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.EventID != ev.EventID {
		t.Errorf("identifier not deterministic: %s vs %s", ev.EventID, again.EventID)
	}

	other, err := Parse(messageJSON(map[string]any{"depth": 4}), types.RoomVersionV10, 0)
	if err != nil {
		t.Fatalf("parse changed event: %v", err)
	}
	if other.EventID == ev.EventID {
		t.Error("different events derived the same identifier")
	}
}

func TestParseLegacyIDPassthrough(t *testing.T) {
	raw := messageJSON(map[string]any{"event_id": "$abc:example.org"})
	ev, err := Parse(raw, types.RoomVersionV1, 0)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if ev.EventID != "$abc:example.org" {
		t.Errorf("event id = %q, want $abc:example.org", ev.EventID)
	}

	if _, err := Parse(messageJSON(nil), types.RoomVersionV1, 0); err == nil {
		t.Error("v1 event without event_id parsed")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		extra map[string]any
	}{
		{name: "bad room sigil", extra: map[string]any{"room_id": "room:example.org"}},
		{name: "bad sender sigil", extra: map[string]any{"sender": "alice:example.org"}},
		{name: "sender without server", extra: map[string]any{"sender": "@alice"}},
		{name: "negative depth", extra: map[string]any{"depth": -1}},
		{name: "float depth", extra: map[string]any{"depth": 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(messageJSON(tt.extra), types.RoomVersionV10, 0); err == nil {
				t.Error("Parse() succeeded, want error")
			}
		})
	}
}

func TestParseSizeLimit(t *testing.T) {
	raw := messageJSON(map[string]any{"content": map[string]any{"body": strings.Repeat("x", 100)}})
	if _, err := Parse(raw, types.RoomVersionV10, 64); err == nil {
		t.Error("oversize event parsed")
	}
	if _, err := Parse(raw, types.RoomVersionV10, 1<<16); err != nil {
		t.Errorf("event within limit rejected: %v", err)
	}
}

func TestCreateWithPrevEventsRejected(t *testing.T) {
	raw := messageJSON(map[string]any{
		"type":    types.EventTypeCreate,
		"content": map[string]any{"room_version": "10"},
	})
	if _, err := Parse(raw, types.RoomVersionV10, 0); err == nil {
		t.Error("create event with prev_events parsed")
	}
}

func TestContentHashRoundTrip(t *testing.T) {
	hashed, err := AddContentHash(messageJSON(nil))
	if err != nil {
		t.Fatalf("AddContentHash() error = %v", err)
	}
	if err := VerifyContentHash(hashed); err != nil {
		t.Errorf("VerifyContentHash() error = %v", err)
	}

	tampered := strings.Replace(string(hashed), `"hi"`, `"bye"`, 1)
	if err := VerifyContentHash([]byte(tampered)); err == nil {
		t.Error("tampered event passed content hash check")
	}
}

func TestVerifyContentHashMissing(t *testing.T) {
	if err := VerifyContentHash(messageJSON(nil)); err == nil {
		t.Error("event without hashes passed")
	}
}

func TestRedactMember(t *testing.T) {
	raw := messageJSON(map[string]any{
		"type":      types.EventTypeMember,
		"state_key": "@alice:example.org",
		"content": map[string]any{
			"membership":  "join",
			"displayname": "Alice",
		},
		"unsigned": map[string]any{"age": 5},
	})
	redacted, err := Redact(raw, mustCaps(t, types.RoomVersionV10))
	if err != nil {
		t.Fatalf("Redact() error = %v", err)
	}
	var out struct {
		Content  map[string]json.RawMessage `json:"content"`
		Unsigned json.RawMessage            `json:"unsigned"`
	}
	if err := json.Unmarshal(redacted, &out); err != nil {
		t.Fatalf("unmarshal redacted: %v", err)
	}
	if _, ok := out.Content["membership"]; !ok {
		t.Error("membership stripped from redacted member event")
	}
	if _, ok := out.Content["displayname"]; ok {
		t.Error("displayname survived redaction")
	}
	if out.Unsigned != nil {
		t.Error("unsigned survived redaction")
	}
}

func TestRedactCreateByGeneration(t *testing.T) {
	raw := messageJSON(map[string]any{
		"type":        types.EventTypeCreate,
		"state_key":   "",
		"prev_events": []string{},
		"content": map[string]any{
			"creator":      "@alice:example.org",
			"room_version": "10",
			"topic":        "secret",
		},
	})

	legacy, err := Redact(raw, mustCaps(t, types.RoomVersionV10))
	if err != nil {
		t.Fatalf("Redact v10: %v", err)
	}
	var legacyOut struct {
		Content map[string]json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(legacy, &legacyOut); err != nil {
		t.Fatal(err)
	}
	if _, ok := legacyOut.Content["creator"]; !ok {
		t.Error("creator stripped under legacy rules")
	}
	if _, ok := legacyOut.Content["room_version"]; ok {
		t.Error("room_version survived legacy create redaction")
	}

	modern, err := Redact(raw, mustCaps(t, types.RoomVersionV11))
	if err != nil {
		t.Fatalf("Redact v11: %v", err)
	}
	var modernOut struct {
		Content map[string]json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(modern, &modernOut); err != nil {
		t.Fatal(err)
	}
	if _, ok := modernOut.Content["room_version"]; !ok {
		t.Error("v11 create redaction dropped room_version")
	}
	if _, ok := modernOut.Content["topic"]; !ok {
		t.Error("v11 create redaction dropped content keys")
	}
}

func TestRedactLegacyKeepsEventID(t *testing.T) {
	raw := messageJSON(map[string]any{"event_id": "$abc:example.org"})

	legacy, err := Redact(raw, mustCaps(t, types.RoomVersionV1))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(legacy), `"event_id"`) {
		t.Error("legacy redaction dropped event_id")
	}

	modern, err := Redact(raw, mustCaps(t, types.RoomVersionV11))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(modern), `"event_id"`) {
		t.Error("v11 redaction kept event_id")
	}
}
