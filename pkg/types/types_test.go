package types

import (
	"encoding/json"
	"testing"
)

func TestEventRefFormats(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{name: "bare string", data: `"$abc"`, want: "$abc"},
		{name: "legacy pair", data: `["$abc",{"sha256":"xyz"}]`, want: "$abc"},
		{name: "empty pair", data: `[]`, wantErr: true},
		{name: "number", data: `42`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r EventRef
			err := json.Unmarshal([]byte(tt.data), &r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unmarshal error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && string(r) != tt.want {
				t.Errorf("ref = %q, want %q", r, tt.want)
			}
		})
	}
}

func TestRefIDsDeduplicate(t *testing.T) {
	e := Event{PrevEvents: []EventRef{"$a", "$b", "$a"}}
	got := e.PrevEventIDs()
	if len(got) != 2 || got[0] != "$a" || got[1] != "$b" {
		t.Errorf("PrevEventIDs() = %v, want [$a $b]", got)
	}
}

func TestServerName(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"@alice:example.org", "example.org"},
		{"!room:example.org:8448", "example.org:8448"},
		{"malformed", ""},
	}
	for _, tt := range tests {
		if got := ServerName(tt.id); got != tt.want {
			t.Errorf("ServerName(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestVersionTable(t *testing.T) {
	if _, err := Version("99"); err == nil {
		t.Error("unknown version accepted")
	}
	v1, err := Version(RoomVersionV1)
	if err != nil {
		t.Fatal(err)
	}
	if v1.StateRes != StateResV1 || v1.EventFormat != EventIDSender || !v1.SpecialCaseAliasAuth {
		t.Errorf("v1 capabilities = %+v", v1)
	}
	v11, err := Version(RoomVersionV11)
	if err != nil {
		t.Fatal(err)
	}
	if !v11.ImplicitRoomCreator || !v11.StrictPowerLevelInts || v11.RedactionRules != 11 {
		t.Errorf("v11 capabilities = %+v", v11)
	}
	if len(KnownVersions()) != 11 {
		t.Errorf("KnownVersions() = %d entries, want 11", len(KnownVersions()))
	}
}

func TestStateMapCloneAndEqual(t *testing.T) {
	m := StateMap{{Type: EventTypeCreate, StateKey: ""}: "$c"}
	c := m.Clone()
	c[StateKey{Type: EventTypeJoinRules, StateKey: ""}] = "$jr"
	if m.Equal(c) {
		t.Error("clone mutation leaked into original")
	}
	if !m.Equal(StateMap{{Type: EventTypeCreate, StateKey: ""}: "$c"}) {
		t.Error("equal maps compared unequal")
	}
}
