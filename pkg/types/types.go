package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RoomVersion tags the protocol rule set a room was created with. It is
// fixed by the create event and selects the event format, auth rules,
// state resolution algorithm and redaction rules for every event in the
// room.
type RoomVersion string

const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV4  RoomVersion = "4"
	RoomVersionV5  RoomVersion = "5"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
)

// EventIDFormat selects how an event's identifier is derived.
type EventIDFormat int

const (
	// EventIDSender is the v1/v2 format: an opaque "$localpart:server"
	// identifier carried in the event itself.
	EventIDSender EventIDFormat = iota + 1
	// EventIDSHA256B64 is the v3 format: the reference hash encoded as
	// unpadded standard base64.
	EventIDSHA256B64
	// EventIDSHA256B64URL is the v4+ format: the reference hash encoded
	// as unpadded URL-safe base64.
	EventIDSHA256B64URL
)

// StateResAlgorithm selects the state resolution algorithm.
type StateResAlgorithm int

const (
	StateResV1 StateResAlgorithm = 1
	StateResV2 StateResAlgorithm = 2
)

// Capabilities is one row of the room-version rule table. New room
// versions add rows; existing rows never change behaviour.
type Capabilities struct {
	Version     RoomVersion
	EventFormat EventIDFormat
	StateRes    StateResAlgorithm
	// RedactionRules identifies the redaction field table generation:
	// 1, 3, 6, 8, 9 or 11, matching the version that introduced it.
	RedactionRules int
	// EnforceKeyValidity requires signing keys to have been valid at the
	// event's origin_server_ts (v5+).
	EnforceKeyValidity bool
	// SpecialCaseAliasAuth applies the legacy m.room.aliases auth rule
	// (v1-v5 only).
	SpecialCaseAliasAuth bool
	// KnockAllowed admits the knock membership and knock join rule (v7+).
	KnockAllowed bool
	// RestrictedJoinsAllowed admits the restricted join rule and the
	// join_authorised_via_users_server machinery (v8+).
	RestrictedJoinsAllowed bool
	// StrictPowerLevelInts rejects string-encoded power levels (v10+).
	StrictPowerLevelInts bool
	// ImplicitRoomCreator drops the content.creator field and derives the
	// creator from the create event sender (v11+).
	ImplicitRoomCreator bool
}

var roomVersions = map[RoomVersion]Capabilities{
	RoomVersionV1:  {Version: RoomVersionV1, EventFormat: EventIDSender, StateRes: StateResV1, RedactionRules: 1, SpecialCaseAliasAuth: true},
	RoomVersionV2:  {Version: RoomVersionV2, EventFormat: EventIDSender, StateRes: StateResV2, RedactionRules: 1, SpecialCaseAliasAuth: true},
	RoomVersionV3:  {Version: RoomVersionV3, EventFormat: EventIDSHA256B64, StateRes: StateResV2, RedactionRules: 3, SpecialCaseAliasAuth: true},
	RoomVersionV4:  {Version: RoomVersionV4, EventFormat: EventIDSHA256B64URL, StateRes: StateResV2, RedactionRules: 3, SpecialCaseAliasAuth: true},
	RoomVersionV5:  {Version: RoomVersionV5, EventFormat: EventIDSHA256B64URL, StateRes: StateResV2, RedactionRules: 3, EnforceKeyValidity: true, SpecialCaseAliasAuth: true},
	RoomVersionV6:  {Version: RoomVersionV6, EventFormat: EventIDSHA256B64URL, StateRes: StateResV2, RedactionRules: 6, EnforceKeyValidity: true},
	RoomVersionV7:  {Version: RoomVersionV7, EventFormat: EventIDSHA256B64URL, StateRes: StateResV2, RedactionRules: 6, EnforceKeyValidity: true, KnockAllowed: true},
	RoomVersionV8:  {Version: RoomVersionV8, EventFormat: EventIDSHA256B64URL, StateRes: StateResV2, RedactionRules: 8, EnforceKeyValidity: true, KnockAllowed: true, RestrictedJoinsAllowed: true},
	RoomVersionV9:  {Version: RoomVersionV9, EventFormat: EventIDSHA256B64URL, StateRes: StateResV2, RedactionRules: 9, EnforceKeyValidity: true, KnockAllowed: true, RestrictedJoinsAllowed: true},
	RoomVersionV10: {Version: RoomVersionV10, EventFormat: EventIDSHA256B64URL, StateRes: StateResV2, RedactionRules: 9, EnforceKeyValidity: true, KnockAllowed: true, RestrictedJoinsAllowed: true, StrictPowerLevelInts: true},
	RoomVersionV11: {Version: RoomVersionV11, EventFormat: EventIDSHA256B64URL, StateRes: StateResV2, RedactionRules: 11, EnforceKeyValidity: true, KnockAllowed: true, RestrictedJoinsAllowed: true, StrictPowerLevelInts: true, ImplicitRoomCreator: true},
}

// Version looks up the capability row for a room version tag.
func Version(tag RoomVersion) (Capabilities, error) {
	caps, ok := roomVersions[tag]
	if !ok {
		return Capabilities{}, fmt.Errorf("unsupported room version %q", tag)
	}
	return caps, nil
}

// KnownVersions returns the supported room version tags.
func KnownVersions() []RoomVersion {
	out := make([]RoomVersion, 0, len(roomVersions))
	for v := range roomVersions {
		out = append(out, v)
	}
	return out
}

// Well-known event types the auth and resolution machinery dispatches on.
const (
	EventTypeCreate            = "m.room.create"
	EventTypeMember            = "m.room.member"
	EventTypePowerLevels       = "m.room.power_levels"
	EventTypeJoinRules         = "m.room.join_rules"
	EventTypeThirdPartyInvite  = "m.room.third_party_invite"
	EventTypeRedaction         = "m.room.redaction"
	EventTypeAliases           = "m.room.aliases"
	EventTypeHistoryVisibility = "m.room.history_visibility"
)

// Membership values.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// Join rules.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
)

// EventRef is a reference to another event by identifier. Rooms on
// versions 1 and 2 carry references as [event_id, hashes] pairs on the
// wire; later versions use bare strings. Both decode to the identifier.
type EventRef string

func (r *EventRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = EventRef(s)
		return nil
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("event reference is neither string nor pair: %w", err)
	}
	if len(parts) < 1 {
		return fmt.Errorf("empty event reference")
	}
	var s2 string
	if err := json.Unmarshal(parts[0], &s2); err != nil {
		return fmt.Errorf("event reference id: %w", err)
	}
	*r = EventRef(s2)
	return nil
}

func (r EventRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

// Event is the parsed view of a signed room event. Raw holds the exact
// bytes the event was admitted with; all hashing operates on Raw, never
// on a re-marshalling of this struct.
type Event struct {
	EventID        string                       `json:"event_id,omitempty"`
	RoomID         string                       `json:"room_id"`
	Sender         string                       `json:"sender"`
	Type           string                       `json:"type"`
	StateKey       *string                      `json:"state_key,omitempty"`
	Content        json.RawMessage              `json:"content"`
	PrevEvents     []EventRef                   `json:"prev_events"`
	AuthEvents     []EventRef                   `json:"auth_events"`
	Depth          int64                        `json:"depth"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	Redacts        string                       `json:"redacts,omitempty"`
	Hashes         map[string]string            `json:"hashes,omitempty"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned       json.RawMessage              `json:"unsigned,omitempty"`

	Raw     []byte      `json:"-"`
	Version RoomVersion `json:"-"`
}

// IsState reports whether the event contributes to room state.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// StateTuple returns the event's (type, state_key) pair. Only meaningful
// for state events.
func (e *Event) StateTuple() StateKey {
	key := ""
	if e.StateKey != nil {
		key = *e.StateKey
	}
	return StateKey{Type: e.Type, StateKey: key}
}

// PrevEventIDs returns the deduplicated prev_events identifiers.
func (e *Event) PrevEventIDs() []string {
	return refIDs(e.PrevEvents)
}

// AuthEventIDs returns the deduplicated auth_events identifiers.
func (e *Event) AuthEventIDs() []string {
	return refIDs(e.AuthEvents)
}

func refIDs(refs []EventRef) []string {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		id := string(r)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Origin returns the server name of the event's sender.
func (e *Event) Origin() string {
	return ServerName(e.Sender)
}

// ServerName extracts the server part of a Matrix identifier such as
// "@user:example.org".
func ServerName(id string) string {
	i := strings.Index(id, ":")
	if i < 0 {
		return ""
	}
	return id[i+1:]
}

// StateKey identifies one slot of room state.
type StateKey struct {
	Type     string
	StateKey string
}

func (k StateKey) String() string {
	return k.Type + "\x1f" + k.StateKey
}

// StateMap maps state slots to the event occupying them. Values are
// event identifiers; events themselves live in the store.
type StateMap map[StateKey]string

// Clone returns an independent copy of the map.
func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equal reports whether two state maps bind the same events.
func (m StateMap) Equal(other StateMap) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// RoomInfo is the durable per-room record.
type RoomInfo struct {
	RoomID        string      `json:"room_id"`
	Version       RoomVersion `json:"version"`
	CreateEventID string      `json:"create_event_id"`
}
