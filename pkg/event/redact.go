package event

import (
	"encoding/json"
	"fmt"

	"github.com/grapevinehq/grapevine/pkg/canonicaljson"
	"github.com/grapevinehq/grapevine/pkg/types"
)

// Top-level keys that survive redaction in every rule generation.
var redactKeepCommon = []string{
	"type", "room_id", "sender", "state_key", "content", "hashes",
	"signatures", "depth", "prev_events", "auth_events", "origin_server_ts",
}

// Additional top-level keys kept by generations before 11.
var redactKeepLegacy = []string{
	"event_id", "origin", "membership", "prev_state",
}

// Redact strips the event down to its protected fields per the room
// version's redaction rule generation. The result is what reference
// hashing and the redaction operation itself see; the original event is
// never mutated in the store.
func Redact(raw []byte, caps types.Capabilities) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var evType string
	if t, ok := doc["type"]; ok {
		if err := json.Unmarshal(t, &evType); err != nil {
			return nil, fmt.Errorf("%w: bad type: %v", ErrMalformed, err)
		}
	}

	keep := map[string]struct{}{}
	for _, k := range redactKeepCommon {
		keep[k] = struct{}{}
	}
	if caps.RedactionRules < 11 {
		for _, k := range redactKeepLegacy {
			keep[k] = struct{}{}
		}
	}
	out := make(map[string]json.RawMessage, len(keep))
	for k, v := range doc {
		if _, ok := keep[k]; ok {
			out[k] = v
		}
	}

	if content, ok := out["content"]; ok {
		redacted, err := redactContent(content, evType, caps.RedactionRules)
		if err != nil {
			return nil, err
		}
		out["content"] = redacted
	}

	enc, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return canonicaljson.Canonicalize(enc)
}

// redactContent applies the per-type protected content keys. Generations
// are cumulative: each one refines the previous table.
func redactContent(content json.RawMessage, evType string, rules int) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("%w: bad content: %v", ErrMalformed, err)
	}

	var keep []string
	switch evType {
	case types.EventTypeCreate:
		if rules >= 11 {
			// v11 protects the whole create content.
			return content, nil
		}
		keep = []string{"creator"}
	case types.EventTypeMember:
		keep = []string{"membership"}
		if rules >= 9 {
			keep = append(keep, "join_authorised_via_users_server")
		}
		if rules >= 11 {
			if tpi, ok := doc["third_party_invite"]; ok {
				signed, err := keepSubKey(tpi, "signed")
				if err == nil && signed != nil {
					doc["third_party_invite"] = signed
					keep = append(keep, "third_party_invite")
				}
			}
		}
	case types.EventTypeJoinRules:
		keep = []string{"join_rule"}
		if rules >= 8 {
			keep = append(keep, "allow")
		}
	case types.EventTypePowerLevels:
		keep = []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default",
		}
		if rules >= 11 {
			keep = append(keep, "invite")
		}
	case types.EventTypeAliases:
		if rules < 6 {
			keep = []string{"aliases"}
		}
	case types.EventTypeHistoryVisibility:
		keep = []string{"history_visibility"}
	case types.EventTypeRedaction:
		if rules >= 11 {
			keep = []string{"redacts"}
		}
	}

	out := make(map[string]json.RawMessage, len(keep))
	for _, k := range keep {
		if v, ok := doc[k]; ok {
			out[k] = v
		}
	}
	enc, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func keepSubKey(raw json.RawMessage, key string) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	v, ok := doc[key]
	if !ok {
		return nil, nil
	}
	enc, err := json.Marshal(map[string]json.RawMessage{key: v})
	if err != nil {
		return nil, err
	}
	return enc, nil
}
