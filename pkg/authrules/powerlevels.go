package authrules

import (
	"encoding/json"
	"strconv"

	"github.com/grapevinehq/grapevine/pkg/types"
)

// PowerLevels is the decoded power-level state of a room, with the
// defaults that apply when the event or a key is absent.
type PowerLevels struct {
	Ban           int64
	Kick          int64
	Redact        int64
	Invite        int64
	UsersDefault  int64
	EventsDefault int64
	StateDefault  int64
	Users         map[string]int64
	Events        map[string]int64

	creator string
}

// loadPowerLevels decodes the room's power levels. Without a
// power_levels event the creator has 100, everyone else 0, and state
// changes need no power.
func loadPowerLevels(auth *AuthState, caps types.Capabilities) (*PowerLevels, error) {
	creator := auth.Creator(caps)
	if auth.PowerLevels == nil {
		return &PowerLevels{
			Ban: 50, Kick: 50, Redact: 50,
			creator: creator,
		}, nil
	}
	return parsePowerLevels(auth.PowerLevels.Content, creator, caps)
}

func parsePowerLevels(content []byte, creator string, caps types.Capabilities) (*PowerLevels, error) {
	var raw struct {
		Ban           json.RawMessage            `json:"ban"`
		Kick          json.RawMessage            `json:"kick"`
		Redact        json.RawMessage            `json:"redact"`
		Invite        json.RawMessage            `json:"invite"`
		UsersDefault  json.RawMessage            `json:"users_default"`
		EventsDefault json.RawMessage            `json:"events_default"`
		StateDefault  json.RawMessage            `json:"state_default"`
		Users         map[string]json.RawMessage `json:"users"`
		Events        map[string]json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, deny(Malformed, "power_levels content: %v", err)
	}

	pl := &PowerLevels{
		Ban: 50, Kick: 50, Redact: 50,
		StateDefault: 50,
		creator:      creator,
	}
	fields := []struct {
		raw  json.RawMessage
		dest *int64
	}{
		{raw.Ban, &pl.Ban},
		{raw.Kick, &pl.Kick},
		{raw.Redact, &pl.Redact},
		{raw.Invite, &pl.Invite},
		{raw.UsersDefault, &pl.UsersDefault},
		{raw.EventsDefault, &pl.EventsDefault},
		{raw.StateDefault, &pl.StateDefault},
	}
	for _, f := range fields {
		if f.raw == nil {
			continue
		}
		v, err := powerInt(f.raw, caps)
		if err != nil {
			return nil, err
		}
		*f.dest = v
	}
	if raw.Users != nil {
		pl.Users = make(map[string]int64, len(raw.Users))
		for user, lvl := range raw.Users {
			v, err := powerInt(lvl, caps)
			if err != nil {
				return nil, err
			}
			pl.Users[user] = v
		}
	}
	if raw.Events != nil {
		pl.Events = make(map[string]int64, len(raw.Events))
		for typ, lvl := range raw.Events {
			v, err := powerInt(lvl, caps)
			if err != nil {
				return nil, err
			}
			pl.Events[typ] = v
		}
	}
	return pl, nil
}

// powerInt decodes one power level. Later room versions reject string
// levels outright; earlier ones tolerate "50".
func powerInt(raw json.RawMessage, caps types.Capabilities) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	if caps.StrictPowerLevelInts {
		return 0, deny(Malformed, "power level %s is not an integer", raw)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, deny(Malformed, "unparseable power level %s", raw)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, deny(Malformed, "unparseable power level %q", s)
	}
	return n, nil
}

// SenderPower returns userID's power level under the given auth state,
// tolerating malformed power levels by treating them as absent.
func SenderPower(userID string, auth *AuthState, caps types.Capabilities) int64 {
	pl, err := loadPowerLevels(auth, caps)
	if err != nil {
		pl = &PowerLevels{Ban: 50, Kick: 50, Redact: 50, creator: auth.Creator(caps)}
	}
	return pl.UserLevel(userID)
}

// UserLevel returns the power level of userID.
func (pl *PowerLevels) UserLevel(userID string) int64 {
	if lvl, ok := pl.Users[userID]; ok {
		return lvl
	}
	if pl.Users == nil && userID == pl.creator && pl.creator != "" {
		return 100
	}
	return pl.UsersDefault
}

// RequiredFor returns the level needed to send e.
func (pl *PowerLevels) RequiredFor(e *types.Event) int64 {
	if lvl, ok := pl.Events[e.Type]; ok {
		return lvl
	}
	if e.IsState() {
		return pl.StateDefault
	}
	return pl.EventsDefault
}

// allowedPowerLevelChange enforces the constraints on replacing the
// power_levels event: no level the sender does not hold may be touched,
// and peers at the sender's own level cannot be demoted.
func allowedPowerLevelChange(e *types.Event, auth *AuthState, old *PowerLevels, caps types.Capabilities) error {
	proposed, err := parsePowerLevels(e.Content, auth.Creator(caps), caps)
	if err != nil {
		return err
	}
	if auth.PowerLevels == nil {
		// First power_levels event in the room: the membership and
		// required-level checks already passed, nothing to compare.
		return nil
	}
	senderLevel := old.UserLevel(e.Sender)

	scalars := []struct {
		name     string
		old, new int64
	}{
		{"ban", old.Ban, proposed.Ban},
		{"kick", old.Kick, proposed.Kick},
		{"redact", old.Redact, proposed.Redact},
		{"invite", old.Invite, proposed.Invite},
		{"users_default", old.UsersDefault, proposed.UsersDefault},
		{"events_default", old.EventsDefault, proposed.EventsDefault},
		{"state_default", old.StateDefault, proposed.StateDefault},
	}
	for _, s := range scalars {
		if s.old == s.new {
			continue
		}
		if s.old > senderLevel || s.new > senderLevel {
			return deny(InsufficientPower, "cannot change %s from %d to %d with power %d",
				s.name, s.old, s.new, senderLevel)
		}
	}

	for typ := range mergedKeys(old.Events, proposed.Events) {
		oldLvl, hadOld := levelAt(old.Events, typ)
		newLvl, hasNew := levelAt(proposed.Events, typ)
		if hadOld == hasNew && oldLvl == newLvl {
			continue
		}
		if (hadOld && oldLvl > senderLevel) || (hasNew && newLvl > senderLevel) {
			return deny(InsufficientPower, "cannot change level for %s with power %d", typ, senderLevel)
		}
	}

	for user := range mergedKeys(old.Users, proposed.Users) {
		oldLvl, hadOld := levelAt(old.Users, user)
		newLvl, hasNew := levelAt(proposed.Users, user)
		if hadOld == hasNew && oldLvl == newLvl {
			continue
		}
		if (hadOld && oldLvl > senderLevel) || (hasNew && newLvl > senderLevel) {
			return deny(InsufficientPower, "cannot change level of %s with power %d", user, senderLevel)
		}
		if user != e.Sender && hadOld && oldLvl == senderLevel {
			return deny(InsufficientPower, "cannot change level of peer %s", user)
		}
	}
	return nil
}

func mergedKeys(a, b map[string]int64) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func levelAt(m map[string]int64, key string) (int64, bool) {
	v, ok := m[key]
	return v, ok
}
