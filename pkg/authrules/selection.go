package authrules

import (
	"encoding/json"

	"github.com/grapevinehq/grapevine/pkg/types"
)

// AuthEventSelection returns the state slots an event must cite in its
// auth_events. The create event cites nothing.
func AuthEventSelection(e *types.Event) []types.StateKey {
	if e.Type == types.EventTypeCreate && e.IsState() {
		return nil
	}
	out := []types.StateKey{
		{Type: types.EventTypeCreate, StateKey: ""},
		{Type: types.EventTypePowerLevels, StateKey: ""},
		{Type: types.EventTypeMember, StateKey: e.Sender},
	}
	if e.Type != types.EventTypeMember || !e.IsState() {
		return out
	}

	if *e.StateKey != e.Sender {
		out = append(out, types.StateKey{Type: types.EventTypeMember, StateKey: *e.StateKey})
	}
	var content memberContent
	if err := json.Unmarshal(e.Content, &content); err != nil {
		return out
	}
	switch content.Membership {
	case types.MembershipJoin, types.MembershipInvite, types.MembershipKnock:
		out = append(out, types.StateKey{Type: types.EventTypeJoinRules, StateKey: ""})
	}
	if content.Membership == types.MembershipInvite && content.ThirdParty != nil {
		out = append(out, types.StateKey{
			Type:     types.EventTypeThirdPartyInvite,
			StateKey: content.ThirdParty.Signed.Token,
		})
	}
	if content.Membership == types.MembershipJoin && content.AuthorisedVia != "" {
		out = append(out, types.StateKey{Type: types.EventTypeMember, StateKey: content.AuthorisedVia})
	}
	return out
}

// IsPowerEvent reports whether an event can change who may do what in
// the room: create, power_levels, join_rules, and membership events
// that remove someone else (kicks and bans).
func IsPowerEvent(e *types.Event) bool {
	if !e.IsState() {
		return false
	}
	switch e.Type {
	case types.EventTypeCreate, types.EventTypePowerLevels, types.EventTypeJoinRules:
		return *e.StateKey == ""
	case types.EventTypeMember:
		m, err := membershipOf(e)
		if err != nil {
			return false
		}
		if m != types.MembershipLeave && m != types.MembershipBan {
			return false
		}
		return e.Sender != *e.StateKey
	}
	return false
}
