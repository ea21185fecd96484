package authrules

import (
	"encoding/json"
	"fmt"

	"github.com/grapevinehq/grapevine/pkg/types"
)

// DenyReason classifies why an event failed authorization.
type DenyReason int

const (
	MissingCreate DenyReason = iota
	WrongCreator
	NotInRoom
	InsufficientPower
	InvalidMembershipTransition
	BadJoinRule
	InvalidThirdPartyInvite
	Malformed
)

func (r DenyReason) String() string {
	switch r {
	case MissingCreate:
		return "missing_create"
	case WrongCreator:
		return "wrong_creator"
	case NotInRoom:
		return "not_in_room"
	case InsufficientPower:
		return "insufficient_power"
	case InvalidMembershipTransition:
		return "invalid_membership_transition"
	case BadJoinRule:
		return "bad_join_rule"
	case InvalidThirdPartyInvite:
		return "invalid_third_party_invite"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

// DenyError is an authorization denial. Denials are permanent for the
// (event, auth state) pair they were computed against.
type DenyError struct {
	Reason DenyReason
	Msg    string
}

func (e *DenyError) Error() string {
	return fmt.Sprintf("auth: %s: %s", e.Reason, e.Msg)
}

func deny(reason DenyReason, format string, args ...any) error {
	return &DenyError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// AuthState is the narrow slice of room state an authorization decision
// reads: the create event, power levels, join rules, the membership of
// the users involved and any third-party invites cited.
type AuthState struct {
	Create           *types.Event
	PowerLevels      *types.Event
	JoinRules        *types.Event
	Members          map[string]*types.Event
	ThirdPartyInvite map[string]*types.Event
}

// NewAuthState indexes a flat list of state events into an AuthState.
// Events of irrelevant types are ignored.
func NewAuthState(events []*types.Event) *AuthState {
	st := &AuthState{
		Members:          make(map[string]*types.Event),
		ThirdPartyInvite: make(map[string]*types.Event),
	}
	for _, ev := range events {
		if ev == nil || !ev.IsState() {
			continue
		}
		switch ev.Type {
		case types.EventTypeCreate:
			if *ev.StateKey == "" {
				st.Create = ev
			}
		case types.EventTypePowerLevels:
			if *ev.StateKey == "" {
				st.PowerLevels = ev
			}
		case types.EventTypeJoinRules:
			if *ev.StateKey == "" {
				st.JoinRules = ev
			}
		case types.EventTypeMember:
			st.Members[*ev.StateKey] = ev
		case types.EventTypeThirdPartyInvite:
			st.ThirdPartyInvite[*ev.StateKey] = ev
		}
	}
	return st
}

// Membership returns the current membership of userID, defaulting to
// leave.
func (s *AuthState) Membership(userID string) string {
	ev, ok := s.Members[userID]
	if !ok {
		return types.MembershipLeave
	}
	m, err := membershipOf(ev)
	if err != nil {
		return types.MembershipLeave
	}
	return m
}

// Creator returns the room creator per the create event's content, or
// its sender for room versions without an explicit creator field.
func (s *AuthState) Creator(caps types.Capabilities) string {
	if s.Create == nil {
		return ""
	}
	if caps.ImplicitRoomCreator {
		return s.Create.Sender
	}
	var content struct {
		Creator string `json:"creator"`
	}
	if err := json.Unmarshal(s.Create.Content, &content); err != nil {
		return ""
	}
	return content.Creator
}

// federateAllowed reports whether the create event permits events from
// servers other than the creator's.
func (s *AuthState) federateAllowed() bool {
	if s.Create == nil {
		return true
	}
	var content struct {
		Federate *bool `json:"m.federate"`
	}
	if err := json.Unmarshal(s.Create.Content, &content); err != nil {
		return true
	}
	return content.Federate == nil || *content.Federate
}

// JoinRule returns the room's join rule, defaulting to invite.
func (s *AuthState) JoinRule() string {
	if s.JoinRules == nil {
		return types.JoinRuleInvite
	}
	var content struct {
		JoinRule string `json:"join_rule"`
	}
	if err := json.Unmarshal(s.JoinRules.Content, &content); err != nil {
		return types.JoinRuleInvite
	}
	if content.JoinRule == "" {
		return types.JoinRuleInvite
	}
	return content.JoinRule
}

// Allowed authorizes e against auth under the rules of room version v.
// nil means allowed; denials are *DenyError.
func Allowed(e *types.Event, auth *AuthState, v types.RoomVersion) error {
	caps, err := types.Version(v)
	if err != nil {
		return deny(Malformed, "unknown room version %s", v)
	}

	if e.Type == types.EventTypeCreate && e.IsState() && *e.StateKey == "" {
		return allowedCreate(e, caps)
	}

	if auth.Create == nil {
		return deny(MissingCreate, "no create event in auth state")
	}
	if auth.Create.RoomID != e.RoomID {
		return deny(Malformed, "create event is for room %s", auth.Create.RoomID)
	}
	if !auth.federateAllowed() &&
		types.ServerName(e.Sender) != types.ServerName(auth.Create.Sender) {
		return deny(NotInRoom, "room does not federate")
	}

	if caps.SpecialCaseAliasAuth && e.Type == types.EventTypeAliases {
		return allowedAliases(e)
	}

	if e.Type == types.EventTypeMember && e.IsState() {
		return allowedMembership(e, auth, caps)
	}

	if auth.Membership(e.Sender) != types.MembershipJoin {
		return deny(NotInRoom, "sender %s is not joined", e.Sender)
	}

	pl, err := loadPowerLevels(auth, caps)
	if err != nil {
		return err
	}
	senderLevel := pl.UserLevel(e.Sender)
	if senderLevel < pl.RequiredFor(e) {
		return deny(InsufficientPower, "sender %s has power %d, needs %d for %s",
			e.Sender, senderLevel, pl.RequiredFor(e), e.Type)
	}

	switch {
	case e.Type == types.EventTypePowerLevels && e.IsState():
		return allowedPowerLevelChange(e, auth, pl, caps)
	case e.Type == types.EventTypeRedaction:
		return allowedRedaction(e, pl, senderLevel, caps)
	}
	return nil
}

func allowedCreate(e *types.Event, caps types.Capabilities) error {
	if len(e.PrevEvents) != 0 {
		return deny(Malformed, "create event has prev_events")
	}
	if types.ServerName(e.RoomID) != types.ServerName(e.Sender) {
		return deny(WrongCreator, "room %s not on sender's server", e.RoomID)
	}
	if !caps.ImplicitRoomCreator {
		var content struct {
			Creator string `json:"creator"`
		}
		if err := json.Unmarshal(e.Content, &content); err != nil || content.Creator == "" {
			return deny(Malformed, "create event has no creator")
		}
	}
	return nil
}

// allowedAliases implements the m.room.aliases carve-out of room
// versions 1 through 5: any user may set the alias list for their own
// server without being joined.
func allowedAliases(e *types.Event) error {
	if !e.IsState() || *e.StateKey == "" {
		return deny(Malformed, "aliases event without server state_key")
	}
	if *e.StateKey != types.ServerName(e.Sender) {
		return deny(InsufficientPower, "alias state_key %s is not sender's server", *e.StateKey)
	}
	return nil
}

func allowedRedaction(e *types.Event, pl *PowerLevels, senderLevel int64, caps types.Capabilities) error {
	if senderLevel >= pl.Redact {
		return nil
	}
	// The first event format allows redacting your own server's events
	// regardless of power.
	if caps.EventFormat == types.EventIDSender && e.Redacts != "" {
		target := types.ServerName(e.Redacts)
		if target != "" && target == types.ServerName(e.Sender) {
			return nil
		}
	}
	return deny(InsufficientPower, "sender %s has power %d, needs %d to redact",
		e.Sender, senderLevel, pl.Redact)
}
