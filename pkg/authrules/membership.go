package authrules

import (
	"encoding/json"

	"github.com/grapevinehq/grapevine/pkg/types"
)

type memberContent struct {
	Membership    string `json:"membership"`
	AuthorisedVia string `json:"join_authorised_via_users_server"`
	ThirdParty    *struct {
		Signed struct {
			MXID  string `json:"mxid"`
			Token string `json:"token"`
		} `json:"signed"`
	} `json:"third_party_invite"`
}

func membershipOf(e *types.Event) (string, error) {
	var c memberContent
	if err := json.Unmarshal(e.Content, &c); err != nil {
		return "", deny(Malformed, "member content: %v", err)
	}
	if c.Membership == "" {
		return "", deny(Malformed, "member event without membership")
	}
	return c.Membership, nil
}

func allowedMembership(e *types.Event, auth *AuthState, caps types.Capabilities) error {
	if e.StateKey == nil || *e.StateKey == "" {
		return deny(Malformed, "member event without state_key")
	}
	var content memberContent
	if err := json.Unmarshal(e.Content, &content); err != nil {
		return deny(Malformed, "member content: %v", err)
	}

	target := *e.StateKey
	senderMembership := auth.Membership(e.Sender)
	targetMembership := auth.Membership(target)

	pl, err := loadPowerLevels(auth, caps)
	if err != nil {
		return err
	}
	senderLevel := pl.UserLevel(e.Sender)

	switch content.Membership {
	case types.MembershipJoin:
		return allowedJoin(e, auth, caps, content, pl, target, targetMembership)

	case types.MembershipInvite:
		if content.ThirdParty != nil {
			return allowedThirdPartyInvite(e, auth, content, target, targetMembership)
		}
		if senderMembership != types.MembershipJoin {
			return deny(NotInRoom, "inviter %s is not joined", e.Sender)
		}
		if targetMembership == types.MembershipJoin || targetMembership == types.MembershipBan {
			return deny(InvalidMembershipTransition, "cannot invite %s from %s", target, targetMembership)
		}
		if senderLevel < pl.Invite {
			return deny(InsufficientPower, "inviter %s has power %d, needs %d", e.Sender, senderLevel, pl.Invite)
		}
		return nil

	case types.MembershipLeave:
		if e.Sender == target {
			// Leaving or rescinding one's own membership. A ban can only
			// be lifted by someone with ban power.
			switch targetMembership {
			case types.MembershipJoin, types.MembershipInvite, types.MembershipKnock:
				return nil
			}
			return deny(InvalidMembershipTransition, "cannot leave from %s", targetMembership)
		}
		if senderMembership != types.MembershipJoin {
			return deny(NotInRoom, "kicker %s is not joined", e.Sender)
		}
		if targetMembership == types.MembershipBan && senderLevel < pl.Ban {
			return deny(InsufficientPower, "unban needs power %d", pl.Ban)
		}
		if senderLevel < pl.Kick || senderLevel <= pl.UserLevel(target) {
			return deny(InsufficientPower, "cannot kick %s (power %d vs %d, kick level %d)",
				target, senderLevel, pl.UserLevel(target), pl.Kick)
		}
		return nil

	case types.MembershipBan:
		if senderMembership != types.MembershipJoin {
			return deny(NotInRoom, "banner %s is not joined", e.Sender)
		}
		if senderLevel < pl.Ban || senderLevel <= pl.UserLevel(target) {
			return deny(InsufficientPower, "cannot ban %s (power %d vs %d, ban level %d)",
				target, senderLevel, pl.UserLevel(target), pl.Ban)
		}
		return nil

	case types.MembershipKnock:
		if !caps.KnockAllowed {
			return deny(Malformed, "room version does not allow knocking")
		}
		rule := auth.JoinRule()
		if rule != types.JoinRuleKnock && rule != types.JoinRuleKnockRestricted {
			return deny(BadJoinRule, "join rule %s does not allow knocking", rule)
		}
		if e.Sender != target {
			return deny(InvalidMembershipTransition, "cannot knock on behalf of %s", target)
		}
		switch targetMembership {
		case types.MembershipJoin, types.MembershipBan, types.MembershipInvite:
			return deny(InvalidMembershipTransition, "cannot knock from %s", targetMembership)
		}
		return nil
	}
	return deny(Malformed, "unknown membership %q", content.Membership)
}

func allowedJoin(e *types.Event, auth *AuthState, caps types.Capabilities, content memberContent, pl *PowerLevels, target, targetMembership string) error {
	// The creator's first join: the create event is the sole parent.
	if len(e.PrevEvents) == 1 && auth.Create != nil &&
		string(e.PrevEvents[0]) == auth.Create.EventID &&
		target == auth.Creator(caps) {
		if e.Sender != target {
			return deny(InvalidMembershipTransition, "creator join sent by %s", e.Sender)
		}
		return nil
	}

	if e.Sender != target {
		return deny(InvalidMembershipTransition, "join sent on behalf of %s", target)
	}
	if targetMembership == types.MembershipBan {
		return deny(InvalidMembershipTransition, "user %s is banned", target)
	}
	if targetMembership == types.MembershipJoin || targetMembership == types.MembershipInvite {
		return nil
	}

	switch rule := auth.JoinRule(); rule {
	case types.JoinRulePublic:
		return nil
	case types.JoinRuleRestricted, types.JoinRuleKnockRestricted:
		if !caps.RestrictedJoinsAllowed {
			return deny(BadJoinRule, "join rule %s not recognised by this room version", rule)
		}
		if rule == types.JoinRuleKnockRestricted && targetMembership == types.MembershipKnock {
			return nil
		}
		if content.AuthorisedVia == "" {
			return deny(BadJoinRule, "restricted join without authorising server")
		}
		if auth.Membership(content.AuthorisedVia) != types.MembershipJoin {
			return deny(BadJoinRule, "authorising user %s is not joined", content.AuthorisedVia)
		}
		if pl.UserLevel(content.AuthorisedVia) < pl.Invite {
			return deny(BadJoinRule, "authorising user %s cannot invite", content.AuthorisedVia)
		}
		return nil
	case types.JoinRuleKnock:
		if caps.KnockAllowed && targetMembership == types.MembershipKnock {
			return nil
		}
		return deny(BadJoinRule, "join rule knock requires an accepted knock")
	default:
		return deny(BadJoinRule, "join rule %s forbids joining", rule)
	}
}

// allowedThirdPartyInvite exchanges a m.room.third_party_invite for a
// membership invite. The signed object must name the invited user and a
// token present in the room state; the identity server's signature over
// it was checked at ingress.
func allowedThirdPartyInvite(e *types.Event, auth *AuthState, content memberContent, target, targetMembership string) error {
	if targetMembership == types.MembershipBan {
		return deny(InvalidMembershipTransition, "cannot invite banned user %s", target)
	}
	signed := content.ThirdParty.Signed
	if signed.MXID != target {
		return deny(InvalidThirdPartyInvite, "signed mxid %s does not match %s", signed.MXID, target)
	}
	if signed.Token == "" {
		return deny(InvalidThirdPartyInvite, "third-party invite without token")
	}
	invite, ok := auth.ThirdPartyInvite[signed.Token]
	if !ok {
		return deny(InvalidThirdPartyInvite, "no third_party_invite state for token %s", signed.Token)
	}
	if invite.Sender != e.Sender {
		return deny(InvalidThirdPartyInvite, "invite issued by %s, exchanged by %s", invite.Sender, e.Sender)
	}
	return nil
}
