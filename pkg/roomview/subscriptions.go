package roomview

import (
	"sync"

	"github.com/google/uuid"

	"github.com/grapevinehq/grapevine/pkg/events"
	"github.com/grapevinehq/grapevine/pkg/types"
)

// Update tells a subscriber that a room it belongs to advanced.
// Delivery is at-least-once; consumers deduplicate on StreamOrdering.
type Update struct {
	RoomID         string
	StreamOrdering int64
}

// Subscription is one user's registration for room updates.
type Subscription struct {
	Token  string
	UserID string
	Ch     chan Update
}

type subscriptions struct {
	mu     sync.RWMutex
	byTok  map[string]*Subscription
	byUser map[string]map[string]*Subscription
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		byTok:  make(map[string]*Subscription),
		byUser: make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers userID for updates to the rooms they are joined,
// invited or knocking in. The returned token releases it.
func (v *View) Subscribe(userID string) *Subscription {
	sub := &Subscription{
		Token:  uuid.New().String(),
		UserID: userID,
		Ch:     make(chan Update, 50),
	}
	v.subs.mu.Lock()
	defer v.subs.mu.Unlock()
	v.subs.byTok[sub.Token] = sub
	if v.subs.byUser[userID] == nil {
		v.subs.byUser[userID] = make(map[string]*Subscription)
	}
	v.subs.byUser[userID][sub.Token] = sub
	return sub
}

// Unsubscribe releases a subscription by token.
func (v *View) Unsubscribe(token string) {
	v.subs.mu.Lock()
	defer v.subs.mu.Unlock()
	sub, ok := v.subs.byTok[token]
	if !ok {
		return
	}
	delete(v.subs.byTok, token)
	delete(v.subs.byUser[sub.UserID], token)
	if len(v.subs.byUser[sub.UserID]) == 0 {
		delete(v.subs.byUser, sub.UserID)
	}
	close(sub.Ch)
}

// notify pushes an update to every subscriber with standing in the
// room. Slow subscribers are skipped; they reconcile from the stream.
func (s *subscriptions) notify(v *View, out *events.OutputEvent) {
	v.mu.RLock()
	var users []string
	for userID, rooms := range v.memberships {
		if m, ok := rooms[out.RoomID]; ok && m != types.MembershipLeave {
			users = append(users, userID)
		}
	}
	v.mu.RUnlock()

	update := Update{RoomID: out.RoomID, StreamOrdering: out.StreamOrdering}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, userID := range users {
		for _, sub := range s.byUser[userID] {
			select {
			case sub.Ch <- update:
			default:
			}
		}
	}
}
