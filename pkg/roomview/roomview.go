package roomview

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/grapevinehq/grapevine/pkg/events"
	"github.com/grapevinehq/grapevine/pkg/log"
	"github.com/grapevinehq/grapevine/pkg/storage"
	"github.com/grapevinehq/grapevine/pkg/types"
)

// View maintains the hot read side of the server: the current state
// map of every room, set through SetState, and per-user membership
// projections, updated from the output stream.
type View struct {
	store  storage.Store
	broker *events.Broker

	mu          sync.RWMutex
	state       map[string]types.StateMap
	memberships map[string]map[string]string

	subs   *subscriptions
	sub    events.Subscriber
	stopCh chan struct{}
}

// NewView builds a view over the store and the output broker.
func NewView(store storage.Store, broker *events.Broker) *View {
	return &View{
		store:       store,
		broker:      broker,
		state:       make(map[string]types.StateMap),
		memberships: make(map[string]map[string]string),
		subs:        newSubscriptions(),
		stopCh:      make(chan struct{}),
	}
}

// Warm rebuilds the in-memory view from the store after a restart.
func (v *View) Warm() error {
	rooms, err := v.store.Rooms()
	if err != nil {
		return err
	}
	for _, roomID := range rooms {
		entries, err := v.store.AppendStream(roomID, 0, 0)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			continue
		}
		last := entries[len(entries)-1]
		state, ok, err := v.store.StateSnapshot(last.EventID)
		if err != nil {
			return err
		}
		if !ok {
			log.WithRoomID(roomID).Warn().Str("event_id", last.EventID).
				Msg("No state snapshot at stream head")
			continue
		}
		v.SetState(roomID, state)
		if err := v.rebuildMemberships(roomID, state); err != nil {
			return err
		}
	}
	return nil
}

func (v *View) rebuildMemberships(roomID string, state types.StateMap) error {
	var memberIDs []string
	for key, id := range state {
		if key.Type == types.EventTypeMember {
			memberIDs = append(memberIDs, id)
		}
	}
	evs, err := v.store.GetMany(memberIDs)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, ev := range evs {
		if ev.StateKey == nil {
			continue
		}
		v.setMembershipLocked(*ev.StateKey, roomID, membershipContent(ev))
	}
	return nil
}

// Start subscribes to the output stream and begins applying updates
func (v *View) Start() {
	v.sub = v.broker.Subscribe()
	go v.run()
}

// Stop stops the view's update loop
func (v *View) Stop() {
	close(v.stopCh)
	v.broker.Unsubscribe(v.sub)
}

func (v *View) run() {
	for {
		select {
		case out, ok := <-v.sub:
			if !ok {
				return
			}
			v.apply(out)
		case <-v.stopCh:
			return
		}
	}
}

func (v *View) apply(out *events.OutputEvent) {
	if out.Kind == events.KindNewEvent && out.Type == types.EventTypeMember && out.StateKey != nil {
		ev, err := v.store.Get(out.EventID)
		if err != nil {
			log.WithRoomID(out.RoomID).Error().Err(err).
				Str("event_id", out.EventID).Msg("Membership update lost")
		} else {
			v.mu.Lock()
			v.setMembershipLocked(*out.StateKey, out.RoomID, membershipContent(ev))
			v.mu.Unlock()
		}
	}
	v.subs.notify(v, out)
}

func (v *View) setMembershipLocked(userID, roomID, membership string) {
	rooms, ok := v.memberships[userID]
	if !ok {
		rooms = make(map[string]string)
		v.memberships[userID] = rooms
	}
	if membership == "" || membership == types.MembershipLeave || membership == types.MembershipBan {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(v.memberships, userID)
		}
		return
	}
	rooms[roomID] = membership
}

// SetState atomically swaps the current state map of a room. The
// ingress pipeline calls this after persisting each event that is not
// soft-failed.
func (v *View) SetState(roomID string, state types.StateMap) {
	v.mu.Lock()
	v.state[roomID] = state.Clone()
	v.mu.Unlock()
}

// CurrentState returns the room's current state map.
func (v *View) CurrentState(roomID string) (types.StateMap, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	state, ok := v.state[roomID]
	if !ok {
		return nil, false
	}
	return state.Clone(), true
}

// StateAt returns the state of the room at the given event, or the
// current state when eventID is empty. Soft-failed events never appear
// in the returned map.
func (v *View) StateAt(roomID, eventID string) (types.StateMap, error) {
	if eventID == "" {
		state, ok := v.CurrentState(roomID)
		if !ok {
			return nil, fmt.Errorf("%w: room %s", storage.ErrNotFound, roomID)
		}
		return state, nil
	}
	state, ok, err := v.store.StateSnapshot(eventID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no state at event %s", storage.ErrNotFound, eventID)
	}
	return state, nil
}

// TimelineEntry is one stream-ordered event of a room's timeline.
type TimelineEntry struct {
	Ordering int64
	Event    *types.Event
}

// Timeline returns up to limit events of the room after the from
// cursor, in stream order. Soft-failed events are included; state
// queries are where they are hidden.
func (v *View) Timeline(roomID string, from, to int64, limit int) ([]TimelineEntry, error) {
	entries, err := v.store.AppendStream(roomID, from, limit)
	if err != nil {
		return nil, err
	}
	out := make([]TimelineEntry, 0, len(entries))
	for _, entry := range entries {
		if to > 0 && entry.Ordering > to {
			break
		}
		ev, err := v.store.Get(entry.EventID)
		if err != nil {
			return nil, err
		}
		out = append(out, TimelineEntry{Ordering: entry.Ordering, Event: ev})
	}
	return out, nil
}

// Membership returns userID's membership in roomID, defaulting to
// leave.
func (v *View) Membership(userID, roomID string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if m, ok := v.memberships[userID][roomID]; ok {
		return m
	}
	return types.MembershipLeave
}

// Rooms returns the rooms userID is joined, invited or knocking in.
func (v *View) Rooms(userID string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.memberships[userID]))
	for roomID := range v.memberships[userID] {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

func membershipContent(ev *types.Event) string {
	var content struct {
		Membership string `json:"membership"`
	}
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return ""
	}
	return content.Membership
}
