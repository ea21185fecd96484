package stateres

import (
	"context"
	"fmt"
	"sort"

	"github.com/grapevinehq/grapevine/pkg/authrules"
	"github.com/grapevinehq/grapevine/pkg/metrics"
	"github.com/grapevinehq/grapevine/pkg/types"
)

// ResolveV2 implements the second-generation resolution algorithm used
// by room versions 2 and later: the conflicted set plus the forks' auth
// difference is replayed, power events first in reverse topological
// power order, the remainder in mainline order, each event
// re-authorized against the accumulating state. Unconflicted entries
// always win.
func ResolveV2(ctx context.Context, forks []types.StateMap, v types.RoomVersion, limit int, fetch EventFetcher) (types.StateMap, error) {
	unconflicted, conflicted := partition(forks)
	metrics.StateResolutionConflicts.Observe(float64(len(conflicted)))
	if len(conflicted) == 0 {
		return unconflicted.Clone(), nil
	}

	fullConflicted := map[string]struct{}{}
	for _, ids := range conflicted {
		for _, id := range ids {
			fullConflicted[id] = struct{}{}
		}
	}

	chains := make([]map[string]struct{}, len(forks))
	for i, fork := range forks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		roots := make([]string, 0, len(fork))
		for _, id := range fork {
			roots = append(roots, id)
		}
		chain, err := authChain(ctx, roots, limit, fetch)
		if err != nil {
			return nil, err
		}
		chains[i] = chain
	}
	for id := range authDifference(chains) {
		fullConflicted[id] = struct{}{}
	}
	if limit > 0 && len(fullConflicted) > limit {
		return nil, fmt.Errorf("%w: %d events, cap %d", ErrResolutionTooLarge, len(fullConflicted), limit)
	}

	events := make(map[string]*types.Event, len(fullConflicted))
	for id := range fullConflicted {
		ev, err := fetch.EventByID(id)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			events[id] = ev
		}
	}

	var powerIDs, otherIDs []string
	for id, ev := range events {
		if authrules.IsPowerEvent(ev) {
			powerIDs = append(powerIDs, id)
		} else {
			otherIDs = append(otherIDs, id)
		}
	}

	sortedPower, err := reverseTopologicalPowerOrder(ctx, powerIDs, v, limit, fetch)
	if err != nil {
		return nil, err
	}

	resolved, err := iterativeAuth(ctx, sortedPower, unconflicted.Clone(), events, v, fetch)
	if err != nil {
		return nil, err
	}

	mainline, err := buildMainline(ctx, resolved[types.StateKey{Type: types.EventTypePowerLevels}], limit, fetch)
	if err != nil {
		return nil, err
	}
	mainlineIndex := make(map[string]int, len(mainline))
	for i, id := range mainline {
		mainlineIndex[id] = i + 1
	}
	positions := map[string]int{}
	sort.Slice(otherIDs, func(i, j int) bool {
		a, b := events[otherIDs[i]], events[otherIDs[j]]
		pa, pb := mainlinePosition(a, mainlineIndex, positions, fetch), mainlinePosition(b, mainlineIndex, positions, fetch)
		if pa != pb {
			return pa < pb
		}
		if a.OriginServerTS != b.OriginServerTS {
			return a.OriginServerTS < b.OriginServerTS
		}
		return a.EventID < b.EventID
	})

	resolved, err = iterativeAuth(ctx, otherIDs, resolved, events, v, fetch)
	if err != nil {
		return nil, err
	}

	for key, id := range unconflicted {
		resolved[key] = id
	}
	return resolved, nil
}

// authChain walks auth_events transitively from roots. Events the
// fetcher cannot supply terminate their branch.
func authChain(ctx context.Context, roots []string, limit int, fetch EventFetcher) (map[string]struct{}, error) {
	chain := map[string]struct{}{}
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		ev, err := fetch.EventByID(id)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue
		}
		for _, auth := range ev.AuthEventIDs() {
			if _, ok := chain[auth]; ok {
				continue
			}
			chain[auth] = struct{}{}
			if limit > 0 && len(chain) > limit {
				return nil, fmt.Errorf("%w: auth chain exceeds %d events", ErrResolutionTooLarge, limit)
			}
			queue = append(queue, auth)
		}
	}
	return chain, nil
}

// authDifference returns the events in some chains but not all of them.
func authDifference(chains []map[string]struct{}) map[string]struct{} {
	diff := map[string]struct{}{}
	union := map[string]struct{}{}
	for _, chain := range chains {
		for id := range chain {
			union[id] = struct{}{}
		}
	}
	for id := range union {
		inAll := true
		for _, chain := range chains {
			if _, ok := chain[id]; !ok {
				inAll = false
				break
			}
		}
		if !inAll {
			diff[id] = struct{}{}
		}
	}
	return diff
}

// reverseTopologicalPowerOrder sorts ids so that auth ancestors come
// first; among ready events the highest sender power wins, then the
// earliest timestamp, then the smallest event ID. The sort runs over
// the ids and their auth chains so indirect ancestry still orders them.
func reverseTopologicalPowerOrder(ctx context.Context, ids []string, v types.RoomVersion, limit int, fetch EventFetcher) ([]string, error) {
	nodes := map[string]*types.Event{}
	queue := append([]string(nil), ids...)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, ok := nodes[id]; ok {
			continue
		}
		ev, err := fetch.EventByID(id)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue
		}
		nodes[id] = ev
		if limit > 0 && len(nodes) > limit {
			return nil, fmt.Errorf("%w: power ordering graph exceeds %d events", ErrResolutionTooLarge, limit)
		}
		queue = append(queue, ev.AuthEventIDs()...)
	}

	indegree := map[string]int{}
	children := map[string][]string{}
	for id, ev := range nodes {
		indegree[id] += 0
		for _, parent := range ev.AuthEventIDs() {
			if _, ok := nodes[parent]; !ok {
				continue
			}
			children[parent] = append(children[parent], id)
			indegree[id]++
		}
	}

	power := map[string]int64{}
	for id, ev := range nodes {
		power[id] = senderPowerAt(ev, v, fetch)
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	wanted := map[string]struct{}{}
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			a, b := ready[i], ready[best]
			ea, eb := nodes[a], nodes[b]
			switch {
			case power[a] != power[b]:
				if power[a] > power[b] {
					best = i
				}
			case ea.OriginServerTS != eb.OriginServerTS:
				if ea.OriginServerTS < eb.OriginServerTS {
					best = i
				}
			case a < b:
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		if _, ok := wanted[id]; ok {
			out = append(out, id)
		}
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	return out, nil
}

// senderPowerAt derives the sender's power level from the event's own
// auth events: the cited power_levels if any, otherwise 100 for the
// room creator and 0 for everyone else.
func senderPowerAt(e *types.Event, v types.RoomVersion, fetch EventFetcher) int64 {
	var auths []*types.Event
	for _, id := range e.AuthEventIDs() {
		ev, err := fetch.EventByID(id)
		if err != nil || ev == nil {
			continue
		}
		auths = append(auths, ev)
	}
	st := authrules.NewAuthState(auths)
	caps, err := types.Version(v)
	if err != nil {
		return 0
	}
	return authrules.SenderPower(e.Sender, st, caps)
}

// iterativeAuth applies events in order, checking each against the
// accumulating state. The auth state for a check is the event's own
// cited auth events overlaid with the resolved slots. Denied events are
// skipped, not fatal.
func iterativeAuth(ctx context.Context, order []string, base types.StateMap, events map[string]*types.Event, v types.RoomVersion, fetch EventFetcher) (types.StateMap, error) {
	resolved := base
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev := events[id]
		if ev == nil {
			var err error
			ev, err = fetch.EventByID(id)
			if err != nil {
				return nil, err
			}
			if ev == nil {
				continue
			}
		}
		if !ev.IsState() {
			continue
		}

		authIDs := map[types.StateKey]string{}
		for _, authID := range ev.AuthEventIDs() {
			authEv, err := fetch.EventByID(authID)
			if err != nil {
				return nil, err
			}
			if authEv != nil && authEv.IsState() {
				authIDs[authEv.StateTuple()] = authEv.EventID
			}
		}
		for _, slot := range authrules.AuthEventSelection(ev) {
			if id, ok := resolved[slot]; ok {
				authIDs[slot] = id
			}
		}
		var ids []string
		for _, id := range authIDs {
			ids = append(ids, id)
		}
		auths, err := fetchAll(ids, fetch)
		if err != nil {
			return nil, err
		}
		if authrules.Allowed(ev, authrules.NewAuthState(auths), v) == nil {
			resolved[ev.StateTuple()] = ev.EventID
		}
	}
	return resolved, nil
}

// buildMainline walks the power_levels ancestry of the resolved power
// event, oldest first.
func buildMainline(ctx context.Context, plEventID string, limit int, fetch EventFetcher) ([]string, error) {
	var line []string
	id := plEventID
	for id != "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line = append(line, id)
		if limit > 0 && len(line) > limit {
			return nil, fmt.Errorf("%w: mainline exceeds %d events", ErrResolutionTooLarge, limit)
		}
		ev, err := fetch.EventByID(id)
		if err != nil {
			return nil, err
		}
		id = ""
		if ev != nil {
			id = powerLevelsParent(ev, fetch)
		}
	}
	// Oldest first so positions grow with room history.
	for i, j := 0, len(line)-1; i < j; i, j = i+1, j-1 {
		line[i], line[j] = line[j], line[i]
	}
	return line, nil
}

// mainlinePosition finds the index of the closest mainline ancestor of
// e, following power_levels auth links. Events with no mainline
// ancestor sort before the mainline start.
func mainlinePosition(e *types.Event, index map[string]int, memo map[string]int, fetch EventFetcher) int {
	cur := e
	for cur != nil {
		if pos, ok := memo[cur.EventID]; ok {
			return pos
		}
		if pos, ok := index[cur.EventID]; ok {
			memo[e.EventID] = pos
			return pos
		}
		parent := powerLevelsParent(cur, fetch)
		if parent == "" {
			break
		}
		next, err := fetch.EventByID(parent)
		if err != nil || next == nil {
			break
		}
		cur = next
	}
	memo[e.EventID] = 0
	return 0
}

// powerLevelsParent returns the power_levels event cited by e's
// auth_events, if any.
func powerLevelsParent(e *types.Event, fetch EventFetcher) string {
	for _, id := range e.AuthEventIDs() {
		ev, err := fetch.EventByID(id)
		if err != nil || ev == nil {
			continue
		}
		if ev.Type == types.EventTypePowerLevels && ev.IsState() && *ev.StateKey == "" {
			return ev.EventID
		}
	}
	return ""
}
