package stateres

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"

	"github.com/grapevinehq/grapevine/pkg/authrules"
	"github.com/grapevinehq/grapevine/pkg/metrics"
	"github.com/grapevinehq/grapevine/pkg/types"
)

// ResolveV1 implements the original resolution algorithm used by room
// version 1: per conflicted key the deepest event wins,
// ties broken by the greater SHA-1 of the event ID, and the winner must
// still pass authorization against the partially resolved state or the
// next candidate is tried.
func ResolveV1(forks []types.StateMap, v types.RoomVersion, fetch EventFetcher) (types.StateMap, error) {
	unconflicted, conflicted := partition(forks)
	metrics.StateResolutionConflicts.Observe(float64(len(conflicted)))
	resolved := unconflicted.Clone()
	if len(conflicted) == 0 {
		return resolved, nil
	}

	// Order the conflicted keys so resolution is deterministic and the
	// slots auth depends on are settled first.
	keys := make([]types.StateKey, 0, len(conflicted))
	for key := range conflicted {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := v1KeyPriority(keys[i]), v1KeyPriority(keys[j])
		if pi != pj {
			return pi < pj
		}
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].StateKey < keys[j].StateKey
	})

	for _, key := range keys {
		candidates, err := fetchAll(conflicted[key], fetch)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Depth != candidates[j].Depth {
				return candidates[i].Depth > candidates[j].Depth
			}
			return sha1Hex(candidates[i].EventID) > sha1Hex(candidates[j].EventID)
		})

		winner := candidates[0]
		for _, cand := range candidates {
			if authorizedAgainst(cand, resolved, v, fetch) {
				winner = cand
				break
			}
		}
		resolved[key] = winner.EventID
	}
	return resolved, nil
}

// v1KeyPriority settles power levels before join rules before
// memberships before everything else, mirroring the order the original
// algorithm applied its auth-sensitive buckets.
func v1KeyPriority(key types.StateKey) int {
	switch key.Type {
	case types.EventTypeCreate:
		return 0
	case types.EventTypePowerLevels:
		return 1
	case types.EventTypeJoinRules:
		return 2
	case types.EventTypeMember:
		return 3
	}
	return 4
}

// authorizedAgainst checks a candidate against the resolved-so-far
// state, narrowing it to the slots the candidate's auth selection
// names.
func authorizedAgainst(e *types.Event, resolved types.StateMap, v types.RoomVersion, fetch EventFetcher) bool {
	var ids []string
	for _, slot := range authrules.AuthEventSelection(e) {
		if id, ok := resolved[slot]; ok {
			ids = append(ids, id)
		}
	}
	events, err := fetchAll(ids, fetch)
	if err != nil {
		return false
	}
	return authrules.Allowed(e, authrules.NewAuthState(events), v) == nil
}

func fetchAll(ids []string, fetch EventFetcher) ([]*types.Event, error) {
	out := make([]*types.Event, 0, len(ids))
	for _, id := range ids {
		ev, err := fetch.EventByID(id)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
