package stateres

import (
	"context"
	"errors"
	"fmt"

	"github.com/grapevinehq/grapevine/pkg/metrics"
	"github.com/grapevinehq/grapevine/pkg/types"
)

// ErrResolutionTooLarge means the conflicted set plus auth difference
// exceeded the configured working-set cap.
var ErrResolutionTooLarge = errors.New("stateres: resolution working set too large")

// EventFetcher supplies events by ID from the store or the ingress
// working set. A missing event returns (nil, nil); resolution skips
// what it cannot see.
type EventFetcher interface {
	EventByID(eventID string) (*types.Event, error)
}

// FetcherFunc adapts a function to EventFetcher.
type FetcherFunc func(eventID string) (*types.Event, error)

func (f FetcherFunc) EventByID(eventID string) (*types.Event, error) {
	return f(eventID)
}

// Resolve merges the state maps of diverged forks under the resolution
// algorithm of the room version. The output is deterministic for a
// given input set.
func Resolve(ctx context.Context, v types.RoomVersion, forks []types.StateMap, limit int, fetch EventFetcher) (types.StateMap, error) {
	caps, err := types.Version(v)
	if err != nil {
		return nil, fmt.Errorf("stateres: %w", err)
	}
	switch len(forks) {
	case 0:
		return types.StateMap{}, nil
	case 1:
		return forks[0].Clone(), nil
	}

	timer := metrics.NewTimer()
	if caps.StateRes == types.StateResV1 {
		defer func() {
			metrics.StateResolutionsTotal.WithLabelValues("v1").Inc()
			timer.ObserveDurationVec(metrics.StateResolutionDuration, "v1")
		}()
		return ResolveV1(forks, v, fetch)
	}
	defer func() {
		metrics.StateResolutionsTotal.WithLabelValues("v2").Inc()
		timer.ObserveDurationVec(metrics.StateResolutionDuration, "v2")
	}()
	return ResolveV2(ctx, forks, v, limit, fetch)
}

// partition splits the forks into the entries every fork agrees on and
// the per-key candidate sets that differ. A key absent from some forks
// counts as conflicted.
func partition(forks []types.StateMap) (unconflicted types.StateMap, conflicted map[types.StateKey][]string) {
	unconflicted = types.StateMap{}
	conflicted = map[types.StateKey][]string{}

	keys := map[types.StateKey]struct{}{}
	for _, fork := range forks {
		for key := range fork {
			keys[key] = struct{}{}
		}
	}
	for key := range keys {
		values := make([]string, 0, len(forks))
		seen := map[string]struct{}{}
		missing := false
		for _, fork := range forks {
			id, ok := fork[key]
			if !ok {
				missing = true
				continue
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				values = append(values, id)
			}
		}
		if !missing && len(values) == 1 {
			unconflicted[key] = values[0]
		} else {
			conflicted[key] = values
		}
	}
	return unconflicted, conflicted
}
