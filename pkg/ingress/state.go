package ingress

import (
	"context"
	"errors"

	"github.com/grapevinehq/grapevine/pkg/authrules"
	"github.com/grapevinehq/grapevine/pkg/stateres"
	"github.com/grapevinehq/grapevine/pkg/storage"
	"github.com/grapevinehq/grapevine/pkg/types"
)

// storeFetcher adapts the store to the resolver's fetcher: missing
// events resolve to nil rather than an error.
type storeFetcher struct {
	store storage.Store
}

func (f storeFetcher) EventByID(eventID string) (*types.Event, error) {
	ev, err := f.store.Get(eventID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return ev, err
}

// stateBefore resolves the room state at the event's position: the
// merge of the post-state snapshots of its prev events.
func (w *roomWorker) stateBefore(ctx context.Context, ev *types.Event) (types.StateMap, error) {
	prevs := ev.PrevEventIDs()
	if len(prevs) == 0 {
		return types.StateMap{}, nil
	}
	var forks []types.StateMap
	for _, id := range prevs {
		snap, ok, err := w.p.store.StateSnapshot(id)
		if err != nil {
			return nil, err
		}
		if ok {
			forks = append(forks, snap)
		}
	}
	if len(forks) == 0 {
		return types.StateMap{}, nil
	}
	return stateres.Resolve(ctx, ev.Version, forks,
		w.p.limits.MaxStateResEvents, storeFetcher{w.p.store})
}

// currentState resolves the room's state at its forward extremities.
func (w *roomWorker) currentState(ctx context.Context) (types.StateMap, error) {
	info, err := w.p.store.Room(w.roomID)
	if err != nil {
		return nil, err
	}
	exts, err := w.p.store.Extremities(w.roomID)
	if err != nil {
		return nil, err
	}
	var forks []types.StateMap
	for id := range exts {
		snap, ok, err := w.p.store.StateSnapshot(id)
		if err != nil {
			return nil, err
		}
		if ok {
			forks = append(forks, snap)
		}
	}
	return stateres.Resolve(ctx, info.Version, forks,
		w.p.limits.MaxStateResEvents, storeFetcher{w.p.store})
}

// allowedAgainstState authorizes ev against the given state map,
// narrowing it to the slots ev's auth selection names.
func (w *roomWorker) allowedAgainstState(ev *types.Event, state types.StateMap, v types.RoomVersion) error {
	var ids []string
	for _, slot := range authrules.AuthEventSelection(ev) {
		if id, ok := state[slot]; ok {
			ids = append(ids, id)
		}
	}
	got, err := w.p.store.GetMany(ids)
	if err != nil {
		return err
	}
	list := make([]*types.Event, 0, len(got))
	for _, e := range got {
		list = append(list, e)
	}
	return authrules.Allowed(ev, authrules.NewAuthState(list), v)
}
