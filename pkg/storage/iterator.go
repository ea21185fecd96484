package storage

import "github.com/grapevinehq/grapevine/pkg/types"

// EventIterator walks a precomputed sequence of event IDs, loading each
// event on demand. It is finite and cannot be restarted.
type EventIterator struct {
	store *BoltStore
	ids   []string
	pos   int
}

// Next returns the next event, or (nil, nil) when exhausted.
func (it *EventIterator) Next() (*types.Event, error) {
	for it.pos < len(it.ids) {
		id := it.ids[it.pos]
		it.pos++
		ev, err := it.store.Get(id)
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
	return nil, nil
}

// Remaining returns how many events have not yet been yielded.
func (it *EventIterator) Remaining() int {
	return len(it.ids) - it.pos
}
