package storage

import (
	"errors"

	"github.com/grapevinehq/grapevine/pkg/types"
)

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate means the event is already stored. Put is idempotent;
	// callers treat this as success for identical payloads.
	ErrDuplicate = errors.New("storage: duplicate event")
	// ErrSchemaVersion means the on-disk schema does not match this
	// binary. Run grapevine-migrate before starting the server.
	ErrSchemaVersion = errors.New("storage: schema version mismatch")
	// ErrIntegrity means an index disagrees with the primary record.
	// The room's writer must stop; the process exits non-zero.
	ErrIntegrity = errors.New("storage: integrity violation")
)

// Direction orders a room event traversal.
type Direction int

const (
	// Forward walks from the given depth upward.
	Forward Direction = iota
	// Backward walks from the given depth downward.
	Backward
)

// PutOptions control how an event is persisted.
type PutOptions struct {
	// SoftFailed marks the event as stored and publishable but excluded
	// from state queries.
	SoftFailed bool
	// Outlier stores only the primary record: no indexes, no stream
	// position, no extremity change.
	Outlier bool
	// State, when non-nil, is persisted as the state snapshot at this
	// event in the same transaction.
	State types.StateMap
}

// StreamEntry is one (ordering, event) pair from a room's append stream.
type StreamEntry struct {
	Ordering int64
	EventID  string
}

// PendingEvent is an event parked in durable storage while its
// ancestors are fetched. It survives restart.
type PendingEvent struct {
	RoomID   string   `cbor:"1,keyasint"`
	EventID  string   `cbor:"2,keyasint"`
	Origin   string   `cbor:"3,keyasint"`
	Raw      []byte   `cbor:"4,keyasint"`
	Awaiting []string `cbor:"5,keyasint"`
	Attempts int      `cbor:"6,keyasint"`
}

// Store is the durable event log and its indexes.
type Store interface {
	// Put persists an event atomically with its indexes, extremity
	// update and optional state snapshot, and returns its stream
	// ordering (0 for outliers). A second Put of the same event returns
	// ErrDuplicate.
	Put(ev *types.Event, opts PutOptions) (int64, error)

	// Get returns a stored event by ID.
	Get(eventID string) (*types.Event, error)
	// GetMany returns the stored subset of ids. Missing ids are simply
	// absent from the result.
	GetMany(ids []string) (map[string]*types.Event, error)
	// Has reports whether the event is stored (outliers included).
	Has(eventID string) (bool, error)
	// IsSoftFailed reports the soft-failure flag of a stored event.
	IsSoftFailed(eventID string) (bool, error)

	// RoomEvents iterates a room's events ordered by (depth, event_id).
	// The iterator is finite and non-restartable.
	RoomEvents(roomID string, fromDepth int64, limit int, dir Direction) (*EventIterator, error)
	// AppendStream returns up to limit stream entries after cursor.
	AppendStream(roomID string, cursor int64, limit int) ([]StreamEntry, error)
	// SenderEvents returns up to limit event IDs sent by sender, newest
	// first.
	SenderEvents(sender string, limit int) ([]string, error)

	// Extremities returns the room's current forward extremities.
	Extremities(roomID string) (map[string]struct{}, error)
	// Room returns the room record created when its create event was
	// stored.
	Room(roomID string) (*types.RoomInfo, error)
	// Rooms lists all known room IDs.
	Rooms() ([]string, error)

	// PutStateSnapshot stores the full state map at an event.
	PutStateSnapshot(eventID string, state types.StateMap) error
	// StateSnapshot returns the state map at an event, if snapshotted.
	StateSnapshot(eventID string) (types.StateMap, bool, error)

	// PutPending parks an event awaiting missing ancestors.
	PutPending(p *PendingEvent) error
	// TakePending removes and returns all parked events for a room.
	TakePending(roomID string) ([]*PendingEvent, error)
	// PendingRooms lists rooms with parked events, for restart resume.
	PendingRooms() ([]string, error)

	Close() error
}
