package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/grapevinehq/grapevine/pkg/metrics"
	"github.com/grapevinehq/grapevine/pkg/types"
)

var (
	// Bucket names
	bucketEvents       = []byte("events")
	bucketRooms        = []byte("rooms")
	bucketRoomEvents   = []byte("room_events")
	bucketSenderEvents = []byte("sender_events")
	bucketExtremities  = []byte("extremities")
	bucketStream       = []byte("stream")
	bucketStreamPos    = []byte("stream_pos")
	bucketSnapshots    = []byte("state_snapshots")
	bucketPending      = []byte("pending")
	bucketMeta         = []byte("meta")
)

var keySchemaVersion = []byte("schema_version")

// SchemaVersion is the on-disk format this binary reads and writes.
const SchemaVersion uint64 = 1

const keySep = 0x00

// snapshotCompressThreshold is the encoded size above which state
// snapshots are stored zstd-compressed.
const snapshotCompressThreshold = 4096

// eventRecord is the primary stored form of an event.
type eventRecord struct {
	EventID        string `cbor:"1,keyasint"`
	RoomID         string `cbor:"2,keyasint"`
	Sender         string `cbor:"3,keyasint"`
	Depth          int64  `cbor:"4,keyasint"`
	OriginServerTS int64  `cbor:"5,keyasint"`
	Version        string `cbor:"6,keyasint"`
	Raw            []byte `cbor:"7,keyasint"`
	SoftFailed     bool   `cbor:"8,keyasint,omitempty"`
	Outlier        bool   `cbor:"9,keyasint,omitempty"`
}

// roomRecord is the per-room metadata written when the create event is
// stored.
type roomRecord struct {
	Version       string `cbor:"1,keyasint"`
	CreateEventID string `cbor:"2,keyasint"`
}

type stateEntry struct {
	Type     string `cbor:"1,keyasint"`
	StateKey string `cbor:"2,keyasint"`
	EventID  string `cbor:"3,keyasint"`
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db      *bolt.DB
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
	highSeq atomic.Int64
}

// NewBoltStore opens (or creates) the event database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEvents,
			bucketRooms,
			bucketRoomEvents,
			bucketSenderEvents,
			bucketExtremities,
			bucketStream,
			bucketStreamPos,
			bucketSnapshots,
			bucketPending,
			bucketMeta,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keySchemaVersion); v == nil {
			return meta.Put(keySchemaVersion, be64(SchemaVersion))
		} else if binary.BigEndian.Uint64(v) != SchemaVersion {
			return fmt.Errorf("%w: on disk %d, binary %d",
				ErrSchemaVersion, binary.BigEndian.Uint64(v), SchemaVersion)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{db: db, zenc: zenc, zdec: zdec}
	s.initGauges()
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	s.zenc.Close()
	s.zdec.Close()
	return s.db.Close()
}

func (s *BoltStore) initGauges() {
	_ = s.db.View(func(tx *bolt.Tx) error {
		metrics.RoomsTotal.Set(float64(tx.Bucket(bucketRooms).Stats().KeyN))
		var high int64
		err := tx.Bucket(bucketStreamPos).ForEach(func(_, v []byte) error {
			if seq := int64(binary.BigEndian.Uint64(v)); seq > high {
				high = seq
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.highSeq.Store(high)
		metrics.StreamPosition.Set(float64(high))
		return nil
	})
}

// Put persists an event with its indexes, extremity update and optional
// state snapshot in one transaction.
func (s *BoltStore) Put(ev *types.Event, opts PutOptions) (int64, error) {
	rec := eventRecord{
		EventID:        ev.EventID,
		RoomID:         ev.RoomID,
		Sender:         ev.Sender,
		Depth:          ev.Depth,
		OriginServerTS: ev.OriginServerTS,
		Version:        string(ev.Version),
		Raw:            ev.Raw,
		SoftFailed:     opts.SoftFailed,
		Outlier:        opts.Outlier,
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		metrics.StorePutsTotal.WithLabelValues("error").Inc()
		return 0, err
	}

	var seq int64
	err = s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		if existing := events.Get([]byte(ev.EventID)); existing != nil {
			// An outlier being re-stored through the normal path gets
			// upgraded; anything else is a duplicate.
			var old eventRecord
			if err := cbor.Unmarshal(existing, &old); err != nil {
				return fmt.Errorf("%w: event %s: %v", ErrIntegrity, ev.EventID, err)
			}
			if !(old.Outlier && !opts.Outlier) {
				return ErrDuplicate
			}
		}
		if err := events.Put([]byte(ev.EventID), data); err != nil {
			return err
		}
		if opts.Outlier {
			return nil
		}

		rooms := tx.Bucket(bucketRooms)
		if ev.Type == types.EventTypeCreate && ev.IsState() {
			if rooms.Get([]byte(ev.RoomID)) == nil {
				rr, err := cbor.Marshal(roomRecord{
					Version:       string(ev.Version),
					CreateEventID: ev.EventID,
				})
				if err != nil {
					return err
				}
				if err := rooms.Put([]byte(ev.RoomID), rr); err != nil {
					return err
				}
				metrics.RoomsTotal.Inc()
			}
		} else if rooms.Get([]byte(ev.RoomID)) == nil {
			return fmt.Errorf("%w: event %s for unknown room %s",
				ErrIntegrity, ev.EventID, ev.RoomID)
		}

		if err := tx.Bucket(bucketRoomEvents).Put(
			roomDepthKey(ev.RoomID, ev.Depth, ev.EventID), []byte(ev.EventID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSenderEvents).Put(
			senderKey(ev.Sender, ev.OriginServerTS, ev.EventID), []byte(ev.EventID)); err != nil {
			return err
		}

		ext := tx.Bucket(bucketExtremities)
		for _, prev := range ev.PrevEventIDs() {
			if err := ext.Delete(pairKey(ev.RoomID, prev)); err != nil {
				return err
			}
		}
		if err := ext.Put(pairKey(ev.RoomID, ev.EventID), nil); err != nil {
			return err
		}

		pos := tx.Bucket(bucketStreamPos)
		seq = 1
		if v := pos.Get([]byte(ev.RoomID)); v != nil {
			seq = int64(binary.BigEndian.Uint64(v)) + 1
		}
		if err := pos.Put([]byte(ev.RoomID), be64(uint64(seq))); err != nil {
			return err
		}
		if err := tx.Bucket(bucketStream).Put(
			streamKey(ev.RoomID, seq), []byte(ev.EventID)); err != nil {
			return err
		}

		if opts.State != nil {
			blob, err := s.encodeSnapshot(opts.State)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketSnapshots).Put([]byte(ev.EventID), blob); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if err == ErrDuplicate {
			metrics.StorePutsTotal.WithLabelValues("duplicate").Inc()
		} else {
			metrics.StorePutsTotal.WithLabelValues("error").Inc()
		}
		return 0, err
	}

	metrics.StorePutsTotal.WithLabelValues("ok").Inc()
	for {
		high := s.highSeq.Load()
		if seq <= high {
			break
		}
		if s.highSeq.CompareAndSwap(high, seq) {
			metrics.StreamPosition.Set(float64(seq))
			break
		}
	}
	return seq, nil
}

// Get returns a stored event by ID.
func (s *BoltStore) Get(eventID string) (*types.Event, error) {
	var ev *types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get([]byte(eventID))
		if data == nil {
			return fmt.Errorf("%w: event %s", ErrNotFound, eventID)
		}
		var err error
		ev, err = decodeEvent(data)
		return err
	})
	return ev, err
}

// GetMany returns the stored subset of ids.
func (s *BoltStore) GetMany(ids []string) (map[string]*types.Event, error) {
	out := make(map[string]*types.Event, len(ids))
	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		for _, id := range ids {
			data := events.Get([]byte(id))
			if data == nil {
				continue
			}
			ev, err := decodeEvent(data)
			if err != nil {
				return err
			}
			out[id] = ev
		}
		return nil
	})
	return out, err
}

// Has reports whether the event is stored.
func (s *BoltStore) Has(eventID string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketEvents).Get([]byte(eventID)) != nil
		return nil
	})
	return ok, err
}

// IsSoftFailed reports the soft-failure flag of a stored event.
func (s *BoltStore) IsSoftFailed(eventID string) (bool, error) {
	var soft bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get([]byte(eventID))
		if data == nil {
			return fmt.Errorf("%w: event %s", ErrNotFound, eventID)
		}
		var rec eventRecord
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("%w: event %s: %v", ErrIntegrity, eventID, err)
		}
		soft = rec.SoftFailed
		return nil
	})
	return soft, err
}

// RoomEvents iterates a room's events ordered by (depth, event_id).
func (s *BoltStore) RoomEvents(roomID string, fromDepth int64, limit int, dir Direction) (*EventIterator, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRoomEvents).Cursor()
		prefix := append([]byte(roomID), keySep)

		if dir == Forward {
			start := roomDepthPrefix(roomID, fromDepth)
			for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				ids = append(ids, string(v))
				if limit > 0 && len(ids) >= limit {
					return nil
				}
			}
			return nil
		}

		// Backward: position past the end of fromDepth's keys, then walk
		// down.
		end := roomDepthPrefix(roomID, fromDepth+1)
		k, v := c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			ids = append(ids, string(v))
			if limit > 0 && len(ids) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &EventIterator{store: s, ids: ids}, nil
}

// AppendStream returns up to limit stream entries after cursor.
func (s *BoltStore) AppendStream(roomID string, cursor int64, limit int) ([]StreamEntry, error) {
	var out []StreamEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStream).Cursor()
		prefix := append([]byte(roomID), keySep)
		for k, v := c.Seek(streamKey(roomID, cursor+1)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			seq := int64(binary.BigEndian.Uint64(k[len(prefix):]))
			out = append(out, StreamEntry{Ordering: seq, EventID: string(v)})
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// SenderEvents returns up to limit event IDs sent by sender, newest
// first.
func (s *BoltStore) SenderEvents(sender string, limit int) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSenderEvents).Cursor()
		prefix := append([]byte(sender), keySep)
		// Seek past the sender's last key, then walk backwards.
		past := append([]byte(sender), keySep+1)
		k, v := c.Seek(past)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			out = append(out, string(v))
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// Extremities returns the room's current forward extremities.
func (s *BoltStore) Extremities(roomID string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketExtremities).Cursor()
		prefix := append([]byte(roomID), keySep)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			out[string(k[len(prefix):])] = struct{}{}
		}
		return nil
	})
	return out, err
}

// Room returns the room record.
func (s *BoltStore) Room(roomID string) (*types.RoomInfo, error) {
	var info types.RoomInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRooms).Get([]byte(roomID))
		if data == nil {
			return fmt.Errorf("%w: room %s", ErrNotFound, roomID)
		}
		var rec roomRecord
		if err := cbor.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("%w: room %s: %v", ErrIntegrity, roomID, err)
		}
		info = types.RoomInfo{
			RoomID:        roomID,
			Version:       types.RoomVersion(rec.Version),
			CreateEventID: rec.CreateEventID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Rooms lists all known room IDs.
func (s *BoltStore) Rooms() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// PutStateSnapshot stores the full state map at an event.
func (s *BoltStore) PutStateSnapshot(eventID string, state types.StateMap) error {
	blob, err := s.encodeSnapshot(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(eventID), blob)
	})
}

// StateSnapshot returns the state map at an event, if snapshotted.
func (s *BoltStore) StateSnapshot(eventID string) (types.StateMap, bool, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketSnapshots).Get([]byte(eventID)); data != nil {
			blob = append([]byte(nil), data...)
		}
		return nil
	})
	if err != nil || blob == nil {
		return nil, false, err
	}
	state, err := s.decodeSnapshot(blob)
	if err != nil {
		return nil, false, fmt.Errorf("%w: snapshot %s: %v", ErrIntegrity, eventID, err)
	}
	return state, true, nil
}

// PutPending parks an event awaiting missing ancestors.
func (s *BoltStore) PutPending(p *PendingEvent) error {
	data, err := cbor.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put(pairKey(p.RoomID, p.EventID), data)
	})
}

// TakePending removes and returns all parked events for a room.
func (s *BoltStore) TakePending(roomID string) ([]*PendingEvent, error) {
	var out []*PendingEvent
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		c := b.Cursor()
		prefix := append([]byte(roomID), keySep)
		var keys [][]byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p PendingEvent
			if err := cbor.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("%w: pending %s: %v", ErrIntegrity, k, err)
			}
			out = append(out, &p)
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// PendingRooms lists rooms with parked events.
func (s *BoltStore) PendingRooms() ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, _ []byte) error {
			if i := bytes.IndexByte(k, keySep); i > 0 {
				room := string(k[:i])
				if _, ok := seen[room]; !ok {
					seen[room] = struct{}{}
					out = append(out, room)
				}
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) encodeSnapshot(state types.StateMap) ([]byte, error) {
	entries := make([]stateEntry, 0, len(state))
	for key, id := range state {
		entries = append(entries, stateEntry{Type: key.Type, StateKey: key.StateKey, EventID: id})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].StateKey < entries[j].StateKey
	})
	data, err := cbor.Marshal(entries)
	if err != nil {
		return nil, err
	}
	if len(data) > snapshotCompressThreshold {
		return append([]byte{'z'}, s.zenc.EncodeAll(data, nil)...), nil
	}
	return append([]byte{0}, data...), nil
}

func (s *BoltStore) decodeSnapshot(blob []byte) (types.StateMap, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty snapshot")
	}
	data := blob[1:]
	if blob[0] == 'z' {
		var err error
		data, err = s.zdec.DecodeAll(data, nil)
		if err != nil {
			return nil, err
		}
	}
	var entries []stateEntry
	if err := cbor.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	state := make(types.StateMap, len(entries))
	for _, e := range entries {
		state[types.StateKey{Type: e.Type, StateKey: e.StateKey}] = e.EventID
	}
	return state, nil
}

func decodeEvent(data []byte) (*types.Event, error) {
	var rec eventRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	var ev types.Event
	if err := json.Unmarshal(rec.Raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: event %s: %v", ErrIntegrity, rec.EventID, err)
	}
	ev.EventID = rec.EventID
	ev.Raw = rec.Raw
	ev.Version = types.RoomVersion(rec.Version)
	return &ev, nil
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func roomDepthPrefix(roomID string, depth int64) []byte {
	k := make([]byte, 0, len(roomID)+9)
	k = append(k, roomID...)
	k = append(k, keySep)
	k = append(k, be64(uint64(depth))...)
	return k
}

func roomDepthKey(roomID string, depth int64, eventID string) []byte {
	k := roomDepthPrefix(roomID, depth)
	k = append(k, keySep)
	k = append(k, eventID...)
	return k
}

func senderKey(sender string, ts int64, eventID string) []byte {
	k := make([]byte, 0, len(sender)+10+len(eventID))
	k = append(k, sender...)
	k = append(k, keySep)
	k = append(k, be64(uint64(ts))...)
	k = append(k, keySep)
	k = append(k, eventID...)
	return k
}

func pairKey(roomID, eventID string) []byte {
	k := make([]byte, 0, len(roomID)+1+len(eventID))
	k = append(k, roomID...)
	k = append(k, keySep)
	k = append(k, eventID...)
	return k
}

func streamKey(roomID string, seq int64) []byte {
	k := make([]byte, 0, len(roomID)+9)
	k = append(k, roomID...)
	k = append(k, keySep)
	k = append(k, be64(uint64(seq))...)
	return k
}
