/*
Package storage is the durable event log backed by BoltDB.

Layout:

	events          event_id -> CBOR record (raw JSON + flags)
	rooms           room_id -> room version + create event
	room_events     room_id \x00 depth(8BE) \x00 event_id -> event_id
	sender_events   sender \x00 ts(8BE) \x00 event_id -> event_id
	extremities     room_id \x00 event_id (forward extremity set)
	stream          room_id \x00 seq(8BE) -> event_id (gap-free per room)
	stream_pos      room_id -> last seq
	state_snapshots event_id -> state map, zstd above 4 KiB
	pending         room_id \x00 event_id -> parked federation event
	meta            schema_version

A Put writes the primary record, all indexes, the extremity swap and
the optional state snapshot in a single transaction, so readers never
observe a partially indexed event. Put is idempotent; storing the same
event twice returns ErrDuplicate. Outliers get only the primary record.

The schema version is checked at open; grapevine-migrate applies
forward-only migrations.
*/
package storage
