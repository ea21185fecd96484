/*
Package ingress admits events into room DAGs. All writes for a room go
through a single goroutine, so per-room processing needs no locking and
the store sees one writer per room.

A federated event passes through, in order: room version lookup, parse
and canonicalisation, duplicate check, content hash check (a mismatch
downgrades the event to its redacted form), signature verification
(transient key fetch failures retry with backoff, permanent failures
reject), ancestor resolution (missing prev and auth events are
backfilled within a depth budget, or the event is parked durably),
authorization against the event's declared auth events (a denial stores
the event as an outlier and rejects), and authorization against the
resolved state at the event's position (a denial here soft fails the
event: it is stored and streamed but contributes no state). Accepted
events are persisted with their post-state snapshot, the room's current
state is recomputed, and an output event is published.

Locally-authored events come in as templates. The pipeline fills in
prev_events from the forward extremities, depth, auth_events from the
current state, timestamp and identifier, hashes and signs the result,
then runs the same authorization. Local events never soft fail; a
denial is returned to the submitter.
*/
package ingress
