/*
Package types defines the core data structures shared across Grapevine's
room engine: events, state maps, and the room-version capability table.

Events are content-addressed, immutable once admitted, and referenced
everywhere by identifier rather than by pointer; the DAG is never
materialised as an in-memory graph. The capability table maps a room
version tag to the concrete rule set (event format, state resolution
algorithm, redaction generation, auth-rule toggles) so that version
dispatch is a table lookup at ingress time rather than a type hierarchy.
*/
package types
