/*
Package event implements content hashing, reference hashing, identifier
derivation and redaction for room events.

Room versions 1 and 2 carry their identifier in the event body; later
versions derive it from the reference hash, so an event's identity is a
deterministic function of its canonical form. Redaction tables are
encoded per rule generation (1, 6, 8, 9, 11) because later versions
protect fewer top-level fields and more content fields; the generation
is selected through the room-version capability table, never globally.
*/
package event
