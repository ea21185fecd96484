/*
Package events is the in-process output stream: the ingress pipeline
publishes one OutputEvent per persisted event and downstream consumers
(the room view, federation senders, appservice pushers) subscribe.

Distribution is best-effort per subscriber. The durable record is the
store's append stream; a consumer that misses a notification reconciles
from its last stream cursor, so the system as a whole is at-least-once
and idempotent on stream ordering.
*/
package events
