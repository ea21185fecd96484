/*
Package roomview is the read side: hot current state per room, lazy
stream-ordered timelines, and per-user membership projections feeding
sync-style subscriptions.

The view is rebuilt from store snapshots on restart (Warm). Current
state is swapped in by the ingress pipeline through SetState; membership
projections are kept fresh by consuming the output stream. Soft-failed
events show up in
timelines but never in state queries.
*/
package roomview
