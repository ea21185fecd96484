/*
Package stateres merges the diverged state of a room's forks into one
deterministic map.

Two algorithms exist. The original (room version 1) resolves each
conflicted slot by depth with a SHA-1 tiebreak and re-authorizes the
winner. The second generation (version 2 onward) replays the conflicted
set and the forks' auth difference: power events first in reverse
topological power order, everything else along the mainline of the
resolved power_levels event, each candidate checked against the
accumulating state. Unconflicted entries always survive.

Resolution is a pure function of its inputs plus the events an injected
EventFetcher supplies; running it twice on the same forks yields
byte-identical state maps. Working sets are capped and exceeding the
cap returns ErrResolutionTooLarge rather than an unbounded walk.
*/
package stateres
