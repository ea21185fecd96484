/*
Package authrules decides whether an event is permitted by the room
state it cites.

Allowed is a pure function over (event, auth state, room version): the
same inputs always produce the same verdict, and nothing here touches
storage or the network. Denials carry an enumerated DenyReason so the
ingress pipeline can distinguish a malformed event from one that merely
lacks power.

The rules vary by room version through the capability table in
pkg/types: versions 1 through 5 special-case m.room.aliases, version
7 adds knocking, 8 and 10 restricted joins, 10 strict integer power
levels and 11 the implicit room creator.
*/
package authrules
