/*
Package log provides structured logging for Grapevine using zerolog.

A single root logger is initialised once from configuration. Subsystems
derive children: WithComponent for long-lived loops, WithRoomID for a
room's ingress writer, WithEvent for per-event pipeline verdicts
(carrying room, event id, type and room version). Console output is for
interactive use; JSON output is for production collection.
*/
package log
