/*
Package metrics provides Prometheus instrumentation and health checking
for Grapevine.

All collectors are package-level variables registered in init(), named
under the grapevine_ prefix: ingress outcomes and stage latencies,
state resolution counts and conflict sizes, store write results,
signing key cache hit rates and backfill results. Handler() exposes
them for scraping; HealthHandler and ReadyHandler serve liveness and
readiness over HTTP.

Label cardinality is kept bounded: outcomes, stages and algorithms are
enumerations, never room or event IDs.
*/
package metrics
