/*
Package signing verifies event content hashes and federation
signatures, and signs locally-authored events.

Verification separates permanent failures (bad signature, hash
mismatch, key not valid at the event's timestamp) from transient ones
(key not yet obtainable); IsTransient classifies them so the ingress
pipeline can retry the latter with backoff.

Remote keys are cached in a KeyCache fed by an injected KeyFetcher.
Expired keys are retained indefinitely so historical events keep
verifying; only live keys count against the cache size bound. A
background Refresher re-fetches keys nearing their validity horizon.
*/
package signing
