/*
Package canonicaljson implements the canonical JSON encoding used for
event hashing, signing and identifier derivation.

Canonical form is a deterministic byte encoding: object keys sorted
bytewise, no whitespace, integers only (floats and out-of-range values
are rejected), and the minimal string escape set with raw UTF-8 for
everything else. Two servers that canonicalise the same document must
produce identical bytes, so this package is treated as a wire format and
implemented once; nothing else in the codebase hand-rolls JSON encoding
for hashed material.
*/
package canonicaljson
