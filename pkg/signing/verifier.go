package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/grapevinehq/grapevine/pkg/canonicaljson"
	"github.com/grapevinehq/grapevine/pkg/event"
	"github.com/grapevinehq/grapevine/pkg/types"
)

// Verifier checks event content hashes and federation signatures using
// a key cache backed by an injected fetcher.
type Verifier struct {
	Keys *KeyCache
}

// NewVerifier builds a verifier over the given key cache.
func NewVerifier(keys *KeyCache) *Verifier {
	return &Verifier{Keys: keys}
}

// VerifyContentHash checks hashes.sha256 against the computed content
// hash. A mismatch is permanent; per the federation rules the caller
// may continue with the redacted form of the event instead of dropping
// it outright.
func (v *Verifier) VerifyContentHash(raw []byte) error {
	if err := event.VerifyContentHash(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrHashMismatch, err)
	}
	return nil
}

// VerifyEvent checks that every required signing server has produced at
// least one valid signature over the event, by a key that was valid at
// the event's origin_server_ts when the room version enforces validity
// windows.
func (v *Verifier) VerifyEvent(ctx context.Context, raw []byte, caps types.Capabilities) error {
	var ev struct {
		Sender         string                       `json:"sender"`
		EventID        string                       `json:"event_id"`
		Type           string                       `json:"type"`
		OriginServerTS int64                        `json:"origin_server_ts"`
		Signatures     map[string]map[string]string `json:"signatures"`
		Content        struct {
			AuthorisedVia string `json:"join_authorised_via_users_server"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	required := map[string]struct{}{}
	if origin := types.ServerName(ev.Sender); origin != "" {
		required[origin] = struct{}{}
	}
	if caps.EventFormat == types.EventIDSender {
		if origin := types.ServerName(strings.TrimPrefix(ev.EventID, "$")); origin != "" {
			required[origin] = struct{}{}
		}
	}
	if caps.RestrictedJoinsAllowed && ev.Type == types.EventTypeMember && ev.Content.AuthorisedVia != "" {
		if origin := types.ServerName(ev.Content.AuthorisedVia); origin != "" {
			required[origin] = struct{}{}
		}
	}
	if len(required) == 0 {
		return fmt.Errorf("%w: no signing servers derivable", ErrBadSignature)
	}

	signed, err := signableBytes(raw, caps)
	if err != nil {
		return err
	}

	for server := range required {
		if err := v.verifyServer(ctx, signed, server, ev.Signatures[server], ev.OriginServerTS, caps.EnforceKeyValidity); err != nil {
			return fmt.Errorf("server %s: %w", server, err)
		}
	}
	return nil
}

func (v *Verifier) verifyServer(ctx context.Context, signed []byte, server string, sigs map[string]string, ts int64, enforce bool) error {
	if len(sigs) == 0 {
		return ErrBadSignature
	}
	var lastErr error
	for keyID, sigB64 := range sigs {
		if !strings.HasPrefix(keyID, "ed25519:") {
			continue
		}
		sig, err := base64.RawStdEncoding.DecodeString(sigB64)
		if err != nil {
			lastErr = fmt.Errorf("%w: undecodable signature %s", ErrBadSignature, keyID)
			continue
		}
		key, err := v.Keys.Get(ctx, server, keyID)
		if err != nil {
			lastErr = err
			continue
		}
		if !key.ValidAt(ts, enforce) {
			lastErr = ErrKeyExpired
			continue
		}
		if ed25519.Verify(key.Key, signed, sig) {
			return nil
		}
		lastErr = ErrBadSignature
	}
	if lastErr == nil {
		lastErr = ErrBadSignature
	}
	return lastErr
}

// signableBytes produces the bytes a federation signature covers: the
// redacted event with signatures and unsigned removed, canonicalised.
func signableBytes(raw []byte, caps types.Capabilities) ([]byte, error) {
	redacted, err := event.Redact(raw, caps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(redacted, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	delete(doc, "signatures")
	delete(doc, "unsigned")
	enc, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return canonicaljson.Canonicalize(enc)
}
