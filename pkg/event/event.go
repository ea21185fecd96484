package event

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/grapevinehq/grapevine/pkg/canonicaljson"
	"github.com/grapevinehq/grapevine/pkg/types"
)

var (
	// ErrMalformed marks events that fail canonical-JSON or schema
	// checks. Permanent; callers drop the event.
	ErrMalformed = errors.New("event: malformed")
	// ErrTooLarge marks events exceeding the configured size cap.
	ErrTooLarge = errors.New("event: exceeds maximum size")
)

// MaxDepth is the largest admissible depth value.
const MaxDepth = canonicaljson.MaxInt

// Parse canonicalises raw, validates its shape, and returns the parsed
// event with its derived identifier. The returned event's Raw field
// holds the canonical bytes; those are what get stored and hashed.
func Parse(raw []byte, version types.RoomVersion, maxBytes int) (*types.Event, error) {
	if maxBytes > 0 && len(raw) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}
	caps, err := types.Version(version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	canon, err := canonicaljson.CanonicalizeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var ev types.Event
	if err := json.Unmarshal(canon, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ev.Raw = canon
	ev.Version = version
	if err := validateShape(&ev); err != nil {
		return nil, err
	}
	id, err := ID(canon, caps)
	if err != nil {
		if caps.EventFormat == types.EventIDSender && ev.EventID != "" {
			id = ev.EventID
		} else {
			return nil, err
		}
	}
	ev.EventID = id
	return &ev, nil
}

func validateShape(ev *types.Event) error {
	switch {
	case ev.RoomID == "" || !strings.HasPrefix(ev.RoomID, "!"):
		return fmt.Errorf("%w: bad room_id %q", ErrMalformed, ev.RoomID)
	case ev.Sender == "" || !strings.HasPrefix(ev.Sender, "@"):
		return fmt.Errorf("%w: bad sender %q", ErrMalformed, ev.Sender)
	case ev.Type == "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	case ev.Depth < 0 || ev.Depth > MaxDepth:
		return fmt.Errorf("%w: depth %d out of range", ErrMalformed, ev.Depth)
	case len(ev.Content) == 0:
		return fmt.Errorf("%w: missing content", ErrMalformed)
	}
	if types.ServerName(ev.Sender) == "" {
		return fmt.Errorf("%w: sender %q has no server part", ErrMalformed, ev.Sender)
	}
	if ev.Type == types.EventTypeCreate && len(ev.PrevEvents) != 0 {
		return fmt.Errorf("%w: create event has prev_events", ErrMalformed)
	}
	return nil
}

// ContentHash computes the SHA-256 content hash: the canonical form of
// the event with unsigned, signatures and hashes removed.
func ContentHash(raw []byte) ([sha256.Size]byte, error) {
	stripped, err := stripKeys(raw, "unsigned", "signatures", "hashes")
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	canon, err := canonicaljson.Canonicalize(stripped)
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return sha256.Sum256(canon), nil
}

// ReferenceHash computes the SHA-256 reference hash: the event redacted
// per its room version, with signatures and unsigned removed, in
// canonical form. Event identifiers for v3+ rooms derive from it.
func ReferenceHash(raw []byte, caps types.Capabilities) ([sha256.Size]byte, error) {
	redacted, err := Redact(raw, caps)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	stripped, err := stripKeys(redacted, "signatures", "unsigned")
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	// age_ts predates the unsigned envelope and is likewise excluded.
	stripped, err = stripKeys(stripped, "age_ts")
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	canon, err := canonicaljson.Canonicalize(stripped)
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return sha256.Sum256(canon), nil
}

// ID derives the event identifier for the given room version.
func ID(raw []byte, caps types.Capabilities) (string, error) {
	switch caps.EventFormat {
	case types.EventIDSender:
		var e struct {
			EventID string `json:"event_id"`
		}
		if err := json.Unmarshal(raw, &e); err != nil || e.EventID == "" {
			return "", fmt.Errorf("%w: missing event_id", ErrMalformed)
		}
		return e.EventID, nil
	case types.EventIDSHA256B64:
		h, err := ReferenceHash(raw, caps)
		if err != nil {
			return "", err
		}
		return "$" + base64.RawStdEncoding.EncodeToString(h[:]), nil
	case types.EventIDSHA256B64URL:
		h, err := ReferenceHash(raw, caps)
		if err != nil {
			return "", err
		}
		return "$" + base64.RawURLEncoding.EncodeToString(h[:]), nil
	}
	return "", fmt.Errorf("%w: unknown event id format %d", ErrMalformed, caps.EventFormat)
}

// VerifyContentHash checks that the hashes.sha256 field of the event
// matches its computed content hash.
func VerifyContentHash(raw []byte) error {
	var e struct {
		Hashes map[string]string `json:"hashes"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	declared, ok := e.Hashes["sha256"]
	if !ok {
		return fmt.Errorf("%w: no sha256 content hash", ErrMalformed)
	}
	want, err := base64.RawStdEncoding.DecodeString(declared)
	if err != nil {
		return fmt.Errorf("%w: undecodable content hash: %v", ErrMalformed, err)
	}
	got, err := ContentHash(raw)
	if err != nil {
		return err
	}
	if string(want) != string(got[:]) {
		return fmt.Errorf("%w: content hash mismatch", ErrMalformed)
	}
	return nil
}

// AddContentHash returns the event with its hashes.sha256 field set.
// Used when building locally-authored events.
func AddContentHash(raw []byte) ([]byte, error) {
	h, err := ContentHash(raw)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	hashes, err := json.Marshal(map[string]string{
		"sha256": base64.RawStdEncoding.EncodeToString(h[:]),
	})
	if err != nil {
		return nil, err
	}
	doc["hashes"] = hashes
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return canonicaljson.Canonicalize(out)
}

func stripKeys(raw []byte, keys ...string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, k := range keys {
		delete(doc, k)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return out, nil
}
