package signing

import (
	"bufio"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/grapevinehq/grapevine/pkg/canonicaljson"
	"github.com/grapevinehq/grapevine/pkg/event"
	"github.com/grapevinehq/grapevine/pkg/types"
)

// LocalKey is this server's ed25519 signing key.
type LocalKey struct {
	ServerName string
	KeyID      string
	Private    ed25519.PrivateKey
}

// LoadLocalKey reads a signing key file of the form
// "ed25519 <key_id> <unpadded base64 seed>". Missing or unreadable keys
// abort startup with exit code 3 at the call site.
func LoadLocalKey(path, serverName string) (*LocalKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open signing key: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 || fields[0] != "ed25519" {
			return nil, fmt.Errorf("unrecognised signing key line in %s", path)
		}
		seed, err := base64.RawStdEncoding.DecodeString(fields[2])
		if err != nil {
			return nil, fmt.Errorf("decode signing key seed: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
		}
		return &LocalKey{
			ServerName: serverName,
			KeyID:      "ed25519:" + fields[1],
			Private:    ed25519.NewKeyFromSeed(seed),
		}, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	return nil, fmt.Errorf("no signing key found in %s", path)
}

// GenerateLocalKey creates a fresh signing key and writes it to path.
func GenerateLocalKey(path, serverName, keyID string) (*LocalKey, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	line := fmt.Sprintf("ed25519 %s %s\n", keyID,
		base64.RawStdEncoding.EncodeToString(priv.Seed()))
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}
	return &LocalKey{
		ServerName: serverName,
		KeyID:      "ed25519:" + keyID,
		Private:    priv,
	}, nil
}

// Public returns the public half of the key.
func (k *LocalKey) Public() ed25519.PublicKey {
	return k.Private.Public().(ed25519.PublicKey)
}

// SignEvent signs a room event: the signature covers the redacted form
// of the event, so redacting it later does not invalidate the
// signature. The returned document is the full event with this
// server's signature merged in.
func (k *LocalKey) SignEvent(raw []byte, caps types.Capabilities) ([]byte, error) {
	redacted, err := event.Redact(raw, caps)
	if err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	var signable map[string]json.RawMessage
	if err := json.Unmarshal(redacted, &signable); err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	delete(signable, "signatures")
	delete(signable, "unsigned")
	stripped, err := json.Marshal(signable)
	if err != nil {
		return nil, err
	}
	canon, err := canonicaljson.Canonicalize(stripped)
	if err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	sig := ed25519.Sign(k.Private, canon)

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	var sigs map[string]map[string]string
	if existing, ok := doc["signatures"]; ok {
		if err := json.Unmarshal(existing, &sigs); err != nil {
			return nil, fmt.Errorf("sign event: existing signatures: %w", err)
		}
	}
	if sigs == nil {
		sigs = map[string]map[string]string{}
	}
	if sigs[k.ServerName] == nil {
		sigs[k.ServerName] = map[string]string{}
	}
	sigs[k.ServerName][k.KeyID] = base64.RawStdEncoding.EncodeToString(sig)
	sigRaw, err := json.Marshal(sigs)
	if err != nil {
		return nil, err
	}
	doc["signatures"] = sigRaw
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return canonicaljson.Canonicalize(out)
}

// SignJSON signs the canonical form of raw (with any existing
// signatures and unsigned removed) and returns the document with this
// server's signature merged into the signatures block.
func (k *LocalKey) SignJSON(raw []byte) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	var sigs map[string]map[string]string
	if existing, ok := doc["signatures"]; ok {
		if err := json.Unmarshal(existing, &sigs); err != nil {
			return nil, fmt.Errorf("sign: existing signatures: %w", err)
		}
	}
	if sigs == nil {
		sigs = map[string]map[string]string{}
	}
	unsigned, hadUnsigned := doc["unsigned"]
	delete(doc, "signatures")
	delete(doc, "unsigned")

	stripped, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	canon, err := canonicaljson.Canonicalize(stripped)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig := ed25519.Sign(k.Private, canon)
	if sigs[k.ServerName] == nil {
		sigs[k.ServerName] = map[string]string{}
	}
	sigs[k.ServerName][k.KeyID] = base64.RawStdEncoding.EncodeToString(sig)

	sigRaw, err := json.Marshal(sigs)
	if err != nil {
		return nil, err
	}
	doc["signatures"] = sigRaw
	if hadUnsigned {
		doc["unsigned"] = unsigned
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return canonicaljson.Canonicalize(out)
}
