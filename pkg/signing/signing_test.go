package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grapevinehq/grapevine/pkg/event"
	"github.com/grapevinehq/grapevine/pkg/types"
)

func newTestKey(t *testing.T, serverName string) *LocalKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &LocalKey{
		ServerName: serverName,
		KeyID:      "ed25519:test",
		Private:    priv,
	}
}

type staticFetcher struct {
	keys  map[string]VerifyKey
	calls int
}

func (f *staticFetcher) FetchKey(ctx context.Context, serverName, keyID string) (VerifyKey, error) {
	f.calls++
	k, ok := f.keys[serverName+"|"+keyID]
	if !ok {
		return VerifyKey{}, errors.New("no such key")
	}
	return k, nil
}

func fetcherFor(keys ...*LocalKey) *staticFetcher {
	f := &staticFetcher{keys: map[string]VerifyKey{}}
	for _, k := range keys {
		f.keys[k.ServerName+"|"+k.KeyID] = VerifyKey{Key: k.Public()}
	}
	return f
}

func signedEvent(t *testing.T, key *LocalKey) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"room_id":          "!room:" + key.ServerName,
		"sender":           "@alice:" + key.ServerName,
		"type":             "m.room.message",
		"content":          map[string]any{"body": "hi"},
		"prev_events":      []string{"$prev"},
		"auth_events":      []string{"$auth"},
		"depth":            3,
		"origin_server_ts": 1700000000000,
	})
	if err != nil {
		t.Fatal(err)
	}
	hashed, err := event.AddContentHash(raw)
	if err != nil {
		t.Fatal(err)
	}
	caps, err := types.Version(types.RoomVersionV10)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := key.SignEvent(hashed, caps)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestSignEventVerifies(t *testing.T) {
	key := newTestKey(t, "example.org")
	raw := signedEvent(t, key)
	caps, _ := types.Version(types.RoomVersionV10)

	v := NewVerifier(NewKeyCache(fetcherFor(key), 0))
	if err := v.VerifyEvent(context.Background(), raw, caps); err != nil {
		t.Errorf("VerifyEvent() error = %v", err)
	}
	if err := v.VerifyContentHash(raw); err != nil {
		t.Errorf("VerifyContentHash() error = %v", err)
	}
}

func TestSignatureCoversRedactedForm(t *testing.T) {
	key := newTestKey(t, "example.org")
	raw := signedEvent(t, key)
	caps, _ := types.Version(types.RoomVersionV10)
	v := NewVerifier(NewKeyCache(fetcherFor(key), 0))

	// Content of a message event is outside the redacted form: editing
	// it breaks the content hash but not the signature.
	tampredContent := strings.Replace(string(raw), `"hi"`, `"bye"`, 1)
	if err := v.VerifyEvent(context.Background(), []byte(tampredContent), caps); err != nil {
		t.Errorf("signature should survive content edits: %v", err)
	}
	if err := v.VerifyContentHash([]byte(tampredContent)); err == nil {
		t.Error("content hash should catch content edits")
	}

	// Depth is protected: editing it breaks the signature.
	tamperedDepth := strings.Replace(string(raw), `"depth":3`, `"depth":4`, 1)
	err := v.VerifyEvent(context.Background(), []byte(tamperedDepth), caps)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("VerifyEvent() error = %v, want ErrBadSignature", err)
	}
	if IsTransient(err) {
		t.Error("bad signature classified transient")
	}
}

func TestVerifyEventUnknownKeyIsTransient(t *testing.T) {
	key := newTestKey(t, "example.org")
	raw := signedEvent(t, key)
	caps, _ := types.Version(types.RoomVersionV10)

	v := NewVerifier(NewKeyCache(&staticFetcher{keys: map[string]VerifyKey{}}, 0))
	err := v.VerifyEvent(context.Background(), raw, caps)
	if !errors.Is(err, ErrUnknownKey) {
		t.Errorf("VerifyEvent() error = %v, want ErrUnknownKey", err)
	}
	if !IsTransient(err) {
		t.Error("unknown key not classified transient")
	}
}

func TestVerifyEventWrongKey(t *testing.T) {
	key := newTestKey(t, "example.org")
	imposter := newTestKey(t, "example.org")
	raw := signedEvent(t, key)
	caps, _ := types.Version(types.RoomVersionV10)

	v := NewVerifier(NewKeyCache(fetcherFor(imposter), 0))
	err := v.VerifyEvent(context.Background(), raw, caps)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("VerifyEvent() error = %v, want ErrBadSignature", err)
	}
}

func TestKeyCacheFetchOnce(t *testing.T) {
	key := newTestKey(t, "example.org")
	f := fetcherFor(key)
	cache := NewKeyCache(f, 0)

	for i := 0; i < 3; i++ {
		if _, err := cache.Get(context.Background(), key.ServerName, key.KeyID); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
	}
	if f.calls != 1 {
		t.Errorf("fetcher called %d times, want 1", f.calls)
	}
	if _, ok := cache.Peek(key.ServerName, key.KeyID); !ok {
		t.Error("Peek() missed cached key")
	}
}

func TestKeyCacheNeverDowngrades(t *testing.T) {
	cache := NewKeyCache(nil, 0)
	ck := cacheKey{server: "example.org", keyID: "ed25519:a"}
	cache.put(ck, VerifyKey{ValidUntilTS: 2000})
	cache.put(ck, VerifyKey{ValidUntilTS: 1000})
	k, ok := cache.Peek("example.org", "ed25519:a")
	if !ok || k.ValidUntilTS != 2000 {
		t.Errorf("key downgraded: got ValidUntilTS %d, want 2000", k.ValidUntilTS)
	}
}

func TestKeyCacheEvictsLiveNotExpired(t *testing.T) {
	cache := NewKeyCache(nil, 100)
	expired := cacheKey{server: "old.example.org", keyID: "ed25519:a"}
	cache.put(expired, VerifyKey{Key: make([]byte, 32), ExpiredTS: 1})

	future := time.Now().Add(24 * time.Hour).UnixMilli()
	for i := 0; i < 10; i++ {
		ck := cacheKey{server: "live.example.org", keyID: "ed25519:" + string(rune('a'+i))}
		cache.put(ck, VerifyKey{Key: make([]byte, 32), ValidUntilTS: future})
	}

	if _, ok := cache.Peek("old.example.org", "ed25519:a"); !ok {
		t.Error("expired key evicted; retention must be unbounded")
	}
	if cache.Len() >= 11 {
		t.Errorf("no live keys evicted, len = %d", cache.Len())
	}
}

func TestExpiringWindow(t *testing.T) {
	cache := NewKeyCache(nil, 0)
	soon := time.Now().Add(30 * time.Minute).UnixMilli()
	later := time.Now().Add(48 * time.Hour).UnixMilli()
	cache.put(cacheKey{server: "a.example.org", keyID: "ed25519:a"}, VerifyKey{ValidUntilTS: soon})
	cache.put(cacheKey{server: "b.example.org", keyID: "ed25519:b"}, VerifyKey{ValidUntilTS: later})
	cache.put(cacheKey{server: "c.example.org", keyID: "ed25519:c"}, VerifyKey{ValidUntilTS: soon, ExpiredTS: 1})

	got := cache.Expiring(2 * time.Hour)
	if len(got) != 1 || got[0][0] != "a.example.org" {
		t.Errorf("Expiring() = %v, want only a.example.org", got)
	}
}

func TestValidAt(t *testing.T) {
	tests := []struct {
		name    string
		key     VerifyKey
		ts      int64
		enforce bool
		want    bool
	}{
		{name: "no enforcement", key: VerifyKey{ExpiredTS: 1}, ts: 100, enforce: false, want: true},
		{name: "within validity", key: VerifyKey{ValidUntilTS: 200}, ts: 100, enforce: true, want: true},
		{name: "past validity", key: VerifyKey{ValidUntilTS: 200}, ts: 300, enforce: true, want: false},
		{name: "before expiry", key: VerifyKey{ExpiredTS: 200}, ts: 100, enforce: true, want: true},
		{name: "after expiry", key: VerifyKey{ExpiredTS: 200}, ts: 200, enforce: true, want: false},
		{name: "unknown horizon", key: VerifyKey{}, ts: 100, enforce: true, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.ValidAt(tt.ts, tt.enforce); got != tt.want {
				t.Errorf("ValidAt(%d, %v) = %v, want %v", tt.ts, tt.enforce, got, tt.want)
			}
		})
	}
}

func TestLocalKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	generated, err := GenerateLocalKey(path, "example.org", "auto")
	if err != nil {
		t.Fatalf("GenerateLocalKey() error = %v", err)
	}
	loaded, err := LoadLocalKey(path, "example.org")
	if err != nil {
		t.Fatalf("LoadLocalKey() error = %v", err)
	}
	if loaded.KeyID != "ed25519:auto" {
		t.Errorf("key id = %q, want ed25519:auto", loaded.KeyID)
	}
	if !loaded.Public().Equal(generated.Public()) {
		t.Error("loaded key differs from generated key")
	}
}

func TestLoadLocalKeyMissing(t *testing.T) {
	if _, err := LoadLocalKey(filepath.Join(t.TempDir(), "absent.key"), "example.org"); err == nil {
		t.Error("missing key file loaded")
	}
}
