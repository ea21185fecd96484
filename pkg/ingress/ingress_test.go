package ingress

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grapevinehq/grapevine/pkg/event"
	"github.com/grapevinehq/grapevine/pkg/events"
	"github.com/grapevinehq/grapevine/pkg/roomview"
	"github.com/grapevinehq/grapevine/pkg/signing"
	"github.com/grapevinehq/grapevine/pkg/storage"
	"github.com/grapevinehq/grapevine/pkg/types"
)

const (
	localServer  = "local.example.org"
	remoteServer = "remote.example.org"
	fedRoom      = "!fed:remote.example.org"
	localAlice   = "@alice:local.example.org"
	localBob     = "@bob:local.example.org"
	remoteAda    = "@ada:remote.example.org"
	remoteBob    = "@bob:remote.example.org"
)

type keyDirectory struct {
	keys map[string]signing.VerifyKey
}

func (d *keyDirectory) FetchKey(ctx context.Context, serverName, keyID string) (signing.VerifyKey, error) {
	k, ok := d.keys[serverName+"|"+keyID]
	if !ok {
		return signing.VerifyKey{}, errors.New("no such key")
	}
	return k, nil
}

type fakeFederation struct {
	events map[string]json.RawMessage
	fail   bool
}

func (f *fakeFederation) Backfill(ctx context.Context, roomID string, eventIDs []string, limit int) ([]json.RawMessage, error) {
	if f.fail {
		return nil, errors.New("origin unreachable")
	}
	var out []json.RawMessage
	for _, id := range eventIDs {
		if raw, ok := f.events[id]; ok {
			out = append(out, raw)
		}
	}
	return out, nil
}

type harness struct {
	p         *Pipeline
	store     *storage.BoltStore
	view      *roomview.View
	remoteKey *signing.LocalKey
}

func genKey(t *testing.T, serverName string) *signing.LocalKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &signing.LocalKey{ServerName: serverName, KeyID: "ed25519:test", Private: priv}
}

func newHarness(t *testing.T, fed Federation) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "grapevine.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	localKey := genKey(t, localServer)
	remoteKey := genKey(t, remoteServer)
	dir := &keyDirectory{keys: map[string]signing.VerifyKey{
		localServer + "|" + localKey.KeyID:   {Key: localKey.Public()},
		remoteServer + "|" + remoteKey.KeyID: {Key: remoteKey.Public()},
	}}

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	view := roomview.NewView(store, broker)

	p := NewPipeline(Config{
		Store:          store,
		Verifier:       signing.NewVerifier(signing.NewKeyCache(dir, 0)),
		LocalKey:       localKey,
		Broker:         broker,
		View:           view,
		Federation:     fed,
		Limits:         DefaultLimits(),
		ServerName:     localServer,
		DefaultVersion: types.RoomVersionV10,
	})
	t.Cleanup(p.Stop)
	return &harness{p: p, store: store, view: view, remoteKey: remoteKey}
}

// remoteEvent builds, hashes and signs an event as the remote server
// would.
func (h *harness) remoteEvent(t *testing.T, doc map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
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
	signed, err := h.remoteKey.SignEvent(hashed, caps)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func eventID(t *testing.T, raw []byte) string {
	t.Helper()
	ev, err := event.Parse(raw, types.RoomVersionV10, 0)
	if err != nil {
		t.Fatal(err)
	}
	return ev.EventID
}

func fedDoc(sender, typ string, stateKey *string, content map[string]any, depth int64, prevs, auths []string) map[string]any {
	doc := map[string]any{
		"room_id":          fedRoom,
		"sender":           sender,
		"type":             typ,
		"content":          content,
		"prev_events":      prevs,
		"auth_events":      auths,
		"depth":            depth,
		"origin_server_ts": 1700000000000 + depth,
	}
	if stateKey != nil {
		doc["state_key"] = *stateKey
	}
	return doc
}

func sk(s string) *string { return &s }

// remoteRoom builds the signed event chain of a federated room: create,
// the creator's join, a public join rule and a second member's join.
func (h *harness) remoteRoom(t *testing.T) (create, ja, jr, jb []byte) {
	t.Helper()
	create = h.remoteEvent(t, fedDoc(remoteAda, types.EventTypeCreate, sk(""),
		map[string]any{"creator": remoteAda, "room_version": "10"}, 1, []string{}, []string{}))
	createID := eventID(t, create)
	ja = h.remoteEvent(t, fedDoc(remoteAda, types.EventTypeMember, sk(remoteAda),
		map[string]any{"membership": "join"}, 2, []string{createID}, []string{createID}))
	jaID := eventID(t, ja)
	jr = h.remoteEvent(t, fedDoc(remoteAda, types.EventTypeJoinRules, sk(""),
		map[string]any{"join_rule": "public"}, 3, []string{jaID}, []string{createID, jaID}))
	jrID := eventID(t, jr)
	jb = h.remoteEvent(t, fedDoc(remoteBob, types.EventTypeMember, sk(remoteBob),
		map[string]any{"membership": "join"}, 4, []string{jrID}, []string{createID, jrID}))
	return create, ja, jr, jb
}

func (h *harness) submitAll(t *testing.T, raws ...[]byte) {
	t.Helper()
	for i, raw := range raws {
		if err := h.p.SubmitFederated(context.Background(), remoteServer, raw); err != nil {
			t.Fatalf("SubmitFederated(%d) error = %v", i, err)
		}
	}
}

func TestLocalRoomLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sub := h.p.broker.Subscribe()

	createID, err := h.p.SubmitLocal(ctx, mustJSON(map[string]any{
		"sender":    localAlice,
		"type":      types.EventTypeCreate,
		"state_key": "",
		"content":   map[string]any{},
	}))
	if err != nil {
		t.Fatalf("SubmitLocal(create) error = %v", err)
	}
	create, err := h.store.Get(createID)
	if err != nil {
		t.Fatalf("create event not stored: %v", err)
	}
	roomID := create.RoomID
	if types.ServerName(roomID) != localServer {
		t.Errorf("minted room %s not on this server", roomID)
	}
	if create.Signatures[localServer] == nil {
		t.Error("create event not signed by this server")
	}

	joinID, err := h.p.SubmitLocal(ctx, mustJSON(map[string]any{
		"room_id":   roomID,
		"sender":    localAlice,
		"type":      types.EventTypeMember,
		"state_key": localAlice,
		"content":   map[string]any{"membership": "join"},
	}))
	if err != nil {
		t.Fatalf("SubmitLocal(join) error = %v", err)
	}

	msgID, err := h.p.SubmitLocal(ctx, mustJSON(map[string]any{
		"room_id": roomID,
		"sender":  localAlice,
		"type":    "m.room.message",
		"content": map[string]any{"body": "hello"},
	}))
	if err != nil {
		t.Fatalf("SubmitLocal(message) error = %v", err)
	}

	entries, err := h.store.AppendStream(roomID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[2].EventID != msgID {
		t.Errorf("stream = %v", entries)
	}

	state, ok := h.view.CurrentState(roomID)
	if !ok {
		t.Fatal("no current state for room")
	}
	if state[types.StateKey{Type: types.EventTypeMember, StateKey: localAlice}] != joinID {
		t.Errorf("membership slot = %s, want %s",
			state[types.StateKey{Type: types.EventTypeMember, StateKey: localAlice}], joinID)
	}

	for i := 0; i < 3; i++ {
		select {
		case out := <-sub:
			if out.Kind != events.KindNewEvent || out.RoomID != roomID {
				t.Errorf("notification %d = %+v", i, out)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("notification %d never arrived", i)
		}
	}
}

func TestLocalRejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.p.SubmitLocal(ctx, mustJSON(map[string]any{
		"sender":  localAlice,
		"type":    "m.room.message",
		"content": map[string]any{"body": "no room"},
	}))
	wantRejectReason(t, err, ReasonMalformed)

	_, err = h.p.SubmitLocal(ctx, mustJSON(map[string]any{
		"room_id": "!ghost:" + localServer,
		"sender":  localAlice,
		"type":    "m.room.message",
		"content": map[string]any{"body": "x"},
	}))
	wantRejectReason(t, err, ReasonAncestorsUnreachable)

	// A sender who never joined is refused outright, not soft failed.
	roomID := makeLocalRoom(t, h)
	_, err = h.p.SubmitLocal(ctx, mustJSON(map[string]any{
		"room_id": roomID,
		"sender":  localBob,
		"type":    "m.room.message",
		"content": map[string]any{"body": "intruding"},
	}))
	wantRejectReason(t, err, ReasonUnauthorized)
}

func TestFederatedSoftFail(t *testing.T) {
	h := newHarness(t, nil)
	create, ja, jr, jb := h.remoteRoom(t)
	createID, jbID := eventID(t, create), eventID(t, jb)

	leave := h.remoteEvent(t, fedDoc(remoteBob, types.EventTypeMember, sk(remoteBob),
		map[string]any{"membership": "leave"}, 5, []string{jbID}, []string{createID, jbID}))
	leaveID := eventID(t, leave)

	// Cites the join in auth_events but hangs off the leave: it passes
	// the declared-auth gate and fails the state-before gate.
	msg := h.remoteEvent(t, fedDoc(remoteBob, "m.room.message", nil,
		map[string]any{"body": "still here"}, 6, []string{leaveID}, []string{createID, jbID}))
	msgID := eventID(t, msg)

	h.submitAll(t, create, ja, jr, jb, leave, msg)

	soft, err := h.store.IsSoftFailed(msgID)
	if err != nil || !soft {
		t.Errorf("IsSoftFailed(msg) = %v, %v, want true", soft, err)
	}
	if soft, _ := h.store.IsSoftFailed(jbID); soft {
		t.Error("join marked soft failed")
	}

	// Soft-failed events reach the timeline but not the state.
	entries, _ := h.store.AppendStream(fedRoom, 0, 0)
	if len(entries) != 6 || entries[5].EventID != msgID {
		t.Errorf("stream = %v", entries)
	}
	state, ok := h.view.CurrentState(fedRoom)
	if !ok {
		t.Fatal("no current state")
	}
	if state[types.StateKey{Type: types.EventTypeMember, StateKey: remoteBob}] != leaveID {
		t.Error("leave lost from current state")
	}
}

func TestFederatedDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	create, ja, jr, jb := h.remoteRoom(t)
	h.submitAll(t, create, ja, jr, jb)

	if err := h.p.SubmitFederated(context.Background(), remoteServer, jb); err != nil {
		t.Errorf("duplicate submit error = %v, want nil", err)
	}
	if entries, _ := h.store.AppendStream(fedRoom, 0, 0); len(entries) != 4 {
		t.Errorf("duplicate extended the stream to %d entries", len(entries))
	}
}

func TestFederatedBadSignature(t *testing.T) {
	h := newHarness(t, nil)
	create, ja, jr, jb := h.remoteRoom(t)
	h.submitAll(t, create, ja, jr, jb)

	msg := h.remoteEvent(t, fedDoc(remoteBob, "m.room.message", nil,
		map[string]any{"body": "hi"}, 5, []string{eventID(t, jb)},
		[]string{eventID(t, create), eventID(t, jb)}))
	tampered := strings.Replace(string(msg), `"depth":5`, `"depth":7`, 1)

	err := h.p.SubmitFederated(context.Background(), remoteServer, []byte(tampered))
	wantRejectReason(t, err, ReasonBadSignature)
}

func TestFederatedHashMismatchAdmitsRedacted(t *testing.T) {
	h := newHarness(t, nil)
	create, ja, jr, jb := h.remoteRoom(t)
	h.submitAll(t, create, ja, jr, jb)

	msg := h.remoteEvent(t, fedDoc(remoteBob, "m.room.message", nil,
		map[string]any{"body": "original"}, 5, []string{eventID(t, jb)},
		[]string{eventID(t, create), eventID(t, jb)}))
	msgID := eventID(t, msg)
	tampered := strings.Replace(string(msg), `"original"`, `"edited"`, 1)

	if err := h.p.SubmitFederated(context.Background(), remoteServer, []byte(tampered)); err != nil {
		t.Fatalf("SubmitFederated() error = %v", err)
	}

	// The identifier covers the redacted form, so the stored event is
	// the original's redaction with the content gone.
	got, err := h.store.Get(msgID)
	if err != nil {
		t.Fatalf("redacted event not stored: %v", err)
	}
	if strings.Contains(string(got.Content), "edited") || strings.Contains(string(got.Content), "original") {
		t.Errorf("tampered content survived: %s", got.Content)
	}
}

func TestFederatedUnauthorizedBecomesOutlier(t *testing.T) {
	h := newHarness(t, nil)
	create, ja, jr, jb := h.remoteRoom(t)
	createID := eventID(t, create)
	h.submitAll(t, create, ja, jr, jb)

	// The declared auth events do not show the sender joined: hard
	// rejection, stored as an outlier only.
	msg := h.remoteEvent(t, fedDoc("@mallory:remote.example.org", "m.room.message", nil,
		map[string]any{"body": "hi"}, 5, []string{eventID(t, jb)}, []string{createID}))
	msgID := eventID(t, msg)

	err := h.p.SubmitFederated(context.Background(), remoteServer, msg)
	wantRejectReason(t, err, ReasonUnauthorized)

	if ok, _ := h.store.Has(msgID); !ok {
		t.Error("rejected event not kept as outlier")
	}
	if entries, _ := h.store.AppendStream(fedRoom, 0, 0); len(entries) != 4 {
		t.Errorf("outlier entered the stream: %v", entries)
	}
}

func TestBackfillMissingAncestors(t *testing.T) {
	fed := &fakeFederation{events: map[string]json.RawMessage{}}
	h := newHarness(t, fed)
	create, ja, jr, jb := h.remoteRoom(t)
	h.submitAll(t, create, ja, jr)

	// bob's join arrives only over backfill when his message cites it.
	jbID := eventID(t, jb)
	fed.events[jbID] = json.RawMessage(jb)
	msg := h.remoteEvent(t, fedDoc(remoteBob, "m.room.message", nil,
		map[string]any{"body": "hi"}, 5, []string{jbID},
		[]string{eventID(t, create), jbID}))

	if err := h.p.SubmitFederated(context.Background(), remoteServer, msg); err != nil {
		t.Fatalf("SubmitFederated() error = %v", err)
	}
	if ok, _ := h.store.Has(jbID); !ok {
		t.Error("backfilled ancestor not stored")
	}
	if soft, _ := h.store.IsSoftFailed(eventID(t, msg)); soft {
		t.Error("message soft failed despite backfilled join")
	}
}

func TestUnreachableAncestorsWithoutFederation(t *testing.T) {
	h := newHarness(t, nil)
	create, ja, jr, jb := h.remoteRoom(t)
	h.submitAll(t, create, ja, jr, jb)

	msg := h.remoteEvent(t, fedDoc(remoteBob, "m.room.message", nil,
		map[string]any{"body": "hi"}, 6, []string{"$nonexistent"},
		[]string{eventID(t, create), eventID(t, jb)}))
	err := h.p.SubmitFederated(context.Background(), remoteServer, msg)
	wantRejectReason(t, err, ReasonAncestorsUnreachable)
}

func TestParkAndResume(t *testing.T) {
	fed := &fakeFederation{events: map[string]json.RawMessage{}, fail: true}
	h := newHarness(t, fed)
	create, ja, jr, jb := h.remoteRoom(t)
	h.submitAll(t, create, ja, jr)

	jbID := eventID(t, jb)
	msg := h.remoteEvent(t, fedDoc(remoteBob, "m.room.message", nil,
		map[string]any{"body": "hi"}, 5, []string{jbID},
		[]string{eventID(t, create), jbID}))

	err := h.p.SubmitFederated(context.Background(), remoteServer, msg)
	if !errors.Is(err, ErrParked) {
		t.Fatalf("SubmitFederated() error = %v, want ErrParked", err)
	}
	rooms, _ := h.store.PendingRooms()
	if len(rooms) != 1 || rooms[0] != fedRoom {
		t.Errorf("PendingRooms() = %v", rooms)
	}

	// The origin comes back; resume drains the parked event.
	fed.fail = false
	fed.events[jbID] = json.RawMessage(jb)
	if err := h.p.Resume(context.Background()); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if ok, _ := h.store.Has(eventID(t, msg)); !ok {
		t.Error("parked event not admitted on resume")
	}
	if rooms, _ := h.store.PendingRooms(); len(rooms) != 0 {
		t.Errorf("pending rooms after resume = %v", rooms)
	}
}

func wantRejectReason(t *testing.T, err error, reason string) {
	t.Helper()
	var reject *RejectError
	if !errors.As(err, &reject) {
		t.Fatalf("error = %v, want RejectError", err)
	}
	if reject.Reason != reason {
		t.Errorf("reject reason = %s, want %s", reject.Reason, reason)
	}
}

func makeLocalRoom(t *testing.T, h *harness) string {
	t.Helper()
	ctx := context.Background()
	createID, err := h.p.SubmitLocal(ctx, mustJSON(map[string]any{
		"sender":    localAlice,
		"type":      types.EventTypeCreate,
		"state_key": "",
		"content":   map[string]any{},
	}))
	if err != nil {
		t.Fatal(err)
	}
	create, err := h.store.Get(createID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.p.SubmitLocal(ctx, mustJSON(map[string]any{
		"room_id":   create.RoomID,
		"sender":    localAlice,
		"type":      types.EventTypeMember,
		"state_key": localAlice,
		"content":   map[string]any{"membership": "join"},
	})); err != nil {
		t.Fatal(err)
	}
	return create.RoomID
}

func mustJSON(doc map[string]any) []byte {
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("marshal template: %v", err))
	}
	return raw
}
