package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/grapevinehq/grapevine/pkg/authrules"
	"github.com/grapevinehq/grapevine/pkg/event"
	"github.com/grapevinehq/grapevine/pkg/metrics"
	"github.com/grapevinehq/grapevine/pkg/storage"
	"github.com/grapevinehq/grapevine/pkg/types"
)

// localTemplate is the client-supplied portion of an event. The
// pipeline fills in everything else: prev_events, auth_events, depth,
// origin_server_ts, hashes, signatures and the identifier.
type localTemplate struct {
	RoomID   string          `json:"room_id"`
	Sender   string          `json:"sender"`
	Type     string          `json:"type"`
	StateKey *string         `json:"state_key"`
	Content  json.RawMessage `json:"content"`
	Redacts  string          `json:"redacts"`
}

func (w *roomWorker) processLocal(t *task) error {
	timer := metrics.NewTimer()

	var tpl localTemplate
	if err := json.Unmarshal(t.raw, &tpl); err != nil {
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return &RejectError{Reason: ReasonMalformed, Err: err}
	}
	if tpl.Sender == "" || tpl.Type == "" || len(tpl.Content) == 0 {
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return &RejectError{Reason: ReasonMalformed,
			Err: errors.New("template needs sender, type and content")}
	}

	version, isCreate, err := w.localRoomVersion(&tpl)
	if err != nil {
		return err
	}
	caps, err := types.Version(version)
	if err != nil {
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return &RejectError{Reason: ReasonMalformed, Err: err}
	}

	var (
		state types.StateMap
		prevs []string
		depth int64
	)
	if isCreate {
		state = types.StateMap{}
		depth = 1
	} else {
		state, err = w.currentState(t.ctx)
		if err != nil {
			return err
		}
		exts, err := w.p.store.Extremities(w.roomID)
		if err != nil {
			return err
		}
		for id := range exts {
			prevs = append(prevs, id)
		}
		sort.Strings(prevs)
		depth, err = w.nextDepth(prevs)
		if err != nil {
			return err
		}
	}

	probe := &types.Event{
		RoomID:   tpl.RoomID,
		Sender:   tpl.Sender,
		Type:     tpl.Type,
		StateKey: tpl.StateKey,
		Content:  tpl.Content,
	}
	var auths []string
	for _, slot := range authrules.AuthEventSelection(probe) {
		if id, ok := state[slot]; ok {
			auths = append(auths, id)
		}
	}

	doc := map[string]any{
		"room_id":          tpl.RoomID,
		"sender":           tpl.Sender,
		"type":             tpl.Type,
		"content":          tpl.Content,
		"prev_events":      nonNil(prevs),
		"auth_events":      nonNil(auths),
		"depth":            depth,
		"origin_server_ts": time.Now().UnixMilli(),
	}
	if tpl.StateKey != nil {
		doc["state_key"] = *tpl.StateKey
	}
	if tpl.Redacts != "" {
		doc["redacts"] = tpl.Redacts
	}
	// Legacy rooms carry the identifier inside the event, so it has to
	// exist before hashing and signing.
	if caps.EventFormat == types.EventIDSender {
		doc["event_id"] = "$" + uuid.New().String() + ":" + w.p.serverName
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	hashed, err := event.AddContentHash(raw)
	if err != nil {
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return &RejectError{Reason: ReasonMalformed, Err: err}
	}
	signed, err := w.p.localKey.SignEvent(hashed, caps)
	if err != nil {
		return err
	}
	ev, err := event.Parse(signed, version, w.p.limits.MaxEventBytes)
	if err != nil {
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return &RejectError{Reason: ReasonMalformed, Err: err}
	}
	t.eventID = ev.EventID

	// Locally-authored events never soft fail: a denial is surfaced to
	// the submitting client instead of haunting the timeline.
	if err := w.allowedAgainstState(ev, state, version); err != nil {
		var deny *authrules.DenyError
		if !errors.As(err, &deny) {
			return err
		}
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return &RejectError{Reason: ReasonUnauthorized, Err: err}
	}
	timer.ObserveDurationVec(metrics.IngressDuration, "build")

	return w.finish(ev, state, false)
}

// localRoomVersion resolves the version governing a local template. A
// create template for an unknown room fixes the version, defaulting the
// content's room_version and creator fields where the client left them
// out.
func (w *roomWorker) localRoomVersion(tpl *localTemplate) (types.RoomVersion, bool, error) {
	info, err := w.p.store.Room(w.roomID)
	if err == nil {
		return info.Version, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", false, err
	}
	if tpl.Type != types.EventTypeCreate {
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return "", false, &RejectError{Reason: ReasonAncestorsUnreachable,
			Err: fmt.Errorf("room %s unknown and event is not its create", w.roomID)}
	}

	var content map[string]json.RawMessage
	if err := json.Unmarshal(tpl.Content, &content); err != nil {
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return "", false, &RejectError{Reason: ReasonMalformed, Err: err}
	}
	version := w.p.defaultVersion
	if raw, ok := content["room_version"]; ok {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil || v == "" {
			metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
			return "", false, &RejectError{Reason: ReasonMalformed,
				Err: errors.New("create template with bad room_version")}
		}
		version = types.RoomVersion(v)
	} else {
		if version == "" {
			version = types.RoomVersionV10
		}
		content["room_version"], _ = json.Marshal(string(version))
	}
	caps, err := types.Version(version)
	if err != nil {
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return "", false, &RejectError{Reason: ReasonMalformed, Err: err}
	}
	if _, ok := content["creator"]; !ok && !caps.ImplicitRoomCreator {
		content["creator"], _ = json.Marshal(tpl.Sender)
	}
	tpl.Content, err = json.Marshal(content)
	if err != nil {
		return "", false, err
	}
	return version, true, nil
}

// nextDepth is one past the deepest prev event, capped at the maximum
// admissible depth.
func (w *roomWorker) nextDepth(prevs []string) (int64, error) {
	got, err := w.p.store.GetMany(prevs)
	if err != nil {
		return 0, err
	}
	var depth int64
	for _, e := range got {
		if e.Depth > depth {
			depth = e.Depth
		}
	}
	depth++
	if depth > event.MaxDepth {
		depth = event.MaxDepth
	}
	return depth, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
