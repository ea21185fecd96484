package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grapevinehq/grapevine/pkg/authrules"
	"github.com/grapevinehq/grapevine/pkg/event"
	"github.com/grapevinehq/grapevine/pkg/events"
	"github.com/grapevinehq/grapevine/pkg/log"
	"github.com/grapevinehq/grapevine/pkg/metrics"
	"github.com/grapevinehq/grapevine/pkg/signing"
	"github.com/grapevinehq/grapevine/pkg/storage"
	"github.com/grapevinehq/grapevine/pkg/types"
)

// ErrParked means the event is waiting in durable storage for its
// ancestors and will be retried when they arrive or on restart.
var ErrParked = errors.New("ingress: event parked awaiting ancestors")

const (
	keyRetryBase   = time.Second
	keyRetryCap    = 5 * time.Minute
	maxKeyAttempts = 8
)

type task struct {
	ctx      context.Context
	origin   string
	local    bool
	raw      []byte
	roomID   string
	eventID  string
	attempts int

	resultCh chan error
	once     sync.Once
}

func (t *task) deliver(err error) {
	t.once.Do(func() {
		t.resultCh <- err
	})
}

// roomWorker serializes all writes for one room.
type roomWorker struct {
	p      *Pipeline
	roomID string

	mu     sync.Mutex
	closed bool
	queue  chan *task
}

func newRoomWorker(p *Pipeline, roomID string) *roomWorker {
	return &roomWorker{
		p:      p,
		roomID: roomID,
		queue:  make(chan *task, p.limits.QueuePerRoom),
	}
}

func (w *roomWorker) enqueue(t *task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrShuttingDown
	}
	select {
	case w.queue <- t:
		metrics.IngressQueueDepth.Inc()
		return nil
	default:
		return ErrOverloaded
	}
}

func (w *roomWorker) closeIntake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
}

func (w *roomWorker) run() {
	defer w.p.wg.Done()
	logger := log.WithRoomID(w.roomID)
	for t := range w.queue {
		metrics.IngressQueueDepth.Dec()
		var err error
		if t.local {
			err = w.processLocal(t)
		} else {
			budget := w.p.limits.MaxDepthBackfill
			err = w.processFederated(t, t.raw, t.origin, &budget)
		}
		if err != nil {
			if errors.Is(err, storage.ErrIntegrity) {
				logger.Error().Err(err).Msg("Store integrity failure, stopping room writer")
				w.p.fatal(err)
				t.deliver(err)
				w.closeIntake()
				for t := range w.queue {
					metrics.IngressQueueDepth.Dec()
					t.deliver(ErrShuttingDown)
				}
				return
			}
			if errors.Is(err, errRetryScheduled) {
				continue
			}
		}
		t.deliver(err)
	}
}

// errRetryScheduled is internal: the task was re-queued for a key
// retry and no result is due yet.
var errRetryScheduled = errors.New("ingress: retry scheduled")

func (w *roomWorker) processFederated(t *task, raw []byte, origin string, budget *int) error {
	timer := metrics.NewTimer()

	version, err := w.roomVersion(raw)
	if err != nil {
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	caps, err := types.Version(version)
	if err != nil {
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return &RejectError{Reason: ReasonMalformed, Err: err}
	}

	ev, err := event.Parse(raw, version, w.p.limits.MaxEventBytes)
	if err != nil {
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return &RejectError{Reason: ReasonMalformed, Err: err}
	}
	if t.eventID == "" {
		t.eventID = ev.EventID
	}

	if ok, err := w.p.store.Has(ev.EventID); err != nil {
		return err
	} else if ok {
		if soft, err := w.p.store.IsSoftFailed(ev.EventID); err == nil && !soft {
			metrics.IngressEventsTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
		metrics.IngressEventsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	// A failed content hash is permanent, but the redacted form of the
	// event is still admissible.
	if err := w.p.verifier.VerifyContentHash(ev.Raw); err != nil {
		redacted, rerr := event.Redact(ev.Raw, caps)
		if rerr != nil {
			metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
			return &RejectError{Reason: ReasonBadHash, Err: err}
		}
		log.WithEvent(ev).Warn().Msg("Content hash mismatch, using redacted event")
		ev, err = event.Parse(redacted, version, w.p.limits.MaxEventBytes)
		if err != nil {
			metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
			return &RejectError{Reason: ReasonBadHash, Err: err}
		}
	}

	if err := w.p.verifier.VerifyEvent(t.ctx, ev.Raw, caps); err != nil {
		if signing.IsTransient(err) {
			return w.scheduleKeyRetry(t, err)
		}
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return &RejectError{Reason: ReasonBadSignature, Err: err}
	}
	timer.ObserveDurationVec(metrics.IngressDuration, "verify")

	if err := w.resolveAncestors(t, ev, origin, budget); err != nil {
		return err
	}

	// First gate: the auth events the sender itself cited.
	declared, err := w.p.store.GetMany(ev.AuthEventIDs())
	if err != nil {
		return err
	}
	declaredList := make([]*types.Event, 0, len(declared))
	for _, a := range declared {
		declaredList = append(declaredList, a)
	}
	if err := authrules.Allowed(ev, authrules.NewAuthState(declaredList), version); err != nil {
		// Keep the event as an outlier so later events can cite it, but
		// give it no place in the room.
		if _, perr := w.p.store.Put(ev, storage.PutOptions{Outlier: true}); perr != nil &&
			!errors.Is(perr, storage.ErrDuplicate) {
			return perr
		}
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return &RejectError{Reason: ReasonUnauthorized, Err: err}
	}

	// Second gate: the resolved state at the event's position.
	stateBefore, err := w.stateBefore(t.ctx, ev)
	if err != nil {
		return err
	}
	softFailed := false
	if err := w.allowedAgainstState(ev, stateBefore, version); err != nil {
		var deny *authrules.DenyError
		if !errors.As(err, &deny) {
			return err
		}
		softFailed = true
		log.WithEvent(ev).Info().Str("reason", deny.Reason.String()).
			Msg("Event soft failed")
	}
	timer.ObserveDurationVec(metrics.IngressDuration, "state")

	return w.finish(ev, stateBefore, softFailed)
}

// finish persists the event with its post-state snapshot and publishes
// it. Runs even when the submitter's context has expired.
func (w *roomWorker) finish(ev *types.Event, stateBefore types.StateMap, softFailed bool) error {
	stateAfter := stateBefore.Clone()
	if ev.IsState() && !softFailed {
		stateAfter[ev.StateTuple()] = ev.EventID
	}

	seq, err := w.p.store.Put(ev, storage.PutOptions{
		SoftFailed: softFailed,
		State:      stateAfter,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			metrics.IngressEventsTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
		return err
	}

	if !softFailed {
		if cur, err := w.currentState(context.Background()); err == nil {
			w.p.view.SetState(w.roomID, cur)
		} else {
			log.WithRoomID(w.roomID).Error().Err(err).Msg("Current state recompute failed")
		}
	}

	kind := events.KindNewEvent
	outcome := "accepted"
	if softFailed {
		kind = events.KindSoftFailed
		outcome = "soft_failed"
	}
	w.p.broker.Publish(&events.OutputEvent{
		RoomID:         ev.RoomID,
		EventID:        ev.EventID,
		StreamOrdering: seq,
		Kind:           kind,
		Type:           ev.Type,
		Sender:         ev.Sender,
		StateKey:       ev.StateKey,
	})
	metrics.IngressEventsTotal.WithLabelValues(outcome).Inc()
	log.WithEvent(ev).Debug().
		Int64("stream_ordering", seq).
		Bool("soft_failed", softFailed).
		Msg("Event admitted")
	return nil
}

// resolveAncestors ensures every prev and auth event is stored,
// backfilling over federation within the budget. Transient fetch
// failures park the event durably.
func (w *roomWorker) resolveAncestors(t *task, ev *types.Event, origin string, budget *int) error {
	for {
		missing, err := w.missingAncestors(ev)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}
		if w.p.federation == nil {
			metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
			return &RejectError{Reason: ReasonAncestorsUnreachable,
				Err: fmt.Errorf("%d ancestors missing and no federation", len(missing))}
		}
		if *budget <= 0 {
			metrics.BackfillRequestsTotal.WithLabelValues("exhausted").Inc()
			metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
			return &RejectError{Reason: ReasonAncestorsUnreachable,
				Err: fmt.Errorf("backfill budget exhausted with %d ancestors missing", len(missing))}
		}

		fetched, err := w.p.federation.Backfill(t.ctx, w.roomID, missing, min(*budget, len(missing)))
		if err != nil {
			metrics.BackfillRequestsTotal.WithLabelValues("error").Inc()
			return w.park(t, ev, origin, missing, err)
		}
		if len(fetched) == 0 {
			metrics.BackfillRequestsTotal.WithLabelValues("exhausted").Inc()
			metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
			return &RejectError{Reason: ReasonAncestorsUnreachable,
				Err: fmt.Errorf("origin returned none of %d missing ancestors", len(missing))}
		}
		metrics.BackfillRequestsTotal.WithLabelValues("ok").Inc()
		*budget -= len(fetched)

		ordered, err := w.byAscendingDepth(fetched)
		if err != nil {
			metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
			return &RejectError{Reason: ReasonAncestorsUnreachable, Err: err}
		}
		for _, raw := range ordered {
			sub := &task{ctx: t.ctx, origin: origin, raw: raw, roomID: w.roomID,
				resultCh: make(chan error, 1)}
			if err := w.processFederated(sub, raw, origin, budget); err != nil {
				var reject *RejectError
				if errors.As(err, &reject) {
					// A rejected ancestor may still leave this event
					// processable if it was only cited indirectly.
					log.WithRoomID(w.roomID).Warn().Err(err).Msg("Backfilled ancestor rejected")
					continue
				}
				return err
			}
		}
	}
}

func (w *roomWorker) missingAncestors(ev *types.Event) ([]string, error) {
	ids := append(ev.PrevEventIDs(), ev.AuthEventIDs()...)
	var missing []string
	for _, id := range ids {
		ok, err := w.p.store.Has(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

func (w *roomWorker) byAscendingDepth(raws []json.RawMessage) ([][]byte, error) {
	type entry struct {
		raw   []byte
		depth int64
	}
	entries := make([]entry, 0, len(raws))
	for _, raw := range raws {
		var probe struct {
			Depth int64 `json:"depth"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("unparseable backfilled event: %w", err)
		}
		entries = append(entries, entry{raw: raw, depth: probe.Depth})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].depth < entries[j].depth
	})
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.raw
	}
	return out, nil
}

func (w *roomWorker) park(t *task, ev *types.Event, origin string, missing []string, cause error) error {
	err := w.p.store.PutPending(&storage.PendingEvent{
		RoomID:   w.roomID,
		EventID:  ev.EventID,
		Origin:   origin,
		Raw:      ev.Raw,
		Awaiting: missing,
		Attempts: t.attempts,
	})
	if err != nil {
		return err
	}
	metrics.PendingEventsTotal.Inc()
	log.WithEvent(ev).Info().Err(cause).
		Int("missing", len(missing)).Msg("Event parked awaiting ancestors")
	return ErrParked
}

func (w *roomWorker) scheduleKeyRetry(t *task, cause error) error {
	if t.attempts >= maxKeyAttempts {
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return &RejectError{Reason: ReasonTooManyRetries, Err: cause}
	}
	t.attempts++
	delay := keyRetryBase << (t.attempts - 1)
	if delay > keyRetryCap {
		delay = keyRetryCap
	}
	time.AfterFunc(delay, func() {
		if err := w.enqueue(t); err != nil {
			t.deliver(err)
		}
	})
	return errRetryScheduled
}

// roomVersion determines the room version governing raw: the stored
// room record, or the create event's own declaration for a new room.
func (w *roomWorker) roomVersion(raw []byte) (types.RoomVersion, error) {
	if info, err := w.p.store.Room(w.roomID); err == nil {
		return info.Version, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	var probe struct {
		Type    string `json:"type"`
		Content struct {
			RoomVersion string `json:"room_version"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", &RejectError{Reason: ReasonMalformed, Err: err}
	}
	if probe.Type != types.EventTypeCreate {
		return "", &RejectError{Reason: ReasonAncestorsUnreachable,
			Err: fmt.Errorf("room %s unknown and event is not its create", w.roomID)}
	}
	if probe.Content.RoomVersion == "" {
		return types.RoomVersionV1, nil
	}
	return types.RoomVersion(probe.Content.RoomVersion), nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
