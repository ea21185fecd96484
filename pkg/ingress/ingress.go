package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/grapevinehq/grapevine/pkg/events"
	"github.com/grapevinehq/grapevine/pkg/log"
	"github.com/grapevinehq/grapevine/pkg/roomview"
	"github.com/grapevinehq/grapevine/pkg/signing"
	"github.com/grapevinehq/grapevine/pkg/storage"
	"github.com/grapevinehq/grapevine/pkg/types"
)

var (
	// ErrOverloaded means the room's intake queue is full. Retryable;
	// transport adapters surface it as backpressure.
	ErrOverloaded = errors.New("ingress: room queue full")
	// ErrShuttingDown means the pipeline has stopped accepting events.
	ErrShuttingDown = errors.New("ingress: shutting down")
)

// RejectError is a terminal verdict on a submitted event.
type RejectError struct {
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("ingress: rejected (%s): %v", e.Reason, e.Err)
}

func (e *RejectError) Unwrap() error { return e.Err }

// Rejection reasons.
const (
	ReasonMalformed            = "malformed"
	ReasonBadHash              = "bad_hash"
	ReasonBadSignature         = "bad_signature"
	ReasonUnauthorized         = "unauthorized"
	ReasonAncestorsUnreachable = "ancestors_unreachable"
	ReasonTooManyRetries       = "too_many_retries"
)

// Federation fetches missing events from other servers. The transport
// lives outside the core; a nil Federation disables backfill.
type Federation interface {
	Backfill(ctx context.Context, roomID string, eventIDs []string, limit int) ([]json.RawMessage, error)
}

// Limits bound the pipeline's resource use.
type Limits struct {
	MaxEventBytes     int
	MaxDepthBackfill  int
	QueuePerRoom      int
	MaxStateResEvents int
}

// DefaultLimits mirror the shipped configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxEventBytes:     65536,
		MaxDepthBackfill:  100,
		QueuePerRoom:      64,
		MaxStateResEvents: 3000,
	}
}

// Pipeline admits events into the room DAG: verification,
// authorization, state computation, persistence and publication, with
// one serialized writer per room.
type Pipeline struct {
	store      storage.Store
	verifier   *signing.Verifier
	localKey   *signing.LocalKey
	broker     *events.Broker
	view       *roomview.View
	federation Federation
	limits     Limits

	serverName     string
	defaultVersion types.RoomVersion

	mu       sync.Mutex
	rooms    map[string]*roomWorker
	stopping bool
	wg       sync.WaitGroup

	fatalCh chan error
}

// Config assembles a pipeline's collaborators.
type Config struct {
	Store          storage.Store
	Verifier       *signing.Verifier
	LocalKey       *signing.LocalKey
	Broker         *events.Broker
	View           *roomview.View
	Federation     Federation
	Limits         Limits
	ServerName     string
	DefaultVersion types.RoomVersion
}

// NewPipeline creates an ingress pipeline.
func NewPipeline(cfg Config) *Pipeline {
	limits := cfg.Limits
	if limits.QueuePerRoom <= 0 {
		limits = DefaultLimits()
	}
	return &Pipeline{
		store:          cfg.Store,
		verifier:       cfg.Verifier,
		localKey:       cfg.LocalKey,
		broker:         cfg.Broker,
		view:           cfg.View,
		federation:     cfg.Federation,
		limits:         limits,
		serverName:     cfg.ServerName,
		defaultVersion: cfg.DefaultVersion,
		rooms:          make(map[string]*roomWorker),
		fatalCh:        make(chan error, 1),
	}
}

// Fatal delivers unrecoverable store errors; the process should exit.
func (p *Pipeline) Fatal() <-chan error {
	return p.fatalCh
}

// Resume re-enqueues events parked before the last shutdown.
func (p *Pipeline) Resume(ctx context.Context) error {
	rooms, err := p.store.PendingRooms()
	if err != nil {
		return err
	}
	for _, roomID := range rooms {
		parked, err := p.store.TakePending(roomID)
		if err != nil {
			return err
		}
		for _, pend := range parked {
			if err := p.SubmitFederated(ctx, pend.Origin, pend.Raw); err != nil &&
				!errors.Is(err, storage.ErrDuplicate) {
				log.WithRoomID(roomID).Warn().Err(err).
					Str("event_id", pend.EventID).Msg("Parked event rejected on resume")
			}
		}
	}
	return nil
}

// SubmitFederated admits an event received from origin. The returned
// error is nil once the event reaches a terminal accepted state
// (including soft failure), a *RejectError for terminal rejections, or
// ErrOverloaded when the room queue is full.
func (p *Pipeline) SubmitFederated(ctx context.Context, origin string, raw []byte) error {
	t := &task{
		ctx:      ctx,
		origin:   origin,
		raw:      raw,
		resultCh: make(chan error, 1),
	}
	return p.submit(ctx, t)
}

// SubmitLocal builds, signs and admits a client-authored event. The
// raw template carries room_id (except for create events, where one is
// minted), sender, type, optional state_key and content.
func (p *Pipeline) SubmitLocal(ctx context.Context, template []byte) (string, error) {
	t := &task{
		ctx:      ctx,
		local:    true,
		raw:      template,
		resultCh: make(chan error, 1),
	}
	var tpl struct {
		RoomID string `json:"room_id"`
		Type   string `json:"type"`
	}
	if err := json.Unmarshal(template, &tpl); err != nil {
		return "", &RejectError{Reason: ReasonMalformed, Err: err}
	}
	if tpl.RoomID == "" {
		if tpl.Type != types.EventTypeCreate {
			return "", &RejectError{Reason: ReasonMalformed, Err: errors.New("template without room_id")}
		}
		roomID := "!" + uuid.New().String() + ":" + p.serverName
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(template, &doc); err != nil {
			return "", &RejectError{Reason: ReasonMalformed, Err: err}
		}
		doc["room_id"], _ = json.Marshal(roomID)
		withRoom, err := json.Marshal(doc)
		if err != nil {
			return "", err
		}
		t.raw = withRoom
		tpl.RoomID = roomID
	}
	t.roomID = tpl.RoomID
	if err := p.submit(ctx, t); err != nil {
		return "", err
	}
	return t.eventID, nil
}

func (p *Pipeline) submit(ctx context.Context, t *task) error {
	if t.roomID == "" {
		var probe struct {
			RoomID string `json:"room_id"`
		}
		if err := json.Unmarshal(t.raw, &probe); err != nil || probe.RoomID == "" {
			return &RejectError{Reason: ReasonMalformed, Err: errors.New("event without room_id")}
		}
		t.roomID = probe.RoomID
	}

	worker, err := p.workerFor(t.roomID)
	if err != nil {
		return err
	}
	if err := worker.enqueue(t); err != nil {
		return err
	}
	select {
	case err := <-t.resultCh:
		return err
	case <-ctx.Done():
		// The worker finishes the event regardless; the submitter just
		// stops waiting.
		return ctx.Err()
	}
}

func (p *Pipeline) workerFor(roomID string) (*roomWorker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return nil, ErrShuttingDown
	}
	w, ok := p.rooms[roomID]
	if !ok {
		w = newRoomWorker(p, roomID)
		p.rooms[roomID] = w
		p.wg.Add(1)
		go w.run()
	}
	return w, nil
}

// Stop drains every room queue and waits for the workers to exit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	workers := make([]*roomWorker, 0, len(p.rooms))
	for _, w := range p.rooms {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		w.closeIntake()
	}
	p.wg.Wait()
}

func (p *Pipeline) fatal(err error) {
	select {
	case p.fatalCh <- err:
	default:
	}
}
