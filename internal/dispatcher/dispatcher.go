// Package dispatcher fans test runs out to the worker boundary and folds
// their results back into the playground state.
//
// Every run gets a fresh request id that is written to its Run record.
// A result is only applied while the record still carries that id, so
// results for cancelled, expired or re-run requests are discarded.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentoven/agentoven/playground/internal/metrics"
	"github.com/agentoven/agentoven/playground/internal/playground"
	"github.com/agentoven/agentoven/playground/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("dispatcher")

var (
	// ErrNoTargets is returned when a run resolves to no (variant, row) pair.
	ErrNoTargets = errors.New("no runnable targets")

	errStale = fmt.Errorf("stale result: %w", playground.ErrSkip)
)

// Target narrows a run or cancel. Empty fields mean every active variant or
// every row.
type Target struct {
	RowID     string `json:"row_id,omitempty"`
	VariantID string `json:"variant_id,omitempty"`
}

// key is the (variant, row, message) triple of one Run record.
type key struct {
	VariantID string
	RowID     string
	MessageID string
}

type outstanding struct {
	key   key
	timer *time.Timer
	start time.Time
}

// Dispatcher owns the outstanding-request table.
type Dispatcher struct {
	store   *playground.Store
	bridge  Bridge
	token   string
	timeout time.Duration
	newID   func() string

	mu      sync.Mutex
	pending map[string]*outstanding

	doneCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithToken sets the bearer token forwarded to workers.
func WithToken(token string) Option {
	return func(d *Dispatcher) { d.token = token }
}

// WithTimeout expires runs that have not reported after t. Zero disables.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// New creates a dispatcher and starts consuming bridge results.
func New(store *playground.Store, bridge Bridge, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		bridge:  bridge,
		newID:   uuid.NewString,
		pending: make(map[string]*outstanding),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(1)
	go d.consume()
	return d
}

// Close stops consuming results and drops all timers.
func (d *Dispatcher) Close() {
	select {
	case <-d.doneCh:
		return
	default:
	}
	close(d.doneCh)
	d.wg.Wait()

	d.mu.Lock()
	for id, o := range d.pending {
		if o.timer != nil {
			o.timer.Stop()
		}
		delete(d.pending, id)
	}
	d.mu.Unlock()
}

// Outstanding returns how many requests are awaiting a result.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run starts a test run for every (variant, row) pair in t and returns the
// request ids. It does not wait for results.
func (d *Dispatcher) Run(ctx context.Context, t Target) ([]string, error) {
	ctx, span := tracer.Start(ctx, "dispatcher.run",
		trace.WithAttributes(
			attribute.String("run.row", t.RowID),
			attribute.String("run.variant", t.VariantID),
		))
	defer span.End()

	var reqs []RunRequest
	var superseded []string
	_, err := d.store.Mutate(ctx, playground.UpdateFunc(func(dr *playground.Draft) error {
		reqs, superseded = reqs[:0], superseded[:0]
		plan, err := resolve(dr, t)
		if err != nil {
			return err
		}
		for _, p := range plan {
			if prev := getRun(dr.State, p.key).Running; prev != "" {
				superseded = append(superseded, prev)
			}
			req, err := d.prepare(dr, p)
			if err != nil {
				// Unserializable request: terminal error, never stuck running.
				ref, perr := dr.PutResult(models.ErrorResult("failed to build request", err.Error()))
				if perr != nil {
					return perr
				}
				setRun(dr, p.key, models.Run{Result: ref})
				metrics.RunsCompleted.WithLabelValues(string(models.RunError)).Inc()
				continue
			}
			setRun(dr, p.key, models.Run{Running: req.RequestID})
			reqs = append(reqs, req)
		}
		return nil
	}), playground.WithLabel("run"))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, id := range superseded {
		d.untrack(id)
		d.bridge.Cancel(id)
	}

	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		d.track(req)
		if err := d.bridge.Post(ctx, req); err != nil {
			log.Warn().Err(err).Str("request_id", req.RequestID).Msg("Run dispatch failed")
			d.fail(req.RequestID, models.ErrorResult("failed to dispatch run", err.Error()))
			continue
		}
		metrics.RunsDispatched.Inc()
		ids = append(ids, req.RequestID)
	}
	span.SetAttributes(attribute.Int("run.dispatched", len(ids)))
	log.Debug().Int("requests", len(ids)).Str("row", t.RowID).Str("variant", t.VariantID).Msg("Runs dispatched")
	return ids, nil
}

// Cancel stops waiting on every running record in t. Workers are told to
// stop, but a result that still arrives is discarded.
func (d *Dispatcher) Cancel(ctx context.Context, t Target) (int, error) {
	var cancelled []string
	_, err := d.store.Mutate(ctx, playground.UpdateFunc(func(dr *playground.Draft) error {
		cancelled = cancelled[:0]
		plan, err := resolve(dr, t)
		if err != nil && !errors.Is(err, ErrNoTargets) {
			return err
		}
		for _, p := range plan {
			run := getRun(dr.State, p.key)
			if run.Running == "" {
				continue
			}
			cancelled = append(cancelled, run.Running)
			setRun(dr, p.key, models.Run{})
		}
		return nil
	}), playground.WithLabel("cancel"))
	if err != nil {
		return 0, err
	}

	for _, id := range cancelled {
		d.untrack(id)
		d.bridge.Cancel(id)
		metrics.RunsCompleted.WithLabelValues(string(models.RunCancelled)).Inc()
	}
	return len(cancelled), nil
}

func (d *Dispatcher) consume() {
	defer d.wg.Done()
	results := d.bridge.Results()
	for {
		select {
		case <-d.doneCh:
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			d.handle(res)
		}
	}
}

func (d *Dispatcher) handle(res RunResult) {
	d.mu.Lock()
	o, ok := d.pending[res.RequestID]
	if ok {
		if o.key != (key{res.VariantID, res.RowID, res.MessageID}) {
			d.mu.Unlock()
			d.discard(res.RequestID, "mismatch")
			return
		}
		delete(d.pending, res.RequestID)
		if o.timer != nil {
			o.timer.Stop()
		}
	}
	d.mu.Unlock()
	if !ok {
		d.discard(res.RequestID, "unknown")
		return
	}

	var result models.TestResult
	switch {
	case res.Error != "":
		result = models.ErrorResult(res.Error, "")
	case res.Result != nil:
		result = *res.Result
	default:
		result = models.ErrorResult("worker returned no result", "")
	}
	if result.LatencyMs == 0 {
		result.LatencyMs = time.Since(o.start).Milliseconds()
	}
	d.complete(o.key, res.RequestID, result)
}

// fail completes a tracked request locally.
func (d *Dispatcher) fail(requestID string, result models.TestResult) {
	d.mu.Lock()
	o, ok := d.pending[requestID]
	delete(d.pending, requestID)
	d.mu.Unlock()
	if !ok {
		return
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	d.complete(o.key, requestID, result)
}

func (d *Dispatcher) expire(requestID string) {
	log.Warn().Str("request_id", requestID).Dur("timeout", d.timeout).Msg("Run timed out")
	d.bridge.Cancel(requestID)
	d.fail(requestID, models.ErrorResult("run timed out", fmt.Sprintf("no result after %s", d.timeout)))
}

// complete writes the result into the Run record if it still belongs to
// requestID.
func (d *Dispatcher) complete(k key, requestID string, result models.TestResult) {
	// Cheap pre-check; the gate is repeated inside the mutation.
	if getRun(d.store.Snapshot(), k).Running != requestID {
		d.discard(requestID, "stale")
		return
	}
	_, err := d.store.Mutate(context.Background(), playground.UpdateFunc(func(dr *playground.Draft) error {
		if getRun(dr.State, k).Running != requestID {
			return errStale
		}
		ref, err := dr.PutResult(result)
		if err != nil {
			return err
		}
		setRun(dr, k, models.Run{Result: ref})
		if k.MessageID != "" {
			if row, err := dr.MessageRowRef(k.RowID); err == nil && isLastTurn(row, k.MessageID) {
				playground.EnsureTrailingTurn(row)
			}
		}
		return nil
	}), playground.WithLabel("run_result"))
	if errors.Is(err, errStale) {
		d.discard(requestID, "stale")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("Run result not applied")
		return
	}
	status := models.RunComplete
	if result.Error != nil {
		status = models.RunError
	}
	metrics.RunsCompleted.WithLabelValues(string(status)).Inc()
}

func (d *Dispatcher) discard(requestID, reason string) {
	metrics.ResultsDiscarded.WithLabelValues(reason).Inc()
	log.Debug().Str("request_id", requestID).Str("reason", reason).Msg("Run result discarded")
}

func (d *Dispatcher) track(req RunRequest) {
	o := &outstanding{
		key:   key{req.VariantID, req.RowID, req.MessageID},
		start: time.Now(),
	}
	if d.timeout > 0 {
		id := req.RequestID
		o.timer = time.AfterFunc(d.timeout, func() { d.expire(id) })
	}
	d.mu.Lock()
	d.pending[req.RequestID] = o
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.pending[requestID]; ok {
		if o.timer != nil {
			o.timer.Stop()
		}
		delete(d.pending, requestID)
	}
}

func (d *Dispatcher) prepare(dr *playground.Draft, p pair) (RunRequest, error) {
	payload := Payload{
		VariantID:  p.variant.ID,
		Revision:   p.variant.Revision,
		Parameters: p.variant.Parameters,
		Inputs:     p.inputs,
		Messages:   p.messages,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return RunRequest{}, fmt.Errorf("encode payload: %w", err)
	}

	rc := RunContext{
		BaseURL: dr.Routing.BaseURL,
		Headers: dr.Routing.Headers,
		Token:   d.token,
	}
	if p.variant.URI != "" {
		rc.BaseURL = p.variant.URI
	}
	if sc, ok := dr.Schema(); ok {
		rc.SchemaURI = sc.URI
	}
	return RunRequest{
		Type:      TypeRunRequest,
		RequestID: d.newID(),
		VariantID: p.key.VariantID,
		RowID:     p.key.RowID,
		MessageID: p.key.MessageID,
		Payload:   body,
		Context:   rc,
	}, nil
}
