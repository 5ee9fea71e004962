// Package loader fetches remote configuration in two phases. The priority
// phase loads what the user is looking at and makes it interactive; the
// background phase fills in the rest of the revision index and merges it.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentoven/agentoven/playground/internal/metrics"
	"github.com/agentoven/agentoven/playground/internal/playground"
	"github.com/agentoven/agentoven/playground/internal/remote"
	"github.com/agentoven/agentoven/playground/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("loader")

// ErrSuperseded is returned when a newer cycle started before this one
// could publish.
var ErrSuperseded = errors.New("load cycle superseded")

// Loader drives load cycles against one store.
type Loader struct {
	store     *playground.Store
	fetcher   remote.Fetcher
	schemas   remote.SchemaFetcher
	schemaURI string
	group     singleflight.Group

	mu       sync.Mutex
	cycle    uint64
	cancelBg context.CancelFunc
}

// Option configures a Loader.
type Option func(*Loader)

// WithSchemaURI fetches the schema descriptor of uri alongside the priority
// entities. Requires a fetcher that also implements remote.SchemaFetcher.
func WithSchemaURI(uri string) Option {
	return func(l *Loader) { l.schemaURI = uri }
}

// New creates a loader and installs it as the store's revalidator.
func New(store *playground.Store, f remote.Fetcher, opts ...Option) *Loader {
	l := &Loader{store: store, fetcher: f}
	if sf, ok := f.(remote.SchemaFetcher); ok {
		l.schemas = sf
	}
	for _, opt := range opts {
		opt(l)
	}
	store.SetRevalidator(func(ctx context.Context) {
		if _, err := l.Load(ctx, store.Snapshot().Selected); err != nil {
			log.Warn().Err(err).Msg("Revalidation failed")
		}
	})
	return l
}

// Cycle is one load cycle. Done is closed once the background phase has
// finished, failed or been cancelled.
type Cycle struct {
	ID   uint64
	done chan struct{}

	mu    sync.Mutex
	bgErr error
}

// Done is closed when the background phase ends.
func (c *Cycle) Done() <-chan struct{} { return c.done }

// Wait blocks until the background phase ends and returns its error.
func (c *Cycle) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.bgErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cycle) finish(err error) {
	c.mu.Lock()
	c.bgErr = err
	c.mu.Unlock()
	close(c.done)
}

// Load starts a cycle for ids. It returns after the priority phase has been
// published; the background phase continues on its own. An empty ids loads
// the most recent revision.
//
// A priority failure is fatal to the cycle: it is published as the state's
// error and returned.
func (l *Loader) Load(ctx context.Context, ids []string) (*Cycle, error) {
	l.mu.Lock()
	l.cycle++
	c := &Cycle{ID: l.cycle, done: make(chan struct{})}
	if l.cancelBg != nil {
		l.cancelBg()
	}
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancelBg = cancel
	l.mu.Unlock()

	ctx, span := tracer.Start(ctx, "loader.priority",
		trace.WithAttributes(
			attribute.Int64("load.cycle", int64(c.ID)),
			attribute.Int("load.ids", len(ids)),
		))
	defer span.End()

	noErr := ""
	l.publishPhase(ctx, c, models.LoadPriorityFetching, &noErr)

	resp, schema, err := l.fetchPriority(ctx, ids)
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.LoadCycles.WithLabelValues("priority", "error").Inc()
		msg := fmt.Sprintf("failed to load configuration: %v", err)
		l.publishPhase(context.WithoutCancel(ctx), c, models.LoadIdle, &msg)
		c.finish(err)
		return c, err
	}

	loaded, err := l.publishPriority(ctx, c, ids, resp, schema)
	if err != nil {
		cancel()
		c.finish(err)
		return c, err
	}
	metrics.LoadCycles.WithLabelValues("priority", "ok").Inc()
	log.Info().Uint64("cycle", c.ID).Int("entities", len(loaded)).Msg("Priority load ready")

	go l.background(trace.ContextWithSpan(bgCtx, span), c, loaded)
	return c, nil
}

// Close cancels any in-flight background phase.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelBg != nil {
		l.cancelBg()
		l.cancelBg = nil
	}
}

func (l *Loader) current(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cycle == id
}

func (l *Loader) fetchPriority(ctx context.Context, ids []string) (*remote.FetchResponse, *models.Schema, error) {
	req := remote.FetchRequest{IDs: ids}
	if len(ids) == 0 {
		req.Limit = 1
	}

	var (
		resp   *remote.FetchResponse
		schema *models.Schema
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := l.fetcher.Fetch(gctx, req)
		if err != nil {
			return fmt.Errorf("fetch entities: %w", err)
		}
		resp = r
		return nil
	})
	if l.schemas != nil && l.schemaURI != "" {
		g.Go(func() error {
			sc, err := l.fetchSchema(gctx, l.schemaURI)
			if err != nil {
				return fmt.Errorf("fetch schema: %w", err)
			}
			schema = sc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if resp == nil {
		resp = &remote.FetchResponse{}
	}
	if schema == nil {
		schema = resp.Schema
	}
	return resp, schema, nil
}

// fetchSchema collapses concurrent fetches of the same descriptor.
func (l *Loader) fetchSchema(ctx context.Context, uri string) (*models.Schema, error) {
	v, err, shared := l.group.Do(uri, func() (interface{}, error) {
		return l.schemas.FetchSchema(ctx, uri)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Str("uri", uri).Msg("Schema fetch shared")
	}
	return v.(*models.Schema), nil
}

func (l *Loader) publishPhase(ctx context.Context, c *Cycle, phase models.LoadPhase, errMsg *string) {
	_, err := l.store.Mutate(ctx, playground.UpdateFunc(func(d *playground.Draft) error {
		if !l.current(c.ID) {
			return ErrSuperseded
		}
		d.Load = models.LoadStatus{Phase: phase, Cycle: c.ID}
		if errMsg != nil {
			d.Error = *errMsg
		}
		return nil
	}), playground.WithLabel("load_phase"))
	if err != nil && !errors.Is(err, ErrSuperseded) {
		log.Debug().Err(err).Str("phase", string(phase)).Msg("Load phase not published")
	}
}

func (l *Loader) publishPriority(ctx context.Context, c *Cycle, ids []string, resp *remote.FetchResponse, schema *models.Schema) ([]string, error) {
	var loaded []string
	_, err := l.store.Mutate(ctx, playground.UpdateFunc(func(d *playground.Draft) error {
		if !l.current(c.ID) {
			return ErrSuperseded
		}
		merged, err := mergeRevisions(d, resp.Variants)
		if err != nil {
			return err
		}
		for _, v := range resp.Variants {
			if err := applyIncoming(d, latestFlag(merged, v)); err != nil {
				return err
			}
			loaded = append(loaded, v.ID)
		}
		if schema != nil {
			if err := d.PutSchema(*schema); err != nil {
				return err
			}
		}
		if resp.Routing != nil {
			d.Routing = *resp.Routing
		}

		sel := ids
		if len(sel) == 0 {
			sel = loaded
		}
		d.Select(sel...)
		d.Load = models.LoadStatus{Phase: models.LoadPriorityReady, Cycle: c.ID}
		d.Error = ""
		return nil
	}), playground.WithLabel("load_priority"))
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 && len(loaded) < len(ids) {
		log.Warn().Int("requested", len(ids)).Int("received", len(loaded)).Msg("Partial priority load")
	}
	return loaded, nil
}

func (l *Loader) background(ctx context.Context, c *Cycle, loaded []string) {
	ctx, span := tracer.Start(ctx, "loader.background",
		trace.WithAttributes(attribute.Int64("load.cycle", int64(c.ID))))
	defer span.End()

	l.publishPhase(ctx, c, models.LoadBackgroundFetching, nil)

	start := time.Now()
	resp, err := l.fetcher.Fetch(ctx, remote.FetchRequest{Exclude: loaded})
	if err != nil {
		if ctx.Err() == nil {
			// Swallowed: the priority snapshot stays usable.
			log.Warn().Err(err).Uint64("cycle", c.ID).Msg("Background load failed")
			metrics.LoadCycles.WithLabelValues("background", "error").Inc()
			span.RecordError(err)
			l.publishPhase(ctx, c, models.LoadPriorityReady, nil)
		} else {
			metrics.LoadCycles.WithLabelValues("background", "cancelled").Inc()
		}
		c.finish(err)
		return
	}

	_, err = l.store.Mutate(ctx, playground.UpdateFunc(func(d *playground.Draft) error {
		if !l.current(c.ID) {
			return ErrSuperseded
		}
		merged, err := mergeRevisions(d, resp.Variants)
		if err != nil {
			return err
		}
		for _, v := range merged {
			if _, tracked := d.Entities[v.ID]; !tracked {
				continue
			}
			if err := applyIncoming(d, v); err != nil {
				return err
			}
		}
		if resp.Routing != nil && d.Routing.BaseURL == "" {
			d.Routing = *resp.Routing
		}
		d.Load = models.LoadStatus{Phase: models.LoadMerged, Cycle: c.ID}
		return nil
	}), playground.WithLabel("load_merge"))
	if err != nil {
		if !errors.Is(err, ErrSuperseded) && ctx.Err() == nil {
			log.Warn().Err(err).Uint64("cycle", c.ID).Msg("Background merge dropped")
			metrics.LoadCycles.WithLabelValues("background", "error").Inc()
		}
		c.finish(err)
		return
	}

	metrics.LoadCycles.WithLabelValues("background", "ok").Inc()
	log.Info().
		Uint64("cycle", c.ID).
		Int("revisions", len(resp.Variants)).
		Dur("duration", time.Since(start)).
		Msg("Background load merged")
	c.finish(nil)
}

// mergeRevisions folds incoming into the revision index and returns the
// merged set.
func mergeRevisions(d *playground.Draft, incoming []models.Variant) ([]models.Variant, error) {
	existing := make([]models.Variant, 0, len(d.Revisions))
	for _, r := range d.Revisions {
		if v, ok := d.Revision(r); ok {
			existing = append(existing, v)
		}
	}
	merged := Merge(existing, incoming)

	refs := make([]models.RevisionRef, len(merged))
	for i, v := range merged {
		ref, err := d.PutRevision(v)
		if err != nil {
			return nil, fmt.Errorf("store revision %s: %w", v.ID, err)
		}
		refs[i] = revisionRef(v, ref)
	}
	d.Revisions = refs

	// Local copies carry the volatile latest flag of the merged index.
	for _, v := range merged {
		local, ok := d.Variant(v.ID)
		if !ok || d.Entities[v.ID] == "" || local.IsLatestRevision == v.IsLatestRevision {
			continue
		}
		local.IsLatestRevision = v.IsLatestRevision
		if _, err := d.PutVariant(local); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// applyIncoming replaces the local copy of v unless it holds unsynced edits
// and v is not newer than the copy they were made against.
func applyIncoming(d *playground.Draft, v models.Variant) error {
	if b, ok := d.Baselines[v.ID]; ok && d.Dirty[v.ID] && !b.Newer(v) {
		return nil
	}
	if _, err := d.PutVariant(v); err != nil {
		return fmt.Errorf("store entity %s: %w", v.ID, err)
	}
	d.Adopt(v)
	return nil
}

func latestFlag(merged []models.Variant, v models.Variant) models.Variant {
	for _, m := range merged {
		if m.ID == v.ID {
			v.IsLatestRevision = m.IsLatestRevision
			return v
		}
	}
	return v
}
