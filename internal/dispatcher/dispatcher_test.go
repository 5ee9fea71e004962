package dispatcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/agentoven/playground/internal/dispatcher"
	"github.com/agentoven/agentoven/playground/internal/metrics"
	"github.com/agentoven/agentoven/playground/internal/playground"
	"github.com/agentoven/agentoven/playground/pkg/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeBridge struct {
	mu      sync.Mutex
	posts   []dispatcher.RunRequest
	cancels []string
	postErr error
	results chan dispatcher.RunResult
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{results: make(chan dispatcher.RunResult)}
}

func (b *fakeBridge) Post(_ context.Context, req dispatcher.RunRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.postErr != nil {
		return b.postErr
	}
	b.posts = append(b.posts, req)
	return nil
}

func (b *fakeBridge) Cancel(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, id)
}

func (b *fakeBridge) Results() <-chan dispatcher.RunResult { return b.results }

func (b *fakeBridge) lastPost(t *testing.T) dispatcher.RunRequest {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.posts) == 0 {
		t.Fatal("nothing posted")
	}
	return b.posts[len(b.posts)-1]
}

func (b *fakeBridge) reply(req dispatcher.RunRequest, output string) {
	b.results <- dispatcher.RunResult{
		Type:      dispatcher.TypeRunResult,
		RequestID: req.RequestID,
		VariantID: req.VariantID,
		RowID:     req.RowID,
		MessageID: req.MessageID,
		Result:    &models.TestResult{Output: output, LatencyMs: 12},
	}
}

func setup(t *testing.T, vs []models.Variant, opts ...dispatcher.Option) (*playground.Store, *fakeBridge, *dispatcher.Dispatcher) {
	t.Helper()
	s := playground.NewStore(nil)
	b := newFakeBridge()
	d := dispatcher.New(s, b, opts...)
	t.Cleanup(func() {
		d.Close()
		s.Close()
	})

	ids := make([]string, len(vs))
	for i, v := range vs {
		ids[i] = v.ID
	}
	_, err := s.Mutate(context.Background(), playground.UpdateFunc(func(dr *playground.Draft) error {
		for _, v := range vs {
			if _, err := dr.PutVariant(v); err != nil {
				return err
			}
			dr.Adopt(v)
		}
		dr.Routing = models.Routing{BaseURL: "http://workload"}
		dr.Select(ids...)
		return nil
	}))
	if err != nil {
		t.Fatalf("seed error = %v", err)
	}
	return s, b, d
}

func completion(id string) models.Variant {
	return models.Variant{
		ID:         id,
		VariantID:  "cfg",
		Revision:   1,
		Parameters: map[string]interface{}{"prompt": "Capital of {{country}}?"},
	}
}

func chat(id string) models.Variant {
	v := completion(id)
	v.IsChat = true
	return v
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func rowRun(s *playground.Store, variantID string) models.Run {
	st := s.Snapshot()
	if len(st.Rows) == 0 {
		return models.Run{}
	}
	return st.Rows[0].Runs[variantID]
}

func TestRun_ResultApplied(t *testing.T) {
	s, b, d := setup(t, []models.Variant{completion("v1")})
	ctx := context.Background()

	ids, err := d.Run(ctx, dispatcher.Target{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ids))
	}
	if rowRun(s, "v1").Running != ids[0] {
		t.Fatalf("run not marked running: %+v", rowRun(s, "v1"))
	}

	req := b.lastPost(t)
	if req.Type != dispatcher.TypeRunRequest || req.Context.BaseURL != "http://workload" {
		t.Errorf("unexpected request envelope: %+v", req)
	}
	var p dispatcher.Payload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := p.Inputs["country"]; !ok {
		t.Errorf("expected country input in payload, got %v", p.Inputs)
	}

	b.reply(req, "Paris")
	eventually(t, func() bool { return rowRun(s, "v1").Result != "" })

	res, ok := s.Snapshot().Result(rowRun(s, "v1").Result)
	if !ok || res.Output != "Paris" {
		t.Errorf("unexpected result: %+v", res)
	}
	if d.Outstanding() != 0 {
		t.Errorf("expected empty outstanding table, got %d", d.Outstanding())
	}
}

func TestCancel_LateResultDiscarded(t *testing.T) {
	s, b, d := setup(t, []models.Variant{completion("v1"), completion("v2")})
	ctx := context.Background()

	if _, err := d.Run(ctx, dispatcher.Target{VariantID: "v1"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	stale := b.lastPost(t)

	n, err := d.Cancel(ctx, dispatcher.Target{VariantID: "v1"})
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cancelled run, got %d", n)
	}
	if run := rowRun(s, "v1"); run.Running != "" || run.Result != "" {
		t.Fatalf("expected cleared run, got %+v", run)
	}

	// The late result is consumed before the next one.
	b.reply(stale, "too late")
	if _, err := d.Run(ctx, dispatcher.Target{VariantID: "v2"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	b.reply(b.lastPost(t), "on time")
	eventually(t, func() bool { return rowRun(s, "v2").Result != "" })

	if run := rowRun(s, "v1"); run.Running != "" || run.Result != "" {
		t.Errorf("late result applied to cancelled run: %+v", run)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.cancels) != 1 || b.cancels[0] != stale.RequestID {
		t.Errorf("expected worker cancel for %s, got %v", stale.RequestID, b.cancels)
	}
}

func TestRun_ClearedRecordDiscardsResultQuietly(t *testing.T) {
	s, b, d := setup(t, []models.Variant{completion("v1")})
	ctx := context.Background()

	if _, err := d.Run(ctx, dispatcher.Target{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	req := b.lastPost(t)

	// The record is reset behind the dispatcher's back.
	if _, err := s.Mutate(ctx, playground.UpdateFunc(func(dr *playground.Draft) error {
		row, err := dr.GenerationRow(req.RowID)
		if err != nil {
			return err
		}
		delete(row.Runs, req.VariantID)
		return nil
	})); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	stale := testutil.ToFloat64(metrics.ResultsDiscarded.WithLabelValues("stale"))
	dropped := testutil.ToFloat64(metrics.Mutations.WithLabelValues("dropped"))

	b.reply(req, "orphan")
	eventually(t, func() bool { return d.Outstanding() == 0 })
	eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ResultsDiscarded.WithLabelValues("stale"))-stale == 1
	})

	if got := testutil.ToFloat64(metrics.Mutations.WithLabelValues("dropped")) - dropped; got != 0 {
		t.Errorf("stale result counted as dropped mutation (%v)", got)
	}
	if run := rowRun(s, "v1"); run.Result != "" {
		t.Errorf("stale result applied: %+v", run)
	}
}

func TestRun_RerunDiscardsPreviousRequest(t *testing.T) {
	s, b, d := setup(t, []models.Variant{completion("v1")})
	ctx := context.Background()

	if _, err := d.Run(ctx, dispatcher.Target{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	first := b.lastPost(t)
	if _, err := d.Run(ctx, dispatcher.Target{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	second := b.lastPost(t)

	b.reply(first, "old")
	b.reply(second, "new")
	eventually(t, func() bool { return rowRun(s, "v1").Result != "" })

	res, _ := s.Snapshot().Result(rowRun(s, "v1").Result)
	if res.Output != "new" {
		t.Errorf("expected the latest request to win, got %q", res.Output)
	}
}

func TestRun_WorkerErrorBecomesErrorResult(t *testing.T) {
	s, b, d := setup(t, []models.Variant{completion("v1")})

	if _, err := d.Run(context.Background(), dispatcher.Target{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	req := b.lastPost(t)
	b.results <- dispatcher.RunResult{
		Type:      dispatcher.TypeRunResult,
		RequestID: req.RequestID,
		VariantID: req.VariantID,
		RowID:     req.RowID,
		Error:     "upstream 500",
	}
	eventually(t, func() bool { return rowRun(s, "v1").Result != "" })

	res, _ := s.Snapshot().Result(rowRun(s, "v1").Result)
	if res.Error == nil || res.Error.Message != "upstream 500" {
		t.Errorf("expected error result, got %+v", res)
	}
}

func TestRun_MismatchedTripleDiscarded(t *testing.T) {
	s, b, d := setup(t, []models.Variant{completion("v1")})

	if _, err := d.Run(context.Background(), dispatcher.Target{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	req := b.lastPost(t)
	wrong := req
	wrong.RowID = "someone-else"
	b.reply(wrong, "misrouted")
	b.reply(req, "right")
	eventually(t, func() bool { return rowRun(s, "v1").Result != "" })

	res, _ := s.Snapshot().Result(rowRun(s, "v1").Result)
	if res.Output != "right" {
		t.Errorf("expected the matching result, got %q", res.Output)
	}
}

func TestRun_UnserializableRequestIsTerminal(t *testing.T) {
	v := completion("v1")
	v.Parameters["temperature"] = math.Inf(1)
	s, b, d := setup(t, []models.Variant{v})

	ids, err := d.Run(context.Background(), dispatcher.Target{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected nothing dispatched, got %v", ids)
	}
	b.mu.Lock()
	posted := len(b.posts)
	b.mu.Unlock()
	if posted != 0 {
		t.Errorf("expected no posts, got %d", posted)
	}

	run := rowRun(s, "v1")
	if run.Running != "" || run.Result == "" {
		t.Fatalf("expected terminal error record, got %+v", run)
	}
	res, _ := s.Snapshot().Result(run.Result)
	if res.Error == nil {
		t.Error("expected error result")
	}
}

func TestRun_PostFailureIsTerminal(t *testing.T) {
	s, b, d := setup(t, []models.Variant{completion("v1")})
	b.postErr = errors.New("queue full")

	if _, err := d.Run(context.Background(), dispatcher.Target{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	run := rowRun(s, "v1")
	if run.Running != "" || run.Result == "" {
		t.Fatalf("expected terminal error record, got %+v", run)
	}
}

func TestRun_Timeout(t *testing.T) {
	s, b, d := setup(t, []models.Variant{completion("v1")}, dispatcher.WithTimeout(20*time.Millisecond))

	if _, err := d.Run(context.Background(), dispatcher.Target{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	eventually(t, func() bool { return rowRun(s, "v1").Result != "" })

	res, _ := s.Snapshot().Result(rowRun(s, "v1").Result)
	if res.Error == nil || res.Error.Message != "run timed out" {
		t.Errorf("expected timeout result, got %+v", res)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.cancels) != 1 {
		t.Errorf("expected worker cancel on timeout, got %v", b.cancels)
	}
}

func TestRun_NoTargets(t *testing.T) {
	_, _, d := setup(t, nil)
	if _, err := d.Run(context.Background(), dispatcher.Target{}); !errors.Is(err, dispatcher.ErrNoTargets) {
		t.Fatalf("expected ErrNoTargets, got %v", err)
	}
}

func TestRun_UnknownRow(t *testing.T) {
	_, _, d := setup(t, []models.Variant{completion("v1")})
	if _, err := d.Run(context.Background(), dispatcher.Target{RowID: "ghost"}); !errors.Is(err, playground.ErrUnknownRow) {
		t.Fatalf("expected ErrUnknownRow, got %v", err)
	}
}

func TestChat_CompletingLastTurnAppendsOneTurn(t *testing.T) {
	s, b, d := setup(t, []models.Variant{chat("v1")})
	ctx := context.Background()
	rowID := s.Snapshot().Messages[0].ID

	if _, _, err := s.AddTurn(ctx, rowID, "hello"); err != nil {
		t.Fatalf("AddTurn() error = %v", err)
	}
	if _, err := d.Run(ctx, dispatcher.Target{RowID: rowID}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	b.reply(b.lastPost(t), "hi, how can I help?")
	eventually(t, func() bool { return len(s.Snapshot().Messages[0].History) == 2 })

	// Two turns: the answered one and a second question.
	if _, _, err := s.AddTurn(ctx, rowID, "what is the capital of France?"); err != nil {
		t.Fatalf("AddTurn() error = %v", err)
	}
	if n := len(s.Snapshot().Messages[0].History); n != 2 {
		t.Fatalf("expected 2 turns before the run, got %d", n)
	}

	if _, err := d.Run(ctx, dispatcher.Target{RowID: rowID}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	req := b.lastPost(t)
	var p dispatcher.Payload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(p.Messages) != 3 || p.Messages[1].Role != playground.RoleAssistant {
		t.Errorf("expected user/assistant/user history, got %+v", p.Messages)
	}

	b.reply(req, "Paris")
	eventually(t, func() bool {
		h := s.Snapshot().Messages[0].History
		return len(h) > 1 && h[1].Runs["v1"].Result != ""
	})

	h := s.Snapshot().Messages[0].History
	if len(h) != 3 {
		t.Fatalf("expected exactly one appended turn, got %d turns", len(h))
	}
	if !h[2].IsPlaceholder() || h[2].Role != playground.RoleUser {
		t.Errorf("expected empty user turn, got %+v", h[2])
	}
}

func TestChat_SelectionSwitchDuringRunStillCompletes(t *testing.T) {
	s, b, d := setup(t, []models.Variant{chat("v1"), chat("v2")}, dispatcher.WithTimeout(time.Minute))
	ctx := context.Background()
	if _, err := s.SetSelection(ctx, []string{"v1"}); err != nil {
		t.Fatalf("SetSelection() error = %v", err)
	}
	rowID := s.Snapshot().Messages[0].ID
	if _, _, err := s.AddTurn(ctx, rowID, "hello"); err != nil {
		t.Fatalf("AddTurn() error = %v", err)
	}
	if _, err := d.Run(ctx, dispatcher.Target{RowID: rowID}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	req := b.lastPost(t)

	// Switching the slot while the request is in flight must not orphan it.
	if _, err := s.SetSelection(ctx, []string{"v2"}); err != nil {
		t.Fatalf("SetSelection() error = %v", err)
	}
	b.reply(req, "hi")

	eventually(t, func() bool {
		return s.Snapshot().Messages[0].History[0].Runs["v1"].Result != ""
	})
	runs := s.Snapshot().Messages[0].History[0].Runs
	if r, ok := runs["v2"]; ok && r.Running != "" {
		t.Errorf("run under v2 left running: %+v", runs)
	}
	if n := d.Outstanding(); n != 0 {
		t.Errorf("outstanding = %d, want 0", n)
	}
}
