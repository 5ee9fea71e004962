package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentoven/agentoven/playground/internal/api"
	"github.com/agentoven/agentoven/playground/internal/api/handlers"
	"github.com/agentoven/agentoven/playground/internal/cas"
	"github.com/agentoven/agentoven/playground/internal/config"
	"github.com/agentoven/agentoven/playground/internal/dispatcher"
	"github.com/agentoven/agentoven/playground/internal/loader"
	"github.com/agentoven/agentoven/playground/internal/playground"
	"github.com/agentoven/agentoven/playground/internal/store"
	"github.com/agentoven/agentoven/playground/internal/worker"
	"github.com/agentoven/agentoven/playground/pkg/models"
	"github.com/gorilla/websocket"
)

type testAPI struct {
	srv  *httptest.Server
	repo *store.MemoryRepository
	seed *models.Variant
}

// newTestAPI wires the engine against an in-memory repository and a fake
// workload that answers every test with the capital of the input country.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	workload := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body dispatcher.Payload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		out := "unknown"
		if body.Inputs["country"] == "France" {
			out = "Paris"
		}
		json.NewEncoder(w).Encode(map[string]string{"output": out})
	}))
	t.Cleanup(workload.Close)

	ctx := context.Background()
	repo := store.NewMemoryRepository("")
	seed := &models.Variant{
		Name:       "capitals",
		Parameters: map[string]interface{}{"prompt": "What is the capital of {{country}}?", "temperature": 0.2},
	}
	if err := repo.CreateVariant(ctx, seed); err != nil {
		t.Fatalf("CreateVariant() error = %v", err)
	}
	if err := repo.SetRouting(ctx, models.Routing{BaseURL: workload.URL}); err != nil {
		t.Fatalf("SetRouting() error = %v", err)
	}

	ps := playground.NewStore(cas.NewRegistry(), playground.WithMutator(repo))
	ld := loader.New(ps, repo)
	pool := worker.NewPool(worker.NewHTTPExecutor(5*time.Second), 2, 8)
	disp := dispatcher.New(ps, pool, dispatcher.WithTimeout(10*time.Second))
	sel := playground.NewSelectionSync(ps, store.SelectionWriter{Repo: repo}, 10*time.Millisecond, nil)

	h := handlers.New(ps, ld, disp, repo, sel)
	srv := httptest.NewServer(api.NewRouter(&config.Config{Version: "test"}, h))
	t.Cleanup(func() {
		srv.Close()
		sel.Close()
		disp.Close()
		pool.Close()
		ld.Close()
		ps.Close()
		repo.Close()
	})
	return &testAPI{srv: srv, repo: repo, seed: seed}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (a *testAPI) load(t *testing.T) handlers.StateView {
	t.Helper()
	var resp struct {
		State handlers.StateView `json:"state"`
	}
	if code := a.do(t, http.MethodPost, "/api/v1/playground/load", map[string]interface{}{"wait": true}, &resp); code != http.StatusOK {
		t.Fatalf("load status = %d", code)
	}
	return resp.State
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	var body map[string]string
	if code := a.do(t, http.MethodGet, "/health", nil, &body); code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("health = %v", body)
	}
}

func TestLoad_SelectsLatestAndSeedsRow(t *testing.T) {
	a := newTestAPI(t)
	st := a.load(t)

	if len(st.Variants) != 1 || st.Variants[0].ID != a.seed.ID {
		t.Fatalf("variants = %+v", st.Variants)
	}
	if len(st.InputKeys) != 1 || st.InputKeys[0] != "country" {
		t.Errorf("input keys = %v", st.InputKeys)
	}
	if len(st.Rows) != 1 {
		t.Fatalf("expected one seeded row, got %d", len(st.Rows))
	}
	if st.Variants[0].IsDirty {
		t.Error("freshly loaded variant should be clean")
	}
}

func TestRun_EndToEnd(t *testing.T) {
	a := newTestAPI(t)
	st := a.load(t)
	rowID := st.Rows[0].ID

	if code := a.do(t, http.MethodPut, "/api/v1/playground/rows/"+rowID+"/inputs/country", map[string]string{"value": "France"}, nil); code != http.StatusOK {
		t.Fatalf("set input status = %d", code)
	}

	var run struct {
		RequestIDs []string `json:"request_ids"`
	}
	if code := a.do(t, http.MethodPost, "/api/v1/playground/run", nil, &run); code != http.StatusAccepted {
		t.Fatalf("run status = %d", code)
	}
	if len(run.RequestIDs) != 1 {
		t.Fatalf("request ids = %v", run.RequestIDs)
	}

	var ref string
	eventually(t, func() bool {
		var cur handlers.StateView
		a.do(t, http.MethodGet, "/api/v1/playground/state", nil, &cur)
		r := cur.Rows[0].Runs[a.seed.ID]
		ref = r.Result
		return r.Running == "" && ref != ""
	})

	var res models.TestResult
	if code := a.do(t, http.MethodGet, "/api/v1/playground/results/"+ref, nil, &res); code != http.StatusOK {
		t.Fatalf("result status = %d", code)
	}
	if res.Output != "Paris" || res.Error != nil {
		t.Errorf("result = %+v", res)
	}
}

func TestEditCommitFlow(t *testing.T) {
	a := newTestAPI(t)
	a.load(t)
	base := "/api/v1/playground/variants/" + a.seed.ID

	var st handlers.StateView
	if code := a.do(t, http.MethodPatch, base+"/parameters", map[string]interface{}{"path": "temperature", "value": 0.9}, &st); code != http.StatusOK {
		t.Fatalf("patch status = %d", code)
	}
	if !st.Variants[0].IsDirty {
		t.Fatal("edited variant should be dirty")
	}

	var saved models.Variant
	if code := a.do(t, http.MethodPost, base+"/commit", nil, &saved); code != http.StatusOK {
		t.Fatalf("commit status = %d", code)
	}
	if saved.Revision != 2 || saved.ID == a.seed.ID {
		t.Fatalf("saved = %+v", saved)
	}

	a.do(t, http.MethodGet, "/api/v1/playground/state", nil, &st)
	if len(st.Selected) != 1 || st.Selected[0] != saved.ID {
		t.Errorf("selection should follow the new revision, got %v", st.Selected)
	}

	hist, err := a.repo.ListRevisions(context.Background(), a.seed.VariantID)
	if err != nil {
		t.Fatalf("ListRevisions() error = %v", err)
	}
	if len(hist) != 2 || hist[1].Parameters["temperature"] != 0.9 {
		t.Errorf("history = %+v", hist)
	}

	// The new selection is written back to the repository.
	eventually(t, func() bool {
		sel, _ := a.repo.GetSelection(context.Background())
		return len(sel) == 1 && sel[0] == saved.ID
	})
}

func TestErrorStatuses(t *testing.T) {
	a := newTestAPI(t)
	a.load(t)

	if code := a.do(t, http.MethodDelete, "/api/v1/playground/rows/ghost", nil, nil); code != http.StatusNotFound {
		t.Errorf("delete unknown row = %d, want 404", code)
	}
	if code := a.do(t, http.MethodPatch, "/api/v1/playground/variants/ghost/parameters", map[string]interface{}{"path": "x", "value": 1}, nil); code != http.StatusNotFound {
		t.Errorf("patch unknown variant = %d, want 404", code)
	}
	if code := a.do(t, http.MethodPost, "/api/v1/playground/run", dispatcher.Target{RowID: "ghost"}, nil); code != http.StatusNotFound {
		t.Errorf("run unknown row = %d, want 404", code)
	}
	if code := a.do(t, http.MethodGet, "/api/v1/playground/results/result:none", nil, nil); code != http.StatusNotFound {
		t.Errorf("unknown result = %d, want 404", code)
	}
	if code := a.do(t, http.MethodGet, "/api/v1/playground/subscribe?topic=nope", nil, nil); code != http.StatusBadRequest {
		t.Errorf("unknown topic = %d, want 400", code)
	}
}

func TestValidation(t *testing.T) {
	a := newTestAPI(t)
	a.load(t)

	tests := []struct {
		name, method, path string
		body               interface{}
	}{
		{"empty selection id", http.MethodPut, "/api/v1/playground/selection", map[string][]string{"ids": {""}}},
		{"missing parameter path", http.MethodPatch, "/api/v1/playground/variants/" + a.seed.ID + "/parameters", map[string]interface{}{"value": 1}},
		{"relative routing url", http.MethodPut, "/api/v1/backend/routing", map[string]string{"base_url": "/workload"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := a.do(t, tt.method, tt.path, tt.body, nil); code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", code)
			}
		})
	}
}

func TestBackendRoutes(t *testing.T) {
	a := newTestAPI(t)

	var created models.Variant
	if code := a.do(t, http.MethodPost, "/api/v1/backend/variants", models.Variant{Name: "second"}, &created); code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	var revs []models.Variant
	if code := a.do(t, http.MethodGet, "/api/v1/backend/variants/"+created.VariantID+"/revisions", nil, &revs); code != http.StatusOK {
		t.Fatalf("revisions status = %d", code)
	}
	if len(revs) != 1 || revs[0].ID != created.ID {
		t.Errorf("revisions = %+v", revs)
	}
	if code := a.do(t, http.MethodDelete, "/api/v1/backend/variants/ghost", nil, nil); code != http.StatusNotFound {
		t.Errorf("delete unknown = %d, want 404", code)
	}
}

func TestSubscribe_StreamsSelection(t *testing.T) {
	a := newTestAPI(t)
	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/api/v1/playground/subscribe?topic=selection"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first handlers.Message
	if err := ws.ReadJSON(&first); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if first.Topic != "selection" {
		t.Errorf("topic = %q", first.Topic)
	}

	a.load(t)

	var next struct {
		Topic string   `json:"topic"`
		Data  []string `json:"data"`
	}
	if err := ws.ReadJSON(&next); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if len(next.Data) != 1 || next.Data[0] != a.seed.ID {
		t.Errorf("selection pushed = %v", next.Data)
	}
}
