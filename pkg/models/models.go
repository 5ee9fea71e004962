package models

import (
	"encoding/json"
	"time"
)

// ── Variant (Entity / Revision) ─────────────────────────────

// Variant is one revision of a parameterized workload under test.
//
// VariantID groups revisions of the same configuration. Among revisions that
// share a VariantID exactly one has IsLatestRevision set: the one with the
// greatest CreatedAt. Revision numbers are assigned out of band and are not
// used to pick the latest.
type Variant struct {
	ID         string                 `json:"id"`
	VariantID  string                 `json:"variant_id"`
	Name       string                 `json:"name"`
	Revision   int                    `json:"revision"`
	URI        string                 `json:"uri,omitempty"` // routing base for test runs
	Parameters map[string]interface{} `json:"parameters"`
	IsChat     bool                   `json:"is_chat"`
	IsCustom   bool                   `json:"is_custom"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"` // source timestamp from the remote

	// Volatile bookkeeping. Excluded from value hashing.
	IsMutating       bool `json:"is_mutating,omitempty"`
	IsLatestRevision bool `json:"is_latest_revision"`
}

// VariantValue is the projection of a Variant that participates in equality.
type VariantValue struct {
	ID         string                 `json:"id"`
	VariantID  string                 `json:"variant_id"`
	Name       string                 `json:"name"`
	Revision   int                    `json:"revision"`
	URI        string                 `json:"uri,omitempty"`
	Parameters map[string]interface{} `json:"parameters"`
	IsChat     bool                   `json:"is_chat"`
	IsCustom   bool                   `json:"is_custom"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Value strips volatile fields.
func (v Variant) Value() VariantValue {
	return VariantValue{
		ID:         v.ID,
		VariantID:  v.VariantID,
		Name:       v.Name,
		Revision:   v.Revision,
		URI:        v.URI,
		Parameters: v.Parameters,
		IsChat:     v.IsChat,
		IsCustom:   v.IsCustom,
		CreatedAt:  v.CreatedAt,
		UpdatedAt:  v.UpdatedAt,
	}
}

// Clone returns a deep copy. Parameters are copied recursively so the clone
// can be edited without touching values already held by the CAS.
func (v Variant) Clone() Variant {
	cp := v
	cp.Parameters = CloneTree(v.Parameters)
	return cp
}

// CloneTree deep-copies a JSON-shaped parameter tree.
func CloneTree(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneTree(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case json.RawMessage:
		out := make(json.RawMessage, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// RevisionRef is the lightweight index entry kept for every known revision,
// selected or not.
type RevisionRef struct {
	ID               string    `json:"id"`
	VariantID        string    `json:"variant_id"`
	Name             string    `json:"name"`
	Revision         int       `json:"revision"`
	CreatedAt        time.Time `json:"created_at"`
	IsLatestRevision bool      `json:"is_latest_revision"`
	Ref              string    `json:"ref"` // CAS snapshot reference
}

// ── Schema / Routing ────────────────────────────────────────

// Schema describes the inputs a workload accepts. Custom workloads declare
// their inputs here instead of through prompt placeholders.
type Schema struct {
	URI        string                 `json:"uri,omitempty"`
	Inputs     []string               `json:"inputs,omitempty"`
	IsChat     bool                   `json:"is_chat"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Routing tells workers where test runs go.
type Routing struct {
	BaseURL string            `json:"base_url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ── Generation State ────────────────────────────────────────

// InputValue is one named input of a test case.
type InputValue struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Run is the execution state of one (variant, row) or (variant, row, message).
// Running holds the outstanding request id; Result holds a CAS result reference.
// At most one of them is non-empty.
type Run struct {
	Running string `json:"is_running,omitempty"`
	Result  string `json:"result,omitempty"`
}

// RunStatus is derived from a Run and its resolved result.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunComplete  RunStatus = "complete"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

// GenerationRow is one non-chat test case.
type GenerationRow struct {
	ID     string         `json:"id"`
	Inputs []InputValue   `json:"inputs"`
	Runs   map[string]Run `json:"runs"` // key: variant revision id
}

// Clone deep-copies the row.
func (r GenerationRow) Clone() GenerationRow {
	cp := r
	cp.Inputs = append([]InputValue(nil), r.Inputs...)
	cp.Runs = cloneRuns(r.Runs)
	return cp
}

// Input returns the value for key.
func (r GenerationRow) Input(key string) (string, bool) {
	for _, in := range r.Inputs {
		if in.Key == key {
			return in.Value, true
		}
	}
	return "", false
}

// HistoryItem is one conversation turn. Runs hold per-variant responses.
type HistoryItem struct {
	ID      string         `json:"id"`
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Runs    map[string]Run `json:"runs"`
}

// IsPlaceholder reports whether the turn is an empty "next turn" slot.
func (h HistoryItem) IsPlaceholder() bool {
	return h.Content == "" && len(h.Runs) == 0
}

// MessageRow is one chat test case: inputs plus an ordered history.
type MessageRow struct {
	ID      string        `json:"id"`
	Inputs  []InputValue  `json:"inputs"`
	History []HistoryItem `json:"history"`
}

// Clone deep-copies the row.
func (r MessageRow) Clone() MessageRow {
	cp := r
	cp.Inputs = append([]InputValue(nil), r.Inputs...)
	cp.History = make([]HistoryItem, len(r.History))
	for i, h := range r.History {
		h.Runs = cloneRuns(h.Runs)
		cp.History[i] = h
	}
	return cp
}

// Input returns the value for key.
func (r MessageRow) Input(key string) (string, bool) {
	for _, in := range r.Inputs {
		if in.Key == key {
			return in.Value, true
		}
	}
	return "", false
}

func cloneRuns(m map[string]Run) map[string]Run {
	if m == nil {
		return nil
	}
	out := make(map[string]Run, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ── Results ─────────────────────────────────────────────────

type TokenUsage struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost_usd"`
}

// ResultError is the error variant of a test result.
type ResultError struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// TestResult is the outcome of one test execution.
type TestResult struct {
	Output    string       `json:"output,omitempty"`
	Error     *ResultError `json:"error,omitempty"`
	LatencyMs int64        `json:"latency_ms"`
	Usage     TokenUsage   `json:"usage"`
	TraceID   string       `json:"trace_id,omitempty"`
}

// ErrorResult builds a terminal error result.
func ErrorResult(msg, detail string) TestResult {
	return TestResult{Error: &ResultError{Message: msg, Detail: detail}}
}

// ── Load Status ─────────────────────────────────────────────

// LoadPhase is the Incremental Loader state.
type LoadPhase string

const (
	LoadIdle               LoadPhase = "idle"
	LoadPriorityFetching   LoadPhase = "priority_fetching"
	LoadPriorityReady      LoadPhase = "priority_ready"
	LoadBackgroundFetching LoadPhase = "background_fetching"
	LoadMerged             LoadPhase = "merged"
)

type LoadStatus struct {
	Phase LoadPhase `json:"phase"`
	Cycle uint64    `json:"cycle"`
}

// ── Notifications ───────────────────────────────────────────

type NotificationLevel string

const (
	NotifyInfo  NotificationLevel = "info"
	NotifyError NotificationLevel = "error"
)

// Notification is a user-facing message, e.g. a failed save.
type Notification struct {
	Level     NotificationLevel `json:"level"`
	Message   string            `json:"message"`
	VariantID string            `json:"variant_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
