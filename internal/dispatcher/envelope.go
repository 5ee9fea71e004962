package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/agentoven/agentoven/playground/pkg/models"
)

// MessageType tags worker envelopes.
type MessageType string

const (
	TypeRunRequest MessageType = "runRequest"
	TypeRunResult  MessageType = "runResult"
)

// RunContext is what a worker needs to reach the workload.
type RunContext struct {
	BaseURL   string            `json:"base_url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Token     string            `json:"token,omitempty"`
	SchemaURI string            `json:"schema_uri,omitempty"`
}

// ChatMessage is one turn sent to a chat workload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Payload is the body of a test run.
type Payload struct {
	VariantID  string                 `json:"variant_id"`
	Revision   int                    `json:"revision"`
	Parameters map[string]interface{} `json:"parameters"`
	Inputs     map[string]string      `json:"inputs"`
	Messages   []ChatMessage          `json:"messages,omitempty"`
}

// RunRequest is posted to the worker boundary.
type RunRequest struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id"`
	VariantID string          `json:"variant_id"`
	RowID     string          `json:"row_id"`
	MessageID string          `json:"message_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Context   RunContext      `json:"context"`
}

// RunResult comes back from the worker boundary. Exactly one of Result and
// Error is set.
type RunResult struct {
	Type      MessageType        `json:"type"`
	RequestID string             `json:"request_id"`
	VariantID string             `json:"variant_id"`
	RowID     string             `json:"row_id"`
	MessageID string             `json:"message_id,omitempty"`
	Result    *models.TestResult `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Bridge is the asynchronous worker boundary. Post must not wait for the
// run to finish. Results may arrive in any order.
type Bridge interface {
	Post(ctx context.Context, req RunRequest) error
	Cancel(requestID string)
	Results() <-chan RunResult
}
