// Package httpapi serves the conversation workflow over REST, with session
// events streamed as server-sent events or over a WebSocket.
package httpapi

import (
	"stratflow/internal/approval"
	"stratflow/internal/clarify"
	"stratflow/internal/domain"
	"stratflow/internal/session"
	"stratflow/internal/store"
)

// MessageRequest is the body of POST /api/sessions/{id}/messages.
type MessageRequest struct {
	Text string `json:"text"`
}

// AnswersRequest is the body of POST /api/sessions/{id}/answers.
type AnswersRequest struct {
	Answers []clarify.Answer `json:"answers"`
}

// FieldRequest is the body of PUT /api/sessions/{id}/params/{field}. A
// null or empty value clears the field.
type FieldRequest struct {
	Value any `json:"value"`
}

// SessionJSON is a session snapshot plus its conversation log.
type SessionJSON struct {
	session.Snapshot
	Log []domain.Message `json:"log,omitempty"`
}

// ReviewJSON is the approval view of a pending strategy.
type ReviewJSON struct {
	State         session.State       `json:"state"`
	Spec          domain.StrategySpec `json:"spec"`
	Generating    bool                `json:"generating"`
	CanRegenerate bool                `json:"can_regenerate"`
	Rows          []approval.Row      `json:"rows"`
	Diff          []approval.DiffLine `json:"diff,omitempty"`
}

// RunsJSON lists execution runs.
type RunsJSON struct {
	Runs []store.Run `json:"runs"`
}

// DecisionJSON is one journaled approval decision.
type DecisionJSON struct {
	SessionID  string          `json:"session_id"`
	Decision   domain.Decision `json:"decision"`
	RunID      string          `json:"run_id,omitempty"`
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Spec       string          `json:"spec"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	Timestamp  string          `json:"timestamp"`
}

// PresetsJSON lists the date-range presets and the capital suggestions.
type PresetsJSON struct {
	Presets []clarify.PresetOption `json:"presets"`
	Capital []string               `json:"capital"`
}

// ErrorJSON is the body of every error response.
type ErrorJSON struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Field string `json:"field,omitempty"`
}
