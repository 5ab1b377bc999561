// Package extract adapts the natural-language parameter-extraction service
// to the workflow: one round trip per call, normalised results, typed
// errors, no retries.
package extract

import (
	"context"

	"stratflow/internal/domain"
	"stratflow/internal/remote"
)

// HistoryEntry is one conversation turn as sent to the service.
type HistoryEntry struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

// Request is the extract_parameters payload.
type Request struct {
	UserMessage         string         `json:"user_message"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
	CurrentFormState    map[string]any `json:"current_form_state,omitempty"`
}

// Response is the raw extract_parameters reply.
type Response struct {
	Intent                 string                         `json:"intent"`
	Extracted              map[string]any                 `json:"extracted"`
	Missing                []string                       `json:"missing"`
	Confidence             map[string]float64             `json:"confidence"`
	NeedsClarification     bool                           `json:"needs_clarification"`
	ClarificationQuestions []domain.ClarificationQuestion `json:"clarification_questions"`
	SuggestedDefaults      map[string]any                 `json:"suggested_defaults"`
}

// Service performs one extraction round trip.
type Service interface {
	ExtractParameters(ctx context.Context, req *Request) (*Response, error)
}

// Compile-time interface check.
var _ Service = (*HTTPService)(nil)

// HTTPService calls a remote extraction endpoint with a JSON POST.
type HTTPService struct {
	url    string
	client *remote.Client
}

// NewHTTPService creates an extraction client for url.
func NewHTTPService(url string, client *remote.Client) *HTTPService {
	return &HTTPService{url: url, client: client}
}

// ExtractParameters posts req and decodes the reply.
func (s *HTTPService) ExtractParameters(ctx context.Context, req *Request) (*Response, error) {
	var resp Response
	if err := s.client.PostJSON(ctx, s.url, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BuildHistory converts the conversation log into wire entries.
func BuildHistory(msgs []domain.Message) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, HistoryEntry{Role: m.Role, Content: m.Text})
	}
	return out
}
