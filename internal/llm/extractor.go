package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"stratflow/internal/domain"
	"stratflow/internal/extract"
	"stratflow/internal/remote"
)

// Compile-time interface check.
var _ extract.Service = (*Extractor)(nil)

// Extractor implements extract.Service with a JSON-mode chat completion.
type Extractor struct {
	chat *chatClient
}

// NewExtractor creates an OpenAI-backed extraction service.
func NewExtractor(cfg Config, log *slog.Logger) *Extractor {
	return &Extractor{chat: newChatClient("extraction", cfg, log)}
}

// ExtractParameters asks the model for a single JSON object in the
// extract_parameters reply format.
func (e *Extractor) ExtractParameters(ctx context.Context, req *extract.Request) (*extract.Response, error) {
	if err := e.chat.wait(ctx); err != nil {
		return nil, err
	}

	user, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding extraction request: %w", err)
	}
	resp, err := e.chat.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.chat.model,
		Temperature: e.chat.temp,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractionPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(user)},
		},
	})
	if err != nil {
		return nil, e.chat.wrap(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, remote.NewDecodeError(e.chat.service, fmt.Errorf("no choices in response"))
	}

	var out extract.Response
	content := stripFence(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, remote.NewDecodeError(e.chat.service, err)
	}
	e.chat.log.Debug("extraction completed",
		"extracted", len(out.Extracted),
		"missing", len(out.Missing),
		"tokens", resp.Usage.TotalTokens,
	)
	return &out, nil
}

// stripFence removes a Markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

var extractionPrompt = `You extract backtest parameters from a trading conversation.
The user message is a JSON object with user_message, conversation_history and
current_form_state (values already known; do not ask for them again).

Reply with one JSON object:
{
  "intent": "backtest" | "analysis",
  "extracted": {field: value},
  "confidence": {field: number between 0 and 1},
  "missing": [field],
  "needs_clarification": bool,
  "clarification_questions": [
    {"question": text, "field": field, "kind": "select"|"textarea"|"array"|"number"|"text"|"date-range",
     "suggestions": [text], "classification": "confirmation"|"new_information"}
  ],
  "suggested_defaults": {field: value}
}

Fields: ` + strings.Join(fieldNames(), ", ") + `.
Required fields: ` + strings.Join(requiredNames(), ", ") + `.
Dates are YYYY-MM-DD. capital is a number. ticker_list is an array of symbols.
strategy_type is "agent_managed" or "technical_dsl".
Use "classification": "confirmation" only to double-check a value you
extracted; use "new_information" to ask for something not yet provided.`

func fieldNames() []string {
	out := make([]string, len(domain.AllFields))
	for i, f := range domain.AllFields {
		out[i] = string(f)
	}
	return out
}

func requiredNames() []string {
	out := make([]string, len(domain.RequiredFields))
	for i, f := range domain.RequiredFields {
		out[i] = string(f)
	}
	return out
}
