package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"stratflow/internal/domain"
	"stratflow/internal/remote"
	"stratflow/internal/specgen"
)

// Compile-time interface check.
var _ specgen.Service = (*Generator)(nil)

// Generator implements specgen.Service with a chat completion. The model
// writes the strategy in the technical DSL; a "universe:" line names the
// tickers it trades or AI_MANAGED_UNIVERSE.
type Generator struct {
	chat *chatClient
}

// NewGenerator creates an OpenAI-backed generation service.
func NewGenerator(cfg Config, log *slog.Logger) *Generator {
	return &Generator{chat: newChatClient("generation", cfg, log)}
}

func (g *Generator) request(req *specgen.Request, stream bool) (openai.ChatCompletionRequest, error) {
	user, err := json.Marshal(req)
	if err != nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("encoding generation request: %w", err)
	}
	return openai.ChatCompletionRequest{
		Model:       g.chat.model,
		Temperature: g.chat.temp,
		Stream:      stream,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: generationPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(user)},
		},
	}, nil
}

// Generate returns the whole spec from one completion.
func (g *Generator) Generate(ctx context.Context, req *specgen.Request) (*specgen.Result, error) {
	if err := g.chat.wait(ctx); err != nil {
		return nil, err
	}
	creq, err := g.request(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := g.chat.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, g.chat.wrap(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, remote.NewDecodeError(g.chat.service, errors.New("no choices in response"))
	}
	return finish(resp.Choices[0].Message.Content), nil
}

// GenerateStream forwards content deltas as chunks.
func (g *Generator) GenerateStream(ctx context.Context, req *specgen.Request, onChunk specgen.ChunkFunc) (*specgen.Result, error) {
	if err := g.chat.wait(ctx); err != nil {
		return nil, err
	}
	creq, err := g.request(req, true)
	if err != nil {
		return nil, err
	}
	stream, err := g.chat.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, g.chat.wrap(ctx, err)
	}
	defer stream.Close()

	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, g.chat.wrap(ctx, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			b.WriteString(delta)
			if onChunk != nil {
				onChunk(delta)
			}
		}
	}
	return finish(b.String()), nil
}

// finish validates the generated text and extracts the universe line.
func finish(content string) *specgen.Result {
	content = strings.TrimSpace(content)
	res := &specgen.Result{Success: content != "", Spec: content}
	if !res.Success {
		res.Error = "model returned an empty strategy"
		return res
	}
	universe, ok := parseUniverse(content)
	if !ok {
		res.ValidationMessage = "strategy does not declare a universe line"
		return res
	}
	res.Valid = true
	res.TickerList = universe
	return res
}

// parseUniverse reads the first "universe:" line of a spec.
func parseUniverse(spec string) ([]string, bool) {
	for _, line := range strings.Split(spec, "\n") {
		line = strings.TrimSpace(line)
		key, rest, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(key), "universe") {
			continue
		}
		var out []string
		for _, s := range strings.Split(rest, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

var generationPrompt = `You write trading strategies in a small technical DSL for a backtesting
engine. The user message is a JSON object with strategy_description,
ticker_list, initial_capital, rebalance_frequency, position_sizing,
max_positions and strategy_type.

Write only the strategy, no commentary. The first line must be
"universe: <comma separated symbols>". Use the given ticker_list when it is
not empty. When it is empty, choose suitable symbols, or write
"universe: ` + domain.AIManagedUniverse + `" if the strategy selects its own assets
(always the case for strategy_type agent_managed).
Then write "entry:", "exit:" and "sizing:" sections.`
