// Package llm implements the extraction and generation services on top of
// an OpenAI-compatible chat completion API.
package llm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"stratflow/internal/remote"
	"stratflow/internal/util"
)

// Config selects the model and endpoint.
type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	Temperature     float32
	RateLimitPerMin int
}

type chatClient struct {
	client  *openai.Client
	model   string
	temp    float32
	limiter *util.RateLimiter
	service string
	log     *slog.Logger
}

func newChatClient(service string, cfg Config, log *slog.Logger) *chatClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	c := &chatClient{
		client:  openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		temp:    cfg.Temperature,
		service: service,
		log:     log,
	}
	if c.model == "" {
		c.model = openai.GPT4oMini
	}
	if cfg.RateLimitPerMin > 0 {
		c.limiter = util.NewRateLimiter(cfg.RateLimitPerMin)
	}
	return c
}

func (c *chatClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// wrap converts go-openai errors into remote.Error so that callers make
// the same retry decisions as for the HTTP services.
func (c *chatClient) wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &remote.Error{Service: c.service, StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &remote.Error{Service: c.service, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &remote.Error{Service: c.service, Err: err}
}
