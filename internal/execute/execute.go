// Package execute defines the Executor interface that hands an approved
// strategy to the backtest/analysis execution service, and provides an
// HTTP client and an in-memory simulator.
package execute

import (
	"context"

	"stratflow/internal/domain"
	"stratflow/internal/remote"
)

// Request is the execute_intent payload.
type Request struct {
	Intent     domain.Intent  `json:"intent"`
	Parameters map[string]any `json:"parameters"`
	Spec       string         `json:"spec"`
}

// Executor runs an approved strategy.
type Executor interface {
	// Name returns the executor identifier (e.g. "http", "simulator").
	Name() string

	// ExecuteIntent submits req and returns the service's verdict. A
	// transport failure is an error; a refusal by the service is a result
	// with Success false.
	ExecuteIntent(ctx context.Context, req *Request) (*domain.ExecutionResult, error)
}

// Compile-time interface check.
var _ Executor = (*HTTPExecutor)(nil)

// HTTPExecutor posts requests to a remote execution endpoint.
type HTTPExecutor struct {
	url    string
	client *remote.Client
}

// NewHTTPExecutor creates an executor for url.
func NewHTTPExecutor(url string, client *remote.Client) *HTTPExecutor {
	return &HTTPExecutor{url: url, client: client}
}

// Name returns "http".
func (e *HTTPExecutor) Name() string {
	return "http"
}

// ExecuteIntent posts req and decodes the result.
func (e *HTTPExecutor) ExecuteIntent(ctx context.Context, req *Request) (*domain.ExecutionResult, error) {
	var res domain.ExecutionResult
	if err := e.client.PostJSON(ctx, e.url, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
