// Package specgen drives the strategy-spec generation service. A run sends
// the frozen parameters, accumulates streamed chunks and returns the
// completed strategy together with the ticker list it implies.
package specgen

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"stratflow/internal/domain"
	"stratflow/internal/params"
	"stratflow/internal/remote"
)

// Request is the generate_strategy_spec payload.
type Request struct {
	StrategyDescription string              `json:"strategy_description"`
	TickerList          []string            `json:"ticker_list"`
	InitialCapital      float64             `json:"initial_capital"`
	RebalanceFrequency  string              `json:"rebalance_frequency,omitempty"`
	PositionSizing      string              `json:"position_sizing,omitempty"`
	MaxPositions        int                 `json:"max_positions,omitempty"`
	StrategyType        domain.StrategyType `json:"strategy_type"`
}

// Result is the terminal generation record.
type Result struct {
	Success           bool     `json:"success"`
	Spec              string   `json:"spec"`
	Valid             bool     `json:"valid"`
	ValidationMessage string   `json:"validation_message,omitempty"`
	TickerList        []string `json:"ticker_list,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// ChunkFunc receives streamed spec text in order.
type ChunkFunc func(chunk string)

// Service generates strategy specs.
type Service interface {
	// GenerateStream invokes onChunk for every chunk and returns the
	// terminal record.
	GenerateStream(ctx context.Context, req *Request, onChunk ChunkFunc) (*Result, error)

	// Generate returns the complete spec in one response.
	Generate(ctx context.Context, req *Request) (*Result, error)
}

// RequestFrom builds a generation request from a parameter set. The
// strategy type defaults to technical_dsl.
func RequestFrom(p *params.Set) *Request {
	req := &Request{
		StrategyDescription: p.Text(domain.FieldStrategyDescription),
		TickerList:          p.Tickers(),
		RebalanceFrequency:  p.Text(domain.FieldRebalanceFrequency),
		PositionSizing:      p.Text(domain.FieldPositionSizing),
		StrategyType:        domain.StrategyTechnicalDSL,
	}
	if req.TickerList == nil {
		req.TickerList = []string{}
	}
	if c, ok := p.Capital(); ok {
		req.InitialCapital = c
	}
	if n, ok := p.MaxPositions(); ok {
		req.MaxPositions = n
	}
	if st, ok := p.StrategyType(); ok {
		req.StrategyType = st
	}
	return req
}

// ---------------------------------------------------------------------------
// HTTP service
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ Service = (*HTTPService)(nil)

// HTTPService talks to a remote generation endpoint. Streaming responses
// are newline-delimited JSON: zero or more {"chunk": "..."} records and a
// final {"done": true, ...} record carrying the Result fields.
type HTTPService struct {
	url    string
	client *remote.Client
}

// NewHTTPService creates a generation client for url. Streaming requests go
// to url + "/stream".
func NewHTTPService(url string, client *remote.Client) *HTTPService {
	return &HTTPService{url: strings.TrimRight(url, "/"), client: client}
}

// Generate posts req and decodes the complete result.
func (s *HTTPService) Generate(ctx context.Context, req *Request) (*Result, error) {
	var res Result
	if err := s.client.PostJSON(ctx, s.url, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type streamRecord struct {
	Chunk string `json:"chunk,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Result
}

// maxLine bounds a single NDJSON record.
const maxLine = 1 << 20

// GenerateStream posts req to the streaming endpoint and forwards chunks.
func (s *HTTPService) GenerateStream(ctx context.Context, req *Request, onChunk ChunkFunc) (*Result, error) {
	body, err := s.client.PostStream(ctx, s.url+"/stream", req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec streamRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, s.client.DecodeError(err)
		}
		if rec.Done {
			res := rec.Result
			return &res, nil
		}
		if rec.Chunk != "" && onChunk != nil {
			onChunk(rec.Chunk)
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &remote.Error{Service: s.client.Service(), Err: err}
	}
	return nil, &remote.Error{Service: s.client.Service(), Err: errors.New("stream ended without a final record")}
}
