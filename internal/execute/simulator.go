package execute

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"stratflow/internal/domain"
)

// Compile-time interface check.
var _ Executor = (*Simulator)(nil)

// Simulator implements Executor in memory for local runs and tests. It
// accepts every request and assigns a fresh run id, unless told to fail.
type Simulator struct {
	mu       sync.Mutex
	requests []Request
	failWith string
	err      error
}

// NewSimulator creates a Simulator.
func NewSimulator() *Simulator {
	return &Simulator{}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// FailWith makes subsequent runs return an unsuccessful result carrying
// msg. An empty msg restores success.
func (s *Simulator) FailWith(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = msg
}

// ErrorWith makes subsequent runs fail with err. nil restores success.
func (s *Simulator) ErrorWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// ExecuteIntent records req and returns a simulated result.
func (s *Simulator) ExecuteIntent(ctx context.Context, req *Request) (*domain.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, *req)
	if s.err != nil {
		return nil, s.err
	}
	if s.failWith != "" {
		return &domain.ExecutionResult{Success: false, Message: s.failWith}, nil
	}

	id := uuid.NewString()
	res := &domain.ExecutionResult{Success: true}
	switch req.Intent {
	case domain.IntentAnalysis:
		res.AnalysisID = id
		res.Message = fmt.Sprintf("analysis %s queued", id)
	default:
		res.BacktestID = id
		res.Message = fmt.Sprintf("backtest %s queued", id)
	}
	return res, nil
}

// Requests returns a copy of every request received.
func (s *Simulator) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
