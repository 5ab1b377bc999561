package specgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"stratflow/internal/domain"
	"stratflow/internal/params"
)

// ErrGenerationFailed is returned when the service reports failure or
// produces an empty spec.
var ErrGenerationFailed = errors.New("strategy generation failed")

// ErrMissingParameters is returned when Run is called before every
// required field is set.
var ErrMissingParameters = errors.New("required parameters are missing")

// Outcome is a completed generation.
type Outcome struct {
	Spec domain.StrategySpec

	// Tickers is the ticker list to store after generation; it differs from
	// the request's list only when the user left it empty and the service
	// inferred symbols.
	Tickers         []string
	TickersInferred bool
}

// Generator runs one generation at a time against a Service.
type Generator struct {
	svc    Service
	stream bool
	log    *slog.Logger
}

// NewGenerator creates a Generator. stream selects GenerateStream over
// Generate.
func NewGenerator(svc Service, stream bool, log *slog.Logger) *Generator {
	return &Generator{svc: svc, stream: stream, log: log}
}

// Run generates a spec for p, which must not change during the call.
// Chunks are accumulated and onChunk receives the accumulated text after
// each chunk, so the working spec grows monotonically.
func (g *Generator) Run(ctx context.Context, p *params.Set, onChunk func(accumulated string)) (*Outcome, error) {
	if missing := p.Missing(domain.RequiredFields); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMissingParameters, missing)
	}
	req := RequestFrom(p)

	var (
		res *Result
		err error
		acc Accumulator
	)
	if g.stream {
		res, err = g.svc.GenerateStream(ctx, req, func(chunk string) {
			text := acc.Append(chunk)
			if onChunk != nil {
				onChunk(text)
			}
		})
	} else {
		res, err = g.svc.Generate(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = res.ValidationMessage
		}
		if msg == "" {
			return nil, ErrGenerationFailed
		}
		return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, msg)
	}

	content := res.Spec
	if content == "" {
		content = acc.String()
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty spec", ErrGenerationFailed)
	}

	out := &Outcome{
		Spec: domain.StrategySpec{
			Content:           content,
			Valid:             res.Valid,
			ValidationMessage: res.ValidationMessage,
		},
	}
	out.Tickers, out.TickersInferred = ReconcileTickers(req.TickerList, res.TickerList, content)
	g.log.Info("strategy generated",
		"bytes", len(content),
		"valid", res.Valid,
		"tickers_inferred", out.TickersInferred,
	)
	return out, nil
}

// ReconcileTickers decides the ticker list after generation. An explicit
// user list always wins. Otherwise the inferred list is used, unless the
// spec or the inferred list carries the AI_MANAGED_UNIVERSE sentinel, in
// which case the list stays empty on purpose.
func ReconcileTickers(user, inferred []string, spec string) ([]string, bool) {
	if len(user) > 0 {
		return user, false
	}
	if strings.Contains(spec, domain.AIManagedUniverse) {
		return nil, false
	}
	for _, s := range inferred {
		if strings.EqualFold(strings.TrimSpace(s), domain.AIManagedUniverse) {
			return nil, false
		}
	}
	tickers := params.NormalizeTickers(inferred)
	if len(tickers) == 0 {
		return nil, false
	}
	return tickers, true
}

// Accumulator collects streamed chunks. It is safe for concurrent use.
type Accumulator struct {
	mu sync.Mutex
	b  strings.Builder
}

// Append adds chunk and returns the accumulated text.
func (a *Accumulator) Append(chunk string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.b.WriteString(chunk)
	return a.b.String()
}

// String returns the accumulated text.
func (a *Accumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.b.String()
}

// Reset discards the accumulated text.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.b.Reset()
}
