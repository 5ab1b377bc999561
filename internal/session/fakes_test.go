package session_test

import (
	"context"
	"sync"
	"time"

	"stratflow/internal/domain"
	"stratflow/internal/execute"
	"stratflow/internal/extract"
	"stratflow/internal/params"
	"stratflow/internal/session"
	"stratflow/internal/specgen"
	"stratflow/internal/store"
	"stratflow/internal/util"
)

var today = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

// step is one scripted extraction reply.
type step struct {
	res   *extract.Result
	err   error
	block chan struct{}
}

// scriptedExtractor replays steps in order; the last step repeats.
type scriptedExtractor struct {
	mu         sync.Mutex
	steps      []step
	calls      int
	utterances []string
}

func (e *scriptedExtractor) Extract(ctx context.Context, utterance string, _ []domain.Message, _ params.View) (*extract.Result, error) {
	e.mu.Lock()
	i := e.calls
	if i >= len(e.steps) {
		i = len(e.steps) - 1
	}
	st := e.steps[i]
	e.calls++
	e.utterances = append(e.utterances, utterance)
	e.mu.Unlock()

	if st.block != nil {
		select {
		case <-st.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if st.err != nil {
		return nil, st.err
	}
	return st.res, nil
}

func (e *scriptedExtractor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// fakeSpecService streams chunks and returns result.
type fakeSpecService struct {
	mu       sync.Mutex
	chunks   []string
	result   specgen.Result
	err      error
	requests []specgen.Request
}

func (f *fakeSpecService) GenerateStream(ctx context.Context, req *specgen.Request, onChunk specgen.ChunkFunc) (*specgen.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	chunks, res, err := f.chunks, f.result, f.err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		onChunk(c)
	}
	return &res, nil
}

func (f *fakeSpecService) Generate(ctx context.Context, req *specgen.Request) (*specgen.Result, error) {
	return f.GenerateStream(ctx, req, func(string) {})
}

func (f *fakeSpecService) Requests() []specgen.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]specgen.Request(nil), f.requests...)
}

func (f *fakeSpecService) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newSpecService() *fakeSpecService {
	return &fakeSpecService{
		chunks: []string{"strategy: momentum\n", "universe: TSLA\n", "entry: close > sma(20)\n"},
		result: specgen.Result{Success: true, Valid: true, TickerList: []string{"TSLA"}},
	}
}

// memRuns is an in-memory store.RunStore.
type memRuns struct {
	mu   sync.Mutex
	runs []store.Run
}

func (m *memRuns) SaveRun(_ context.Context, r *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *r)
	return nil
}

func (m *memRuns) GetRun(_ context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memRuns) ListRuns(_ context.Context, _ string, _ int) ([]store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Run(nil), m.runs...), nil
}

// memJournal is an in-memory store.Journal.
type memJournal struct {
	mu        sync.Mutex
	decisions []store.Decision
}

func (j *memJournal) Append(_ context.Context, d *store.Decision) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.decisions = append(j.decisions, *d)
	return nil
}

func (j *memJournal) ReadDay(_ context.Context, _ time.Time) ([]store.Decision, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]store.Decision(nil), j.decisions...), nil
}

func (j *memJournal) Decisions() []store.Decision {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]store.Decision(nil), j.decisions...)
}

type harness struct {
	ext     *scriptedExtractor
	spec    *fakeSpecService
	sim     *execute.Simulator
	runs    *memRuns
	journal *memJournal
	sess    *session.Session
}

func newHarness(opts session.Options, steps ...step) *harness {
	h := &harness{
		ext:     &scriptedExtractor{steps: steps},
		spec:    newSpecService(),
		sim:     execute.NewSimulator(),
		runs:    &memRuns{},
		journal: &memJournal{},
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return today }
	}
	log := util.Discard()
	h.sess = session.New("s-1", session.Deps{
		Extractor: h.ext,
		Generator: specgen.NewGenerator(h.spec, true, log),
		Executor:  h.sim,
		Runs:      h.runs,
		Journal:   h.journal,
		Log:       log,
	}, opts)
	return h
}

// teslaFirstTurn is the reply to "Invest $50k in Tesla": capital and
// ticker known, dates and description missing.
func teslaFirstTurn() *extract.Result {
	return &extract.Result{
		Intent: domain.IntentBacktest,
		Values: map[domain.Field]any{
			domain.FieldCapital:    50000.0,
			domain.FieldTickerList: []string{"TSLA"},
		},
		Confidence: map[domain.Field]float64{
			domain.FieldCapital:    0.95,
			domain.FieldTickerList: 0.9,
		},
		Missing:            []domain.Field{domain.FieldStartDate, domain.FieldEndDate, domain.FieldStrategyDescription},
		NeedsClarification: true,
		Questions: []domain.ClarificationQuestion{
			{Question: "What period?", Field: domain.FieldDates, Kind: domain.KindDateRange, Class: domain.ClassNewInformation},
			{Question: "What are the rules?", Field: domain.FieldStrategyDescription, Kind: domain.KindTextarea, Class: domain.ClassNewInformation},
		},
	}
}

// complete is a reply that adds nothing and reports nothing missing.
func complete() *extract.Result {
	return &extract.Result{Intent: domain.IntentBacktest}
}

// allParams is a reply that sets every required field.
func allParams(tickers ...string) *extract.Result {
	values := map[domain.Field]any{
		domain.FieldCapital:             10000.0,
		domain.FieldStartDate:           "2023-01-01",
		domain.FieldEndDate:             "2023-12-31",
		domain.FieldStrategyDescription: "buy the dip",
	}
	if len(tickers) > 0 {
		values[domain.FieldTickerList] = tickers
	}
	return &extract.Result{Intent: domain.IntentBacktest, Values: values}
}
