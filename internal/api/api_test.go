package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"stratflow/internal/clarify"
	"stratflow/internal/config"
	"stratflow/internal/domain"
	"stratflow/internal/execute"
	"stratflow/internal/extract"
	"stratflow/internal/params"
	"stratflow/internal/session"
	"stratflow/internal/specgen"
	"stratflow/internal/util"
)

type staticExtractor struct {
	mu  sync.Mutex
	res []*extract.Result
}

func (e *staticExtractor) Extract(_ context.Context, _ string, _ []domain.Message, _ params.View) (*extract.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.res[0]
	if len(e.res) > 1 {
		e.res = e.res[1:]
	}
	return r, nil
}

type staticSpec struct{}

func (staticSpec) GenerateStream(_ context.Context, _ *specgen.Request, onChunk specgen.ChunkFunc) (*specgen.Result, error) {
	onChunk("universe: AAPL\n")
	return &specgen.Result{Success: true, Valid: true}, nil
}

func (s staticSpec) Generate(ctx context.Context, req *specgen.Request) (*specgen.Result, error) {
	return s.GenerateStream(ctx, req, func(string) {})
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	log := util.Discard()
	mgr := session.NewManager(session.Deps{
		Extractor: &staticExtractor{res: []*extract.Result{
			{
				Intent: domain.IntentBacktest,
				Values: map[domain.Field]any{domain.FieldCapital: 10000.0},
			},
			{
				Intent: domain.IntentBacktest,
				Values: map[domain.Field]any{domain.FieldStrategyDescription: "mean reversion"},
			},
		}},
		Generator: specgen.NewGenerator(staticSpec{}, true, log),
		Executor:  execute.NewSimulator(),
		Log:       log,
	}, session.Options{Now: func() time.Time { return time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC) }}, 0)
	t.Cleanup(mgr.CloseAll)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewWorkflowService(mgr, log).RegisterGRPC(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	c, err := Dial("passthrough:///bufnet", log, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWorkflowOverGRPC(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if snap.State != session.StateIdle {
		t.Errorf("State = %s, want idle", snap.State)
	}

	snap, err = c.Submit(ctx, snap.ID, "mean reversion with $10k")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if snap.State != session.StateClarifying {
		t.Fatalf("State = %s, want clarifying", snap.State)
	}

	snap, err = c.Answer(ctx, snap.ID, []clarify.Answer{{Field: domain.FieldDates, Preset: "last_year"}})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if snap.State != session.StatePendingApproval {
		t.Fatalf("State = %s, want pending_approval (missing %v)", snap.State, snap.Missing)
	}
	if snap.Params["start_date"] != "2023-01-01" {
		t.Errorf("start_date = %v, want 2023-01-01", snap.Params["start_date"])
	}

	snap, err = c.Approve(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if snap.State != session.StateDone || snap.Result == nil || snap.Result.BacktestID == "" {
		t.Errorf("after Approve: state %s, result %+v", snap.State, snap.Result)
	}
}

func TestGRPCStatusCodes(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Snapshot(ctx, "nope")
	if got := status.Code(err); got != codes.NotFound {
		t.Errorf("Snapshot(unknown) code = %s, want NotFound", got)
	}

	snap, err := c.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = c.Approve(ctx, snap.ID)
	if got := status.Code(err); got != codes.FailedPrecondition {
		t.Errorf("Approve in idle code = %s, want FailedPrecondition", got)
	}
	_, err = c.Answer(ctx, snap.ID, nil)
	if got := status.Code(err); got != codes.FailedPrecondition {
		t.Errorf("Answer in idle code = %s, want FailedPrecondition", got)
	}
}

func TestWatch(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	events := make(chan session.Event, 64)
	errStop := errors.New("stop")
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, snap.ID, func(e session.Event) error {
			events <- e
			if e.Type == session.EventMessage {
				return errStop
			}
			return nil
		})
	}()

	first := <-events
	if first.Type != "snapshot" || first.Session != snap.ID {
		t.Fatalf("first event = %+v, want snapshot of %s", first, snap.ID)
	}
	if _, err := c.Cancel(ctx, snap.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := <-done; !errors.Is(err, errStop) {
		t.Errorf("Watch returned %v, want errStop", err)
	}
}

func TestNewServerDisablesGRPC(t *testing.T) {
	cfg := config.Default()
	cfg.Server.GRPCPort = 0
	s := NewServer(cfg, nil, nil, util.Discard())
	if s.grpc != nil {
		t.Error("gRPC server created with port 0")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	mgr := session.NewManager(session.Deps{Executor: execute.NewSimulator(), Log: util.Discard()}, session.Options{}, 0)
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	s := NewServer(cfg, handler, NewWorkflowService(mgr, util.Discard()), util.Discard())

	closed := make(chan struct{})
	s.OnShutdown(func() { close(closed) })

	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, httpLis, grpcLis) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + httpLis.Addr().String() + "/")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Error("shutdown hook not called")
	}
}
