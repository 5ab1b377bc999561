package session_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"stratflow/internal/domain"
	"stratflow/internal/remote"
	"stratflow/internal/session"
)

func TestSubmitRetriesTemporaryFailure(t *testing.T) {
	h := newHarness(session.Options{},
		step{err: &remote.Error{Service: "extraction", StatusCode: 503}},
		step{res: teslaFirstTurn()},
	)
	if err := h.sess.Submit(context.Background(), "Invest $50k in Tesla"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := h.ext.Calls(); got != 2 {
		t.Errorf("extraction calls = %d, want 2", got)
	}
	if got := h.sess.State(); got != session.StateClarifying {
		t.Errorf("State() = %s, want %s", got, session.StateClarifying)
	}
}

func TestSubmitPermanentFailureKeepsParams(t *testing.T) {
	h := newHarness(session.Options{},
		step{res: teslaFirstTurn()},
		step{err: &remote.Error{Service: "extraction", StatusCode: 400, Body: "bad request"}},
	)
	ctx := context.Background()
	if err := h.sess.Submit(ctx, "Invest $50k in Tesla"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	err := h.sess.Submit(ctx, "use the last year")
	var f *session.Failure
	if !errors.As(err, &f) || f.Kind != session.KindExtraction {
		t.Fatalf("Submit error = %v, want extraction Failure", err)
	}
	if got := h.ext.Calls(); got != 2 {
		t.Errorf("extraction calls = %d, want 2 (no retry on 4xx)", got)
	}
	if got := h.sess.State(); got != session.StateClarifying {
		t.Errorf("State() = %s, want previous state %s", got, session.StateClarifying)
	}
	if c, ok := h.sess.Params().Capital(); !ok || c != 50000 {
		t.Errorf("Capital() = %v, %v; want 50000 kept", c, ok)
	}
	msgs := h.sess.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleAssistant || !strings.HasPrefix(last.Text, "Sorry") {
		t.Errorf("last message = %+v, want an apology", last)
	}
}

func TestSubmitTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := newHarness(session.Options{MaxAttempts: 1, ExtractTimeout: 20 * time.Millisecond}, step{block: block})

	err := h.sess.Submit(context.Background(), "hello")
	var f *session.Failure
	if !errors.As(err, &f) || !f.TimedOut() {
		t.Fatalf("Submit error = %v, want timed-out Failure", err)
	}
	if got := h.sess.State(); got != session.StateIdle {
		t.Errorf("State() = %s, want %s", got, session.StateIdle)
	}
}

func TestSubmitEmptyMessage(t *testing.T) {
	h := newHarness(session.Options{}, step{res: complete()})
	err := h.sess.Submit(context.Background(), "   ")
	var f *session.Failure
	if !errors.As(err, &f) || f.Kind != session.KindValidation {
		t.Errorf("Submit error = %v, want validation Failure", err)
	}
	if h.ext.Calls() != 0 {
		t.Error("empty message should not reach the extraction service")
	}
}

func TestEditFieldPinsConfidence(t *testing.T) {
	h := newHarness(session.Options{}, step{res: teslaFirstTurn()})
	if err := h.sess.Submit(context.Background(), "Invest $50k in Tesla"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.sess.EditField(domain.FieldCapital, "75000"); err != nil {
		t.Fatalf("EditField: %v", err)
	}
	p := h.sess.Params()
	if c, _ := p.Capital(); c != 75000 {
		t.Errorf("Capital() = %v, want 75000", c)
	}
	if c, _ := p.Confidence(domain.FieldCapital); c != 1.0 {
		t.Errorf("Confidence(capital) = %v, want 1.0", c)
	}
	if err := h.sess.EditField(domain.FieldCapital, "-5"); err == nil {
		t.Error("EditField accepted a negative capital")
	}
}

func TestSkipDropsOptionalQuestions(t *testing.T) {
	res := teslaFirstTurn()
	res.Missing = append(res.Missing, domain.FieldRebalanceFrequency)
	h := newHarness(session.Options{}, step{res: res})
	if err := h.sess.Submit(context.Background(), "Invest $50k in Tesla"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.sess.Skip(); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	snap := h.sess.Snapshot()
	if snap.State != session.StateIdle {
		t.Errorf("State = %s, want %s", snap.State, session.StateIdle)
	}
	for _, f := range snap.Missing {
		if f == domain.FieldRebalanceFrequency {
			t.Error("skipped optional field is still missing")
		}
	}
	if len(snap.Missing) != 3 {
		t.Errorf("Missing = %v, want the 3 required fields", snap.Missing)
	}
	if err := h.sess.Skip(); !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("second Skip error = %v, want ErrInvalidState", err)
	}
}

func TestEventsStreamChunks(t *testing.T) {
	h := newHarness(session.Options{}, step{res: allParams("TSLA")})
	id, ch := h.sess.Subscribe(128)
	defer h.sess.Unsubscribe(id)

	if err := h.sess.Submit(context.Background(), "buy the dip on TSLA with $10k during 2023"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var chunks []string
	var states []session.State
	for len(ch) > 0 {
		e := <-ch
		if e.Session != "s-1" {
			t.Errorf("event session = %q, want s-1", e.Session)
		}
		switch e.Type {
		case session.EventChunk:
			chunks = append(chunks, e.Text)
		case session.EventState:
			states = append(states, e.State)
		}
	}
	if len(chunks) != 3 {
		t.Fatalf("chunk events = %d, want 3", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		if !strings.HasPrefix(chunks[i], chunks[i-1]) {
			t.Errorf("chunk %d does not extend the previous text", i)
		}
	}
	want := []session.State{session.StateExtracting, session.StateGenerating, session.StatePendingApproval}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	h := newHarness(session.Options{}, step{res: complete()})
	_, ch := h.sess.Subscribe(4)
	h.sess.Close()
	if _, ok := <-ch; ok {
		t.Error("subscriber channel still open after Close")
	}
	if err := h.sess.Submit(context.Background(), "hi"); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Submit after Close = %v, want ErrClosed", err)
	}
}

func TestManagerLifecycle(t *testing.T) {
	now := today
	m := session.NewManager(session.Deps{Extractor: &scriptedExtractor{steps: []step{{res: complete()}}}},
		session.Options{Now: func() time.Time { return now }}, time.Hour)

	a := m.Create()
	b := m.Create()
	if a.ID() == b.ID() {
		t.Fatal("Create returned duplicate ids")
	}
	if got, err := m.Get(a.ID()); err != nil || got != a {
		t.Errorf("Get(%s) = %v, %v", a.ID(), got, err)
	}
	if _, err := m.Get("nope"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}
	if got := len(m.List()); got != 2 {
		t.Errorf("List() len = %d, want 2", got)
	}

	if n := m.Reap(now.Add(30 * time.Minute)); n != 0 {
		t.Errorf("Reap before timeout closed %d sessions", n)
	}
	if n := m.Reap(now.Add(2 * time.Hour)); n != 2 {
		t.Errorf("Reap after timeout closed %d sessions, want 2", n)
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after reaping, want 0", m.Len())
	}

	c := m.Create()
	if err := m.Close(c.ID()); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := m.Close(c.ID()); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("second Close error = %v, want ErrNotFound", err)
	}
}
