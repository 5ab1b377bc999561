package session_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"stratflow/internal/approval"
	"stratflow/internal/clarify"
	"stratflow/internal/domain"
	"stratflow/internal/extract"
	"stratflow/internal/session"
	"stratflow/internal/specgen"
)

var _ = Describe("Workflow", func() {
	var (
		ctx context.Context
		h   *harness
	)

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("the Tesla conversation", func() {
		BeforeEach(func() {
			h = newHarness(session.Options{}, step{res: teslaFirstTurn()}, step{res: complete()})
		})

		It("clarifies, generates and executes exactly once", func() {
			Expect(h.sess.Submit(ctx, "Invest $50k in Tesla")).To(Succeed())

			snap := h.sess.Snapshot()
			Expect(snap.State).To(Equal(session.StateClarifying))
			Expect(snap.Params).To(HaveKeyWithValue("capital", 50000.0))
			Expect(snap.Params).To(HaveKeyWithValue("ticker_list", []string{"TSLA"}))
			Expect(snap.Missing).To(ConsistOf(domain.FieldStrategyDescription, domain.FieldStartDate, domain.FieldEndDate))
			Expect(snap.Questions).To(HaveLen(2))
			Expect(snap.Questions[0].Kind).To(Equal(domain.KindDateRange))

			Expect(h.sess.Answer(ctx, []clarify.Answer{
				{Field: domain.FieldDates, Preset: "Last Year"},
				{Field: domain.FieldStrategyDescription, Value: "Buy when RSI drops below 30, sell above 70"},
			})).To(Succeed())

			snap = h.sess.Snapshot()
			Expect(snap.State).To(Equal(session.StatePendingApproval))
			Expect(snap.Params).To(HaveKeyWithValue("start_date", "2023-01-01"))
			Expect(snap.Params).To(HaveKeyWithValue("end_date", "2023-12-31"))
			Expect(snap.Confidence).To(HaveKeyWithValue("start_date", 1.0))
			Expect(snap.Spec.Content).To(ContainSubstring("universe: TSLA"))
			Expect(snap.Spec.Valid).To(BeTrue())
			Expect(h.ext.utterances[1]).To(ContainSubstring("start_date: 2023-01-01"))

			reqs := h.spec.Requests()
			Expect(reqs).To(HaveLen(1))
			Expect(reqs[0].InitialCapital).To(Equal(50000.0))
			Expect(reqs[0].TickerList).To(Equal([]string{"TSLA"}))

			Expect(h.sim.Requests()).To(BeEmpty())
			Expect(h.sess.Approve(ctx)).To(Succeed())

			snap = h.sess.Snapshot()
			Expect(snap.State).To(Equal(session.StateDone))
			Expect(snap.Result).NotTo(BeNil())
			Expect(snap.Result.BacktestID).NotTo(BeEmpty())

			executed := h.sim.Requests()
			Expect(executed).To(HaveLen(1))
			Expect(executed[0].Intent).To(Equal(domain.IntentBacktest))
			Expect(executed[0].Spec).To(Equal(snap.Spec.Content))
			Expect(executed[0].Parameters).To(HaveKeyWithValue("capital", 50000.0))

			Expect(h.runs.runs).To(HaveLen(1))
			Expect(h.runs.runs[0].ID).To(Equal(snap.Result.BacktestID))
			Expect(h.journal.Decisions()).To(HaveLen(1))
			Expect(h.journal.Decisions()[0].Decision).To(Equal(domain.DecisionApproved))
		})

		It("rejects an invalid custom range without calling the service", func() {
			Expect(h.sess.Submit(ctx, "Invest $50k in Tesla")).To(Succeed())
			calls := h.ext.Calls()

			err := h.sess.Answer(ctx, []clarify.Answer{
				{Field: domain.FieldDates, Preset: "Custom", Start: "2024-02-01", End: "2024-01-01"},
			})
			var verr *clarify.ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
			Expect(h.ext.Calls()).To(Equal(calls))
			Expect(h.sess.State()).To(Equal(session.StateClarifying))
			Expect(h.sess.Params().Has(domain.FieldStartDate)).To(BeFalse())
		})

		It("starts over when a message arrives after execution", func() {
			Expect(h.sess.Submit(ctx, "Invest $50k in Tesla")).To(Succeed())
			Expect(h.sess.Answer(ctx, []clarify.Answer{
				{Field: domain.FieldDates, Preset: "YTD"},
				{Field: domain.FieldStrategyDescription, Value: "trend following"},
			})).To(Succeed())
			Expect(h.sess.Approve(ctx)).To(Succeed())

			Expect(h.sess.Submit(ctx, "now something else")).To(Succeed())
			snap := h.sess.Snapshot()
			Expect(snap.Result).To(BeNil())
			Expect(snap.Params).NotTo(HaveKey("start_date"))
		})

		It("lands in Idle when the first extraction of a new workflow fails", func() {
			h = newHarness(session.Options{}, step{res: allParams("TSLA")}, step{err: errors.New("extraction down")})
			Expect(h.sess.Submit(ctx, "buy the dip on TSLA")).To(Succeed())
			Expect(h.sess.Approve(ctx)).To(Succeed())
			Expect(h.sess.State()).To(Equal(session.StateDone))

			err := h.sess.Submit(ctx, "now something else")
			var f *session.Failure
			Expect(errors.As(err, &f)).To(BeTrue())
			Expect(f.Kind).To(Equal(session.KindExtraction))

			snap := h.sess.Snapshot()
			Expect(snap.State).To(Equal(session.StateIdle))
			Expect(snap.Params).To(BeEmpty())
			Expect(snap.Result).To(BeNil())
		})
	})

	Describe("confirmation prompts", func() {
		confirmDescription := domain.ClarificationQuestion{
			Question: "Shall I buy when RSI drops below 30 and sell above 70?",
			Field:    domain.FieldStrategyDescription,
			Kind:     domain.KindTextarea,
			Class:    domain.ClassConfirmation,
		}
		described := &extract.Result{
			Intent: domain.IntentBacktest,
			Values: map[domain.Field]any{domain.FieldStrategyDescription: "RSI 30/70 mean reversion"},
		}

		lastMessage := func() string {
			msgs := h.sess.Messages()
			Expect(msgs).NotTo(BeEmpty())
			return msgs[len(msgs)-1].Text
		}

		It("asks in text and continues on a free-form reply", func() {
			first := allParams("TSLA")
			delete(first.Values, domain.FieldStrategyDescription)
			first.Missing = []domain.Field{domain.FieldStrategyDescription}
			first.NeedsClarification = true
			first.Questions = []domain.ClarificationQuestion{confirmDescription}
			h = newHarness(session.Options{}, step{res: first}, step{res: described})

			Expect(h.sess.Submit(ctx, "RSI strategy on TSLA")).To(Succeed())
			snap := h.sess.Snapshot()
			Expect(snap.State).To(Equal(session.StateClarifying))
			Expect(snap.Questions).To(BeEmpty())
			Expect(snap.Missing).To(ConsistOf(domain.FieldStrategyDescription))
			Expect(lastMessage()).To(Equal(confirmDescription.Question))

			calls := h.ext.Calls()
			err := h.sess.Answer(ctx, []clarify.Answer{
				{Field: domain.FieldStrategyDescription, Value: "yes"},
			})
			Expect(err).To(MatchError(session.ErrInvalidState))
			Expect(h.ext.Calls()).To(Equal(calls))
			Expect(h.sess.State()).To(Equal(session.StateClarifying))

			Expect(h.sess.Submit(ctx, "yes")).To(Succeed())
			Expect(h.ext.Calls()).To(Equal(calls + 1))
			Expect(h.ext.utterances[calls]).To(Equal("yes"))
			Expect(h.sess.State()).To(Equal(session.StatePendingApproval))
			Expect(h.sess.Params().Has(domain.FieldStrategyDescription)).To(BeTrue())
		})

		It("combines confirmation text with questions for the remaining fields", func() {
			first := teslaFirstTurn()
			first.Questions = []domain.ClarificationQuestion{
				confirmDescription,
				{Question: "What period?", Field: domain.FieldDates, Kind: domain.KindDateRange, Class: domain.ClassNewInformation},
			}
			h = newHarness(session.Options{}, step{res: first}, step{res: described})

			Expect(h.sess.Submit(ctx, "Invest $50k in Tesla")).To(Succeed())
			snap := h.sess.Snapshot()
			Expect(snap.State).To(Equal(session.StateClarifying))
			Expect(snap.Questions).To(HaveLen(1))
			Expect(snap.Questions[0].Field).To(Equal(domain.FieldDates))

			msg := lastMessage()
			Expect(msg).To(HavePrefix(confirmDescription.Question + "\n\n"))
			Expect(msg).To(ContainSubstring("A few details are still needed:\n- What period?"))
			Expect(msg).NotTo(ContainSubstring("- " + confirmDescription.Question))

			err := h.sess.Answer(ctx, []clarify.Answer{
				{Field: domain.FieldStrategyDescription, Value: "something else"},
			})
			var verr *clarify.ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())

			Expect(h.sess.Answer(ctx, []clarify.Answer{
				{Field: domain.FieldDates, Preset: "Last Year"},
			})).To(Succeed())
			Expect(h.sess.State()).To(Equal(session.StatePendingApproval))
			Expect(h.sess.Params().Has(domain.FieldStartDate)).To(BeTrue())
		})
	})

	Describe("generation", func() {
		It("never starts while required fields are missing", func() {
			h = newHarness(session.Options{}, step{res: teslaFirstTurn()})
			Expect(h.sess.Submit(ctx, "Invest $50k in Tesla")).To(Succeed())
			Expect(h.sess.Skip()).To(Succeed())
			Expect(h.sess.State()).To(Equal(session.StateIdle))

			err := h.sess.Generate(ctx)
			Expect(errors.Is(err, specgen.ErrMissingParameters)).To(BeTrue())
			Expect(h.spec.Requests()).To(BeEmpty())
			Expect(h.sess.Snapshot().Missing).NotTo(BeEmpty())
		})

		It("waits for an explicit Generate with ManualGenerate", func() {
			h = newHarness(session.Options{ManualGenerate: true}, step{res: allParams("AAPL")})
			Expect(h.sess.Submit(ctx, "buy the dip on AAPL")).To(Succeed())
			Expect(h.sess.State()).To(Equal(session.StateIdle))
			Expect(h.spec.Requests()).To(BeEmpty())

			Expect(h.sess.Generate(ctx)).To(Succeed())
			Expect(h.sess.State()).To(Equal(session.StatePendingApproval))
		})

		It("regenerates with identical parameters", func() {
			h = newHarness(session.Options{}, step{res: allParams()})
			Expect(h.sess.Submit(ctx, "buy the dip")).To(Succeed())
			Expect(h.sess.State()).To(Equal(session.StatePendingApproval))
			Expect(h.sess.Params().Has(domain.FieldTickerList)).To(BeFalse())

			Expect(h.sess.Regenerate(ctx)).To(Succeed())
			Expect(h.sess.Regenerate(ctx)).To(Succeed())

			reqs := h.spec.Requests()
			Expect(reqs).To(HaveLen(3))
			Expect(reqs[1]).To(Equal(reqs[0]))
			Expect(reqs[2]).To(Equal(reqs[0]))
			Expect(reqs[0].TickerList).To(BeEmpty())

			Expect(h.sess.Approve(ctx)).To(Succeed())
			executed := h.sim.Requests()
			Expect(executed).To(HaveLen(1))
			Expect(executed[0].Parameters).To(HaveKeyWithValue("ticker_list", []string{"TSLA"}))
		})

		It("drops inferred tickers when a regenerated strategy picks its own assets", func() {
			h = newHarness(session.Options{}, step{res: allParams()})
			Expect(h.sess.Submit(ctx, "buy the dip")).To(Succeed())
			before := h.sess.Params().Snapshot()

			gate, _ := h.sess.Review()
			Expect(gate.Summary()).To(ContainElement(And(
				HaveField("Field", domain.FieldTickerList),
				HaveField("Value", ContainSubstring("TSLA")),
			)))

			h.spec.chunks = []string{"universe: " + domain.AIManagedUniverse + "\n"}
			h.spec.result.TickerList = []string{domain.AIManagedUniverse}
			Expect(h.sess.Regenerate(ctx)).To(Succeed())
			Expect(h.sess.Params().Snapshot()).To(Equal(before))

			Expect(h.sess.Approve(ctx)).To(Succeed())
			executed := h.sim.Requests()
			Expect(executed).To(HaveLen(1))
			Expect(executed[0].Spec).To(ContainSubstring(domain.AIManagedUniverse))
			Expect(executed[0].Parameters).NotTo(HaveKey("ticker_list"))
		})

		It("never adds tickers to the parameters on regenerate", func() {
			h = newHarness(session.Options{}, step{res: allParams()})
			h.spec.chunks = []string{"universe: " + domain.AIManagedUniverse + "\n"}
			h.spec.result.TickerList = []string{domain.AIManagedUniverse}
			Expect(h.sess.Submit(ctx, "let the agent pick")).To(Succeed())
			before := h.sess.Params().Snapshot()

			h.spec.chunks = []string{"universe: MSFT\n"}
			h.spec.result.TickerList = []string{"MSFT"}
			Expect(h.sess.Regenerate(ctx)).To(Succeed())
			Expect(h.sess.Params().Snapshot()).To(Equal(before))
			Expect(h.sess.Params().Has(domain.FieldTickerList)).To(BeFalse())

			Expect(h.sess.Approve(ctx)).To(Succeed())
			executed := h.sim.Requests()
			Expect(executed).To(HaveLen(1))
			Expect(executed[0].Spec).To(ContainSubstring("MSFT"))
			Expect(executed[0].Parameters).To(HaveKeyWithValue("ticker_list", []string{"MSFT"}))
		})

		It("flags low-confidence fields at the gate instead of asking again", func() {
			res := allParams("TSLA")
			res.Confidence = map[domain.Field]float64{domain.FieldCapital: 0.3}
			res.NeedsClarification = true
			res.Questions = []domain.ClarificationQuestion{
				{Question: "How much capital?", Field: domain.FieldCapital, Kind: domain.KindNumber, Class: domain.ClassNewInformation},
			}
			h = newHarness(session.Options{LowConfidence: 0.6}, step{res: res})
			Expect(h.sess.Submit(ctx, "buy the dip on TSLA")).To(Succeed())

			snap := h.sess.Snapshot()
			Expect(snap.State).To(Equal(session.StatePendingApproval))
			Expect(snap.Questions).To(BeEmpty())

			gate, _ := h.sess.Review()
			Expect(gate.Summary()).To(ContainElement(And(
				HaveField("Field", domain.FieldCapital),
				HaveField("LowConfidence", BeTrue()),
			)))
		})

		It("keeps an AI-managed universe empty", func() {
			h = newHarness(session.Options{}, step{res: allParams()})
			h.spec.chunks = []string{"universe: " + domain.AIManagedUniverse + "\n"}
			h.spec.result.TickerList = []string{domain.AIManagedUniverse}
			Expect(h.sess.Submit(ctx, "let the agent pick")).To(Succeed())
			Expect(h.sess.Params().Has(domain.FieldTickerList)).To(BeFalse())

			gate, _ := h.sess.Review()
			var universe string
			for _, r := range gate.Summary() {
				if r.Field == domain.FieldTickerList {
					universe = r.Value
				}
			}
			Expect(universe).To(Equal("Selected by the strategy"))
		})

		It("returns to Idle with an empty spec when generation fails", func() {
			h = newHarness(session.Options{}, step{res: allParams("TSLA")})
			h.spec.FailWith(errors.New("model overloaded"))

			err := h.sess.Submit(ctx, "buy the dip on TSLA")
			var f *session.Failure
			Expect(errors.As(err, &f)).To(BeTrue())
			Expect(f.Kind).To(Equal(session.KindGeneration))

			snap := h.sess.Snapshot()
			Expect(snap.State).To(Equal(session.StateIdle))
			Expect(snap.Spec.IsEmpty()).To(BeTrue())
			Expect(snap.Params).To(HaveKey("capital"))
			Expect(snap.LastError).To(ContainSubstring("model overloaded"))
		})
	})

	Describe("approval", func() {
		BeforeEach(func() {
			h = newHarness(session.Options{}, step{res: allParams("TSLA")})
			Expect(h.sess.Submit(ctx, "buy the dip on TSLA")).To(Succeed())
			Expect(h.sess.State()).To(Equal(session.StatePendingApproval))
		})

		It("stays pending when execution fails", func() {
			h.sim.FailWith("quota exceeded")
			spec := h.sess.Snapshot().Spec

			err := h.sess.Approve(ctx)
			var f *session.Failure
			Expect(errors.As(err, &f)).To(BeTrue())
			Expect(f.Kind).To(Equal(session.KindExecution))

			snap := h.sess.Snapshot()
			Expect(snap.State).To(Equal(session.StatePendingApproval))
			Expect(snap.Spec).To(Equal(spec))
			Expect(h.runs.runs).To(BeEmpty())

			h.sim.FailWith("")
			Expect(h.sess.Approve(ctx)).To(Succeed())
			Expect(h.sim.Requests()).To(HaveLen(2))
		})

		It("resets everything on cancel", func() {
			Expect(h.sess.Cancel()).To(Succeed())

			snap := h.sess.Snapshot()
			Expect(snap.State).To(Equal(session.StateIdle))
			Expect(snap.Params).To(BeEmpty())
			Expect(snap.Spec.IsEmpty()).To(BeTrue())
			Expect(h.sim.Requests()).To(BeEmpty())

			decisions := h.journal.Decisions()
			Expect(decisions).To(HaveLen(1))
			Expect(decisions[0].Decision).To(Equal(domain.DecisionCancelled))
		})

		It("works through the review gate", func() {
			gate, diff := h.sess.Review()
			Expect(diff).To(BeNil())
			Expect(gate.Spec().IsEmpty()).To(BeFalse())
			Expect(gate.Summary()).NotTo(BeEmpty())

			Expect(gate.Regenerate(ctx)).To(Succeed())
			_, diff = h.sess.Review()
			Expect(approval.Changed(diff)).To(BeFalse())

			gate, _ = h.sess.Review()
			Expect(gate.Approve(ctx)).To(Succeed())
			Expect(h.sess.State()).To(Equal(session.StateDone))
		})

		It("rejects edits and submissions while pending", func() {
			Expect(h.sess.EditField(domain.FieldCapital, "1")).To(MatchError(session.ErrInvalidState))
			Expect(h.sess.Submit(ctx, "more")).To(MatchError(session.ErrInvalidState))
			Expect(h.sess.Generate(ctx)).To(MatchError(session.ErrInvalidState))
		})
	})

	Describe("concurrency", func() {
		var (
			block chan struct{}
			done  chan error
		)

		BeforeEach(func() {
			block = make(chan struct{})
			done = make(chan error, 1)
			h = newHarness(session.Options{}, step{block: block, res: teslaFirstTurn()})
			go func() { done <- h.sess.Submit(ctx, "Invest $50k in Tesla") }()
			Eventually(h.sess.State).Should(Equal(session.StateExtracting))
		})

		AfterEach(func() {
			select {
			case <-block:
			default:
				close(block)
			}
		})

		It("refuses a second request while one is outstanding", func() {
			Expect(h.sess.Submit(ctx, "again")).To(MatchError(session.ErrBusy))
			Expect(h.sess.Snapshot().Busy).To(BeTrue())

			close(block)
			Eventually(done).Should(Receive(BeNil()))
			Expect(h.sess.State()).To(Equal(session.StateClarifying))
		})

		It("discards the response of a cancelled request", func() {
			Expect(h.sess.Cancel()).To(Succeed())

			var err error
			Eventually(done, time.Second).Should(Receive(&err))
			Expect(err).To(MatchError(session.ErrStale))

			snap := h.sess.Snapshot()
			Expect(snap.State).To(Equal(session.StateIdle))
			Expect(snap.Params).To(BeEmpty())
			Expect(snap.Busy).To(BeFalse())
		})
	})
})
