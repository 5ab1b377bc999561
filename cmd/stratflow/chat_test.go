package main

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"stratflow/pkg/stratflow"
)

func TestParseAssignment(t *testing.T) {
	tests := []struct {
		in           string
		field, value string
		ok           bool
	}{
		{"capital=50000", "capital", "50000", true},
		{" ticker_list = AAPL, TSLA ", "ticker_list", "AAPL, TSLA", true},
		{"capital", "", "", false},
		{"=5", "", "", false},
	}
	for _, tt := range tests {
		f, v, ok := parseAssignment(tt.in)
		if f != tt.field || v != tt.value || ok != tt.ok {
			t.Errorf("parseAssignment(%q) = (%q, %q, %v), want (%q, %q, %v)", tt.in, f, v, ok, tt.field, tt.value, tt.ok)
		}
	}
}

func TestAskQuestions(t *testing.T) {
	var out bytes.Buffer
	c := &chat{
		in:  bufio.NewScanner(strings.NewReader("custom\n2023-01-01\n2023-06-30\n\naapl, tsla\n")),
		out: &out,
	}
	answers, ok := c.askQuestions([]stratflow.Question{
		{Question: "What period?", Field: "dates", Kind: "date-range", Suggestions: []string{"Last Year", "Custom"}},
		{Question: "Capital?", Field: "capital", Kind: "number"},
		{Question: "Tickers?", Field: "ticker_list", Kind: "array"},
	})
	if !ok {
		t.Fatal("askQuestions reported end of input")
	}
	if len(answers) != 2 {
		t.Fatalf("got %d answers, want 2 (capital left blank)", len(answers))
	}
	if a := answers[0]; a.Preset != "custom" || a.Start != "2023-01-01" || a.End != "2023-06-30" {
		t.Errorf("date answer = %+v", a)
	}
	if a := answers[1]; a.Field != "ticker_list" || strings.Join(a.Values, ",") != "aapl,tsla" {
		t.Errorf("ticker answer = %+v", a)
	}
	if !strings.Contains(out.String(), "[Last Year | Custom]") {
		t.Errorf("suggestions not shown: %q", out.String())
	}
}

func TestAskQuestionsEndOfInput(t *testing.T) {
	c := &chat{in: bufio.NewScanner(strings.NewReader("")), out: &bytes.Buffer{}}
	if _, ok := c.askQuestions([]stratflow.Question{{Field: "capital"}}); ok {
		t.Error("askQuestions should stop when input ends")
	}
}

func TestPrintLogSkipsUserMessages(t *testing.T) {
	var out bytes.Buffer
	c := &chat{out: &out}
	c.printLog(&stratflow.Session{Log: []stratflow.Message{
		{Role: "user", Text: "backtest TSLA"},
		{Role: "assistant", Text: "A few details are still needed"},
	}})
	c.printLog(&stratflow.Session{Log: []stratflow.Message{
		{Role: "user", Text: "backtest TSLA"},
		{Role: "assistant", Text: "A few details are still needed"},
		{Role: "assistant", Text: "Here is your strategy"},
	}})
	got := out.String()
	if strings.Contains(got, "backtest TSLA") {
		t.Error("user messages should not be echoed")
	}
	if strings.Count(got, "A few details") != 1 || !strings.Contains(got, "Here is your strategy") {
		t.Errorf("printLog output = %q", got)
	}
}
