package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"stratflow/pkg/stratflow"
)

const chatHelp = `Type a message to describe or refine your strategy. Commands:
  /approve          run the generated strategy
  /regenerate       generate the strategy again from the same parameters
  /generate         generate now (when the server waits for it)
  /skip             skip the optional questions
  /set field=value  edit one parameter
  /review           show the parameters and strategy awaiting approval
  /cancel           discard the current strategy and start over
  /quit             leave`

func newChatCmd(g *globals) *cobra.Command {
	var resume string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive strategy conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := &chat{
				client: stratflow.NewClient(g.server),
				in:     bufio.NewScanner(cmd.InOrStdin()),
				out:    cmd.OutOrStdout(),
			}
			return c.run(cmd.Context(), resume)
		},
	}
	cmd.Flags().StringVar(&resume, "session", "", "resume an existing session")
	return cmd
}

type chat struct {
	client *stratflow.Client
	in     *bufio.Scanner
	out    io.Writer
	id     string
	seen   int
}

func (c *chat) run(ctx context.Context, resume string) error {
	var sess *stratflow.Session
	var err error
	if resume != "" {
		sess, err = c.client.GetSession(ctx, resume)
	} else {
		sess, err = c.client.CreateSession(ctx)
	}
	if err != nil {
		return err
	}
	c.id = sess.ID
	fmt.Fprintf(c.out, "session %s\n%s\n\n", c.id, chatHelp)
	c.printLog(sess)

	for {
		if sess.State == "clarifying" && len(sess.Questions) > 0 {
			answers, ok := c.askQuestions(sess.Questions)
			if !ok {
				return nil
			}
			if len(answers) > 0 {
				sess, err = c.step(ctx, func() (*stratflow.Session, error) {
					return c.client.Answer(ctx, c.id, answers)
				})
				if err != nil {
					return err
				}
				continue
			}
		}

		line, ok := c.prompt("> ")
		if !ok {
			return nil
		}
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		next, err := c.step(ctx, func() (*stratflow.Session, error) { return c.dispatch(ctx, line) })
		if err != nil {
			return err
		}
		if next != nil {
			sess = next
		}
	}
}

// step runs one action and prints whatever the server logged for it.
// API errors are shown and the conversation continues.
func (c *chat) step(ctx context.Context, action func() (*stratflow.Session, error)) (*stratflow.Session, error) {
	_, err := action()
	var apiErr *stratflow.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(c.out, "! %s\n", apiErr.Message)
	} else if err != nil {
		return nil, err
	}
	sess, err := c.client.GetSession(ctx, c.id)
	if err != nil {
		return nil, err
	}
	c.printLog(sess)
	if sess.State == "pending_approval" {
		c.printSpec(sess.Spec)
	}
	return sess, nil
}

func (c *chat) dispatch(ctx context.Context, line string) (*stratflow.Session, error) {
	if !strings.HasPrefix(line, "/") {
		return c.client.Send(ctx, c.id, line)
	}
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/approve":
		return c.client.Approve(ctx, c.id)
	case "/regenerate":
		return c.client.Regenerate(ctx, c.id)
	case "/generate":
		return c.client.Generate(ctx, c.id)
	case "/skip":
		return c.client.Skip(ctx, c.id)
	case "/cancel":
		return c.client.Cancel(ctx, c.id)
	case "/set":
		field, value, ok := parseAssignment(arg)
		if !ok {
			fmt.Fprintln(c.out, "usage: /set field=value")
			return nil, nil
		}
		return c.client.SetParam(ctx, c.id, field, value)
	case "/review":
		r, err := c.client.Review(ctx, c.id)
		if err != nil {
			return nil, err
		}
		c.printReview(r)
		return nil, nil
	case "/help":
		fmt.Fprintln(c.out, chatHelp)
		return nil, nil
	}
	fmt.Fprintf(c.out, "unknown command %s, try /help\n", cmd)
	return nil, nil
}

// askQuestions walks the open questions. An empty reply leaves a question
// unanswered; ok is false when input ends.
func (c *chat) askQuestions(qs []stratflow.Question) (answers []stratflow.Answer, ok bool) {
	for _, q := range qs {
		label := q.Question
		if len(q.Suggestions) > 0 {
			label += " [" + strings.Join(q.Suggestions, " | ") + "]"
		}
		fmt.Fprintln(c.out, label)

		reply, ok := c.prompt("  " + q.Field + ": ")
		if !ok {
			return nil, false
		}
		if reply == "" {
			continue
		}
		a := stratflow.Answer{Field: q.Field}
		switch q.Kind {
		case "date-range":
			a.Preset = reply
			if strings.EqualFold(reply, "custom") {
				if a.Start, ok = c.prompt("  start (YYYY-MM-DD): "); !ok {
					return nil, false
				}
				if a.End, ok = c.prompt("  end (YYYY-MM-DD): "); !ok {
					return nil, false
				}
			}
		case "array":
			a.Values = splitList(reply)
		default:
			a.Value = reply
		}
		answers = append(answers, a)
	}
	return answers, true
}

func (c *chat) prompt(p string) (string, bool) {
	fmt.Fprint(c.out, p)
	if !c.in.Scan() {
		fmt.Fprintln(c.out)
		return "", false
	}
	return strings.TrimSpace(c.in.Text()), true
}

func (c *chat) printLog(sess *stratflow.Session) {
	if c.seen > len(sess.Log) {
		c.seen = 0
	}
	for _, m := range sess.Log[c.seen:] {
		if m.Role == "user" {
			continue
		}
		fmt.Fprintf(c.out, "%s\n", m.Text)
	}
	c.seen = len(sess.Log)
}

func (c *chat) printSpec(spec stratflow.Spec) {
	fmt.Fprintf(c.out, "\n----- strategy -----\n%s\n--------------------\n", strings.TrimRight(spec.Content, "\n"))
	if !spec.Valid && spec.ValidationMessage != "" {
		fmt.Fprintf(c.out, "warning: %s\n", spec.ValidationMessage)
	}
	fmt.Fprintln(c.out, "/approve to run it, /regenerate for another version, /cancel to start over")
}

func (c *chat) printReview(r *stratflow.Review) {
	for _, row := range r.Rows {
		flag := ""
		if row.LowConfidence {
			flag = "  (please check)"
		}
		fmt.Fprintf(c.out, "%-22s %-30s %.2f%s\n", row.Label, row.Value, row.Confidence, flag)
	}
	if len(r.Diff) > 0 {
		fmt.Fprintln(c.out, "\nchanges since the previous version:")
		for _, d := range r.Diff {
			prefix := " "
			switch d.Type {
			case "added":
				prefix = "+"
			case "removed":
				prefix = "-"
			}
			fmt.Fprintf(c.out, "%s %s\n", prefix, d.Text)
		}
	}
}

func parseAssignment(s string) (field, value string, ok bool) {
	field, value, ok = strings.Cut(s, "=")
	field = strings.TrimSpace(field)
	if !ok || field == "" {
		return "", "", false
	}
	return field, strings.TrimSpace(value), true
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
