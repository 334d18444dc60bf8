package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/BTreeMap/CoachPipe/internal/conversation"
	"github.com/BTreeMap/CoachPipe/internal/export"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

const chatHelp = "Commands: /new (new idea), /newchat, /report, /csv, /help, /quit"

// chat is a line-oriented terminal session against the manager.
type chat struct {
	manager *conversation.Manager
	out     io.Writer
	render  func(string) string
	id      string
}

// markdownRenderer renders replies for the terminal, falling back to the
// raw text when glamour cannot be set up.
func markdownRenderer(width int) func(string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		slog.Warn("markdown renderer unavailable, printing plain text", "error", err)
		return plainText
	}
	return func(s string) string {
		if strings.TrimSpace(s) == "" {
			return ""
		}
		out, err := r.Render(s)
		if err != nil {
			return plainText(s)
		}
		return out
	}
}

func plainText(s string) string {
	return strings.TrimRight(s, "\n") + "\n"
}

// runChat starts a session for workflow and relays lines from in until
// /quit, EOF or ctx is cancelled.
func runChat(ctx context.Context, m *conversation.Manager, in io.Reader, out io.Writer, workflow string) error {
	c := &chat{manager: m, out: out, render: markdownRenderer(80)}
	return c.run(ctx, in, models.WorkflowName(workflow))
}

func (c *chat) run(ctx context.Context, in io.Reader, workflow models.WorkflowName) error {
	res, err := c.manager.Start(ctx, "", workflow)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	c.id = res.SessionID
	fmt.Fprintln(c.out, chatHelp)
	c.print(res)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(c.out)
				return nil
			}
			quit, err := c.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				slog.Error("chat turn failed", "session_id", c.id, "error", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the session should end.
func (c *chat) handle(ctx context.Context, line string) (bool, error) {
	switch strings.ToLower(line) {
	case "":
		return false, nil
	case "/quit", "/exit":
		fmt.Fprintf(c.out, "Session %s saved. Bye!\n", c.id)
		return true, nil
	case "/help":
		fmt.Fprintln(c.out, chatHelp)
		return false, nil
	case "/new":
		res, err := c.manager.NewIdea(ctx, c.id)
		c.print(res)
		return false, err
	case "/newchat":
		res, err := c.manager.NewChat(ctx, c.id)
		if err == nil {
			c.id = res.SessionID
		}
		c.print(res)
		return false, err
	case "/report", "/csv":
		return false, c.report(ctx, line)
	}
	res, err := c.manager.Turn(ctx, c.id, line)
	c.print(res)
	return false, err
}

func (c *chat) report(ctx context.Context, cmd string) error {
	sess, err := c.manager.Session(ctx, c.id)
	if err != nil {
		return err
	}
	if strings.EqualFold(cmd, "/csv") {
		b, err := export.CSV(sess)
		if err != nil {
			return err
		}
		_, err = c.out.Write(b)
		return err
	}
	b, err := export.Markdown(sess)
	if err != nil {
		return err
	}
	fmt.Fprint(c.out, c.render(string(b)))
	return nil
}

func (c *chat) print(res models.TurnReply) {
	if res.Reply == "" {
		return
	}
	fmt.Fprint(c.out, c.render(res.Reply))
}
