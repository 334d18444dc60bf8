package messaging

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CoachPipe/internal/conversation"
	"github.com/BTreeMap/CoachPipe/internal/export"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Defaults for the Responder.
const (
	DefaultSessionPrefix = "wa_"
	DefaultWorkers       = 4
)

// Chat commands understood by the Responder before the message reaches the coach.
var (
	newIdeaCommands = []string{"/new", "/restart", "new idea"}
	reportCommands  = []string{"/report", "/export"}
)

// Coach runs coaching turns for a session id.
type Coach interface {
	Turn(ctx context.Context, id, input string) (models.TurnReply, error)
	Start(ctx context.Context, id string, workflow models.WorkflowName) (models.TurnReply, error)
	NewIdea(ctx context.Context, id string) (models.TurnReply, error)
	Session(ctx context.Context, id string) (*models.Session, error)
}

// Responder answers inbound messages of a Service with coaching turns.
// Each sender maps to one session; messages from the same sender are
// handled in arrival order.
type Responder struct {
	svc     Service
	coach   Coach
	prefix  string
	workers int
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithSessionPrefix sets the prefix joined to the sender's digits to form the session id.
func WithSessionPrefix(prefix string) ResponderOption {
	return func(r *Responder) { r.prefix = prefix }
}

// WithWorkers sets how many senders are served concurrently.
func WithWorkers(n int) ResponderOption {
	return func(r *Responder) {
		if n > 0 {
			r.workers = n
		}
	}
}

// NewResponder creates a Responder routing svc's inbound messages to coach.
func NewResponder(svc Service, coach Coach, opts ...ResponderOption) *Responder {
	r := &Responder{svc: svc, coach: coach, prefix: DefaultSessionPrefix, workers: DefaultWorkers}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SessionID returns the session id used for a canonical sender number.
func (r *Responder) SessionID(from string) string {
	return r.prefix + from
}

// ProcessResponse runs one inbound message and sends the reply to its sender.
func (r *Responder) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := r.svc.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("Responder.ProcessResponse: invalid sender", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	id := r.SessionID(canonicalFrom)
	slog.Debug("Responder.ProcessResponse: processing", "sessionID", id, "body_length", len(response.Body))

	text, err := r.reply(ctx, id, response.Body)
	if err != nil {
		slog.Error("Responder.ProcessResponse: turn failed", "sessionID", id, "error", err)
		if text == "" {
			text = conversation.GenericErrorMessage
		}
	}
	if text == "" {
		return err
	}
	if sendErr := r.svc.SendMessage(ctx, canonicalFrom, text); sendErr != nil {
		slog.Error("Responder.ProcessResponse: send failed", "sessionID", id, "error", sendErr)
		return errors.Join(err, fmt.Errorf("send reply: %w", sendErr))
	}
	return err
}

// reply handles chat commands, then falls through to a coaching turn.
func (r *Responder) reply(ctx context.Context, id, body string) (string, error) {
	cmd := strings.ToLower(strings.TrimSpace(body))
	switch {
	case matches(cmd, newIdeaCommands):
		res, err := r.coach.NewIdea(ctx, id)
		if errors.Is(err, conversation.ErrSessionNotFound) {
			res, err = r.coach.Start(ctx, id, "")
		}
		return res.Reply, err
	case matches(cmd, reportCommands):
		sess, err := r.coach.Session(ctx, id)
		if err != nil {
			if errors.Is(err, conversation.ErrSessionNotFound) {
				return "There is nothing to report yet. Say hello to get started.", nil
			}
			return "", err
		}
		report, err := export.Markdown(sess)
		if err != nil {
			return "", err
		}
		return string(report), nil
	}
	res, err := r.coach.Turn(ctx, id, body)
	return res.Reply, err
}

func matches(cmd string, commands []string) bool {
	for _, c := range commands {
		if cmd == c {
			return true
		}
	}
	return false
}

// Run consumes the service's responses and receipts until ctx is cancelled
// or the responses channel closes. Senders are sharded across workers so a
// slow turn only delays messages that hash to the same worker.
func (r *Responder) Run(ctx context.Context) error {
	slog.Info("Responder.Run: starting", "workers", r.workers)
	defer slog.Info("Responder.Run: stopped")

	g, gctx := errgroup.WithContext(ctx)
	queues := make([]chan models.Response, r.workers)
	for i := range queues {
		q := make(chan models.Response, DefaultChannelBufferSize)
		queues[i] = q
		g.Go(func() error {
			for resp := range q {
				if err := r.ProcessResponse(gctx, resp); err != nil {
					slog.Warn("Responder.Run: response not fully handled", "from", resp.From, "error", err)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case receipt, ok := <-r.svc.Receipts():
				if !ok {
					return nil
				}
				slog.Debug("Responder.Run: receipt", "to", receipt.To, "status", receipt.Status)
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			select {
			case resp, ok := <-r.svc.Responses():
				if !ok {
					slog.Debug("Responder.Run: responses channel closed")
					return nil
				}
				select {
				case queues[shard(resp.From, len(queues))] <- resp:
				case <-gctx.Done():
					return nil
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}

func shard(from string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(phoneNumberRegex.ReplaceAllString(from, "")))
	return int(h.Sum32() % uint32(n))
}
