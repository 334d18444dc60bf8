package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CoachPipe/internal/api"
	"github.com/BTreeMap/CoachPipe/internal/conversation"
	"github.com/BTreeMap/CoachPipe/internal/eventlog"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/lockfile"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/persona"
	"github.com/BTreeMap/CoachPipe/internal/scheduler"
	"github.com/BTreeMap/CoachPipe/internal/search"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CoachPipe/internal/usage"
	"github.com/BTreeMap/CoachPipe/internal/whatsapp"
)

// Scheduled job names.
const (
	jobTokenReset   = "daily-token-reset"
	jobSessionPrune = "session-prune"
)

// app holds the long-lived components shared by both modes.
type app struct {
	store   store.Store
	meter   *usage.Meter
	sink    eventlog.Sink
	closers []io.Closer
	manager *conversation.Manager
	sched   *scheduler.Scheduler
}

// run acquires the state directory lock, wires the app and runs the mode.
func run(ctx context.Context, flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}
	lock, err := lockfile.AcquireLock(*flags.stateDir, flags.mode)
	if err != nil {
		return err
	}
	defer lock.Release()

	a, err := buildApp(flags)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.schedule(ctx, time.Duration(*flags.retentionDays)*24*time.Hour); err != nil {
		return err
	}

	switch flags.mode {
	case ModeChat:
		return runChat(ctx, a.manager, os.Stdin, os.Stdout, *flags.workflow)
	default:
		return a.serve(ctx, flags)
	}
}

// buildApp opens the store and builds the event sinks, persona and manager.
func buildApp(flags Flags) (*app, error) {
	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{store: st, meter: usage.NewMeter(*flags.dailyTokenCap)}

	if err := a.buildSinks(*flags.eventLog); err != nil {
		a.Close()
		return nil, err
	}

	opts := []conversation.Option{
		conversation.WithMeter(a.meter),
		conversation.WithEventSink(a.sink),
	}
	for _, wf := range flow.List() {
		p, err := a.buildPersona(flags, wf)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, conversation.WithEngine(flow.NewEngine(wf, p, a.sink)))
	}
	a.manager = conversation.NewManager(st, opts...)
	return a, nil
}

// buildSinks fans events out to slog, the store and, when configured, a JSONL file.
func (a *app) buildSinks(eventLogPath string) error {
	storeSink := eventlog.NewStoreSink(a.store, eventlog.DefaultQueueSize)
	a.closers = append(a.closers, storeSink)
	sinks := eventlog.Multi{eventlog.SlogSink{}, storeSink}

	if eventLogPath != "" {
		jsonl, err := eventlog.NewJSONLSink(eventLogPath, eventlog.DefaultQueueSize)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		a.closers = append(a.closers, jsonl)
		sinks = append(sinks, jsonl)
	}
	a.sink = sinks
	return nil
}

// buildPersona returns the workflow's template persona, wrapped in the LLM
// persona when an OpenAI key is configured.
func (a *app) buildPersona(flags Flags, wf *flow.Workflow) (persona.Persona, error) {
	var fallback persona.Persona
	if *flags.personaTemplates != "" {
		catalog, err := persona.LoadCatalog(*flags.personaTemplates)
		if err != nil {
			return nil, fmt.Errorf("load persona templates: %w", err)
		}
		fallback = persona.NewTemplateWithCatalog(catalog)
	} else {
		p, err := persona.New(wf.Persona)
		if err != nil {
			return nil, err
		}
		fallback = p
	}

	if *flags.openaiKey == "" {
		slog.Info("No OpenAI API key, using template persona", "workflow", wf.Name)
		return fallback, nil
	}
	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return nil, fmt.Errorf("create GenAI client: %w", err)
	}
	llmOpts := []persona.LLMOption{persona.WithMeter(a.meter), persona.WithEventSink(a.sink)}
	if *flags.perplexityKey != "" {
		llmOpts = append(llmOpts, persona.WithSearcher(search.NewClient(buildSearchOptions(flags, a.store)...)))
	}
	slog.Info("Using LLM persona", "workflow", wf.Name, "research", *flags.perplexityKey != "")
	return persona.NewLLM(client, fallback, llmOpts...), nil
}

// schedule registers the midnight token reset and the nightly prune.
func (a *app) schedule(ctx context.Context, retention time.Duration) error {
	a.sched = scheduler.NewScheduler()
	if err := a.sched.AddJob(jobTokenReset, scheduler.Midnight, a.meter.Reset); err != nil {
		return err
	}
	if retention <= 0 {
		return nil
	}
	return a.sched.AddJob(jobSessionPrune, scheduler.Nightly, func() {
		if _, err := a.manager.Prune(ctx, retention); err != nil {
			slog.Error("session prune failed", "error", err)
		}
	})
}

// serve runs the HTTP API and, when configured, a WhatsApp transport.
func (a *app) serve(ctx context.Context, flags Flags) error {
	apiOpts := buildAPIOptions(flags)

	svc, webhook, err := a.buildTransport(ctx, flags)
	if err != nil {
		return err
	}
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithWebhook("", webhook))
	}

	if svc != nil {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start messaging: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.NewServer(a.manager, apiOpts...).Run(gctx) })
	if svc != nil {
		g.Go(func() error { return messaging.NewResponder(svc, a.manager).Run(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			return svc.Stop()
		})
	}
	return g.Wait()
}

// buildTransport creates the messaging service selected by -messaging.
// Twilio also returns its inbound webhook handler.
func (a *app) buildTransport(ctx context.Context, flags Flags) (messaging.Service, http.Handler, error) {
	switch *flags.messaging {
	case BackendTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions()...)
		if err != nil {
			return nil, nil, fmt.Errorf("create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, http.HandlerFunc(svc.TwilioWebhookHandler), nil
	case BackendWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		return nil, nil, nil
	}
}

// Close stops the scheduler, flushes the event sinks and closes the store.
func (a *app) Close() {
	if a.sched != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.sched.Stop(ctx)
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("close event sink", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}
}
