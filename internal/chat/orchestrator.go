// Package chat runs one conversational turn end to end: user lookup, session
// resolution, context assembly, generation and persistence.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/jackie/internal/generation"
	"github.com/ent0n29/jackie/internal/history"
	"github.com/ent0n29/jackie/internal/observability"
	"github.com/ent0n29/jackie/internal/policy"
	"github.com/ent0n29/jackie/internal/profile"
	"github.com/ent0n29/jackie/internal/reliability"
	"github.com/ent0n29/jackie/internal/session"
	"github.com/ent0n29/jackie/internal/store"
)

// Replies returned instead of a generated message.
const (
	ReplyUserNotFound = "user not found"
	ReplyUnavailable  = "could not process message"
)

// Turn outcomes reported to metrics.
const (
	OutcomeOK                 = "ok"
	OutcomeUserNotFound       = "user_not_found"
	OutcomeGenerationFailed   = "generation_failed"
	OutcomeSessionUnavailable = "session_unavailable"
)

const logPreviewRunes = 80

// Orchestrator answers chat turns. It is safe for concurrent use.
type Orchestrator struct {
	directory  store.Directory
	messages   store.MessageStore
	controller *session.Controller
	contexts   *profile.Fetcher
	adapter    generation.Adapter
	metrics    *observability.Metrics
	logger     *slog.Logger

	instructions      string
	storeTimeout      time.Duration
	generationTimeout time.Duration
	retry             reliability.Policy
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithContextFetcher(f *profile.Fetcher) Option {
	return func(o *Orchestrator) { o.contexts = f }
}

func WithSystemInstructions(s string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(s) != "" {
			o.instructions = s
		}
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.storeTimeout = d
		}
	}
}

func WithGenerationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.generationTimeout = d
		}
	}
}

func WithRetryPolicy(p reliability.Policy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// NewOrchestrator wires the turn pipeline. Options default to slog.Default,
// DefaultSystemInstructions and no context fetcher.
func NewOrchestrator(
	directory store.Directory,
	messages store.MessageStore,
	controller *session.Controller,
	adapter generation.Adapter,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		directory:         directory,
		messages:          messages,
		controller:        controller,
		adapter:           adapter,
		logger:            slog.Default(),
		instructions:      DefaultSystemInstructions,
		storeTimeout:      5 * time.Second,
		generationTimeout: 30 * time.Second,
		retry:             reliability.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleTurn answers one chat message from contact. It never fails: the reply is
// either generated text or one of ReplyUserNotFound and ReplyUnavailable.
func (o *Orchestrator) HandleTurn(ctx context.Context, contact, text string) string {
	return o.handle(ctx, contact, text, store.MessageTypeChat)
}

// HandleTerminalTurn is HandleTurn for messages typed in the local terminal.
func (o *Orchestrator) HandleTerminalTurn(ctx context.Context, contact, text string) string {
	return o.handle(ctx, contact, text, store.MessageTypeTerminal)
}

func (o *Orchestrator) handle(ctx context.Context, contact, text, messageType string) string {
	turnStarted := time.Now()
	contact = strings.TrimSpace(contact)
	log := o.logger.With("contact", policy.MaskContact(contact))
	log.Info("turn received", "message", policy.Preview(text, logPreviewRunes))

	stageStarted := time.Now()
	userID, ok := o.resolveUser(ctx, contact, log)
	o.metrics.ObserveTurnStage(observability.StageResolveUser, time.Since(stageStarted))
	if !ok {
		o.metrics.ObserveTurn(OutcomeUserNotFound)
		return ReplyUserNotFound
	}
	log = log.With("user_id", userID)

	stageStarted = time.Now()
	uc := o.contexts.Fetch(ctx, userID)
	o.metrics.ObserveTurnStage(observability.StageFetchContext, time.Since(stageStarted))

	stageStarted = time.Now()
	lease, err := o.controller.Acquire(ctx, userID, contact)
	o.metrics.ObserveTurnStage(observability.StageAcquireSession, time.Since(stageStarted))
	if err != nil {
		log.Error("no session for turn", "error", err)
		o.metrics.ObserveTurn(OutcomeSessionUnavailable)
		return ReplyUnavailable
	}
	log = log.With("session_id", lease.ID)
	if lease.Created {
		log.Info("new session opened")
	}

	reply, outcome := o.exchange(ctx, lease, userID, contact, text, messageType, uc, log)
	lease.Release()

	o.controller.MaybeSweep(ctx)
	o.metrics.SetActiveSessions(o.controller.Registry().ActiveCount())
	o.metrics.ObserveTurn(outcome)
	o.metrics.ObserveTurnStage(observability.StageTurnTotal, time.Since(turnStarted))
	log.Info("turn answered", "outcome", outcome, "reply", policy.Preview(reply, logPreviewRunes))
	return reply
}

// exchange runs with the session lease held.
func (o *Orchestrator) exchange(
	ctx context.Context,
	lease *session.Lease,
	userID, contact, text, messageType string,
	uc profile.UserContext,
	log *slog.Logger,
) (string, string) {
	registry := o.controller.Registry()

	window := lease.History.Window()
	lease.History.Append(history.NewUserMessage(text, registry.Now()))

	stageStarted := time.Now()
	o.persist(ctx, userID, contact, text, store.DirectionIncoming, messageType, log)
	persistTook := time.Since(stageStarted)

	reply, outcome := o.generate(ctx, generation.Request{
		SystemInstructions: o.instructions,
		ContextBlock:       profile.RenderContextBlock(uc),
		History:            window,
		Message:            text,
	}, log)

	lease.History.Append(history.NewAssistantMessage(reply, registry.Now()))

	stageStarted = time.Now()
	o.persist(ctx, userID, contact, reply, store.DirectionOutgoing, messageType, log)
	o.metrics.ObserveTurnStage(observability.StagePersist, persistTook+time.Since(stageStarted))

	_ = registry.Touch(lease.ID)
	return reply, outcome
}

func (o *Orchestrator) resolveUser(ctx context.Context, contact string, log *slog.Logger) (string, bool) {
	if contact == "" || o.directory == nil {
		return "", false
	}
	lookupCtx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	userID, err := o.directory.ResolveUserID(lookupCtx, contact)
	switch {
	case err == nil && userID != "":
		return userID, true
	case err == nil, errors.Is(err, store.ErrNotFound):
		log.Warn("unknown contact")
	default:
		log.Error("user lookup failed", "error", err)
		o.metrics.ObserveStoreError("resolve_user")
	}
	return "", false
}

func (o *Orchestrator) generate(ctx context.Context, req generation.Request, log *slog.Logger) (string, string) {
	if o.adapter == nil {
		log.Error("no generation backend configured")
		return ReplyUnavailable, OutcomeGenerationFailed
	}
	genCtx, cancel := context.WithTimeout(ctx, o.generationTimeout)
	defer cancel()

	started := time.Now()
	resp, err := o.adapter.Generate(genCtx, req)
	took := time.Since(started)
	o.metrics.ObserveGenerationLatency(took)
	o.metrics.ObserveTurnStage(observability.StageGenerate, took)

	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = generation.ErrEmptyReply
	}
	if err != nil {
		log.Error("generation failed", "error", err, "window", len(req.History))
		return ReplyUnavailable, OutcomeGenerationFailed
	}
	log.Debug("reply generated", "backend", resp.Backend, "latency_ms", took.Milliseconds())
	return strings.TrimSpace(resp.Text), OutcomeOK
}

// persist appends one message to the durable log. Failures are logged only.
func (o *Orchestrator) persist(
	ctx context.Context,
	userID, contact, content string,
	direction store.Direction,
	messageType string,
	log *slog.Logger,
) {
	if o.messages == nil {
		return
	}
	status := "received"
	if direction == store.DirectionOutgoing {
		status = "sent"
	}
	now := o.controller.Registry().Now()
	msg := store.StoredMessage{
		ID:          uuid.NewString(),
		UserID:      userID,
		Contact:     contact,
		Content:     content,
		Direction:   direction,
		MessageType: messageType,
		Metadata: map[string]any{
			"status":    status,
			"timestamp": now.Format(time.RFC3339Nano),
		},
		CreatedAt: now,
	}

	err := reliability.Retry(ctx, o.retry, func(ctx context.Context) error {
		writeCtx, cancel := context.WithTimeout(ctx, o.storeTimeout)
		defer cancel()
		return o.messages.AppendMessage(writeCtx, msg)
	})
	if err != nil {
		log.Error("message persist failed", "direction", direction, "error", err)
		o.metrics.ObserveStoreError("append_message")
	}
}

// ActiveSessions lists the open sessions held in memory.
func (o *Orchestrator) ActiveSessions() []session.Snapshot {
	return o.controller.Registry().Snapshot()
}

// Sweep closes every expired session now and returns how many were closed.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	closed := o.controller.Sweep(ctx)
	o.metrics.SetActiveSessions(o.controller.Registry().ActiveCount())
	return closed
}

// CloseAll flushes every open session, for shutdown.
func (o *Orchestrator) CloseAll(ctx context.Context) int {
	closed := o.controller.CloseAll(ctx)
	o.metrics.SetActiveSessions(0)
	return closed
}
