// Package turns runs the turn-taking contract shared by typed and spoken
// input: one user turn in, at most one assistant turn out, serialised per
// session.
package turns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/carevoice/internal/brain"
	"github.com/ent0n29/carevoice/internal/fault"
	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/observability"
	"github.com/ent0n29/carevoice/internal/policy"
	"github.com/ent0n29/carevoice/internal/session"
	"github.com/ent0n29/carevoice/internal/voice"
)

const (
	DefaultFallbackMessage   = "Explain the importance of fast language models"
	DefaultGenerationTimeout = 30 * time.Second

	SourceText  = "text"
	SourceVoice = "voice"

	logPreviewRunes = 80
)

// Reply is the result of one user turn. Missing is true when the backend
// answered but no reply could be extracted; Content is empty in that case
// and no assistant turn was stored.
type Reply struct {
	TurnID     string
	Content    string
	Missing    bool
	Transcript string
}

type Config struct {
	// FallbackMessage replaces an absent message; a present but empty message
	// is sent as is.
	FallbackMessage   string
	ContextPrefixes   []string
	GenerationTimeout time.Duration
}

// Deps are the collaborators an Orchestrator drives. Limiter, Metrics and
// Logger are optional.
type Deps struct {
	Store    memory.Store
	Brain    brain.Gateway
	Sessions *session.Manager
	Limiter  Limiter
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// Capture is the part of a voice capture session a voice turn waits on.
type Capture interface {
	Wait(ctx context.Context) (voice.CaptureResult, error)
	Abort()
}

type Orchestrator struct {
	store    memory.Store
	brain    brain.Gateway
	sessions *session.Manager
	limiter  Limiter
	metrics  *observability.Metrics
	logger   *zap.Logger

	fallback string
	prefixes []string
	timeout  time.Duration
}

func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("turns: memory store is required")
	}
	if deps.Brain == nil {
		return nil, errors.New("turns: generation gateway is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("turns: session manager is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fallback := cfg.FallbackMessage
	if fallback == "" {
		fallback = DefaultFallbackMessage
	}
	timeout := cfg.GenerationTimeout
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	return &Orchestrator{
		store:    deps.Store,
		brain:    deps.Brain,
		sessions: deps.Sessions,
		limiter:  deps.Limiter,
		metrics:  deps.Metrics,
		logger:   logger,
		fallback: fallback,
		prefixes: normalizePrefixes(cfg.ContextPrefixes),
		timeout:  timeout,
	}, nil
}

// HandleUserTurn records message as a user turn, asks the generation backend
// for a reply and records the reply. A nil message means the caller sent no
// message field and is replaced by the fallback text.
func (o *Orchestrator) HandleUserTurn(ctx context.Context, sessionID string, message *string) (Reply, error) {
	return o.handle(ctx, SourceText, sessionID, message)
}

// HandleVoiceTurn waits for capture to finish and runs its transcript as a
// user turn. Capture and transcription failures return before memory is
// touched. If ctx ends first the capture is aborted.
func (o *Orchestrator) HandleVoiceTurn(ctx context.Context, sessionID string, capture Capture) (Reply, error) {
	if err := o.checkSession(sessionID); err != nil {
		capture.Abort()
		o.observeOutcome(SourceVoice, err, false)
		return Reply{}, err
	}

	result, err := capture.Wait(ctx)
	if err != nil && ctx.Err() != nil && fault.KindOf(err) == fault.Internal {
		capture.Abort()
		result.EndReason = voice.EndAborted
		err = fault.Wrap(fault.CaptureAborted, "voice turn cancelled", err)
	}
	o.observeCapture(result, err)
	if err != nil {
		o.observeOutcome(SourceVoice, err, false)
		return Reply{}, err
	}

	text := result.Transcript.Text
	reply, err := o.handle(ctx, SourceVoice, sessionID, &text)
	reply.Transcript = text
	return reply, err
}

// History returns the stored turns of a session.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]memory.Turn, error) {
	if err := o.checkSession(sessionID); err != nil {
		return nil, err
	}
	turns, err := o.store.History(ctx, sessionID)
	if err != nil {
		return nil, storeFault("read history", err)
	}
	return turns, nil
}

// EndSession evicts the session history and drops its lease record. It takes
// the turn lease like any turn does, so an in-flight turn either finishes
// before the history goes or is refused under the reject policy. Sessions the
// manager no longer tracks still have their stored history evicted.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	if err := o.checkSession(sessionID); err != nil {
		return err
	}
	release, err := o.sessions.Acquire(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			return fault.Wrap(fault.SessionBusy, "a turn is in flight for this session", err)
		}
		return fault.Wrap(fault.SessionBusy, "gave up waiting for the in-flight turn", err)
	}
	evictErr := o.store.Evict(ctx, sessionID)
	release()
	if evictErr != nil {
		return storeFault("evict session", evictErr)
	}
	if _, err := o.sessions.End(sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return fault.Wrap(fault.Internal, "end session", err)
	}
	return nil
}

func (o *Orchestrator) handle(ctx context.Context, source, sessionID string, message *string) (reply Reply, err error) {
	defer func() { o.observeOutcome(source, err, reply.Missing) }()

	if err := o.checkSession(sessionID); err != nil {
		return Reply{}, err
	}
	if o.limiter != nil && !o.limiter.Allow(sessionID) {
		return Reply{}, fault.New(fault.RateLimited, "too many turns for this session")
	}

	release, err := o.sessions.Acquire(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			return Reply{}, fault.Wrap(fault.SessionBusy, "a turn is already in flight for this session", err)
		}
		return Reply{}, fault.Wrap(fault.SessionBusy, "gave up waiting for the in-flight turn", err)
	}
	defer release()

	text := o.fallback
	if message != nil {
		text = *message
	}
	text = StripContextPrefix(text, o.prefixes)

	turnID := uuid.NewString()
	_ = o.sessions.StartTurn(sessionID, turnID)
	defer func() { _ = o.sessions.FinishTurn(sessionID) }()

	logger := o.logger.With(
		zap.String("session_id", sessionID),
		zap.String("turn_id", turnID),
		zap.String("source", source),
	)
	logger.Debug("user turn", zap.String("preview", logPreview(text)))

	started := time.Now()
	if err := o.store.Append(ctx, sessionID, memory.Turn{ID: turnID, Role: memory.RoleUser, Content: text}); err != nil {
		return Reply{}, storeFault("append user turn", err)
	}
	history, err := o.store.History(ctx, sessionID)
	if err != nil {
		return Reply{TurnID: turnID}, storeFault("read history", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	genStarted := time.Now()
	resp, err := o.brain.Generate(genCtx, brain.Request{
		SessionKey: sessionID,
		TurnID:     turnID,
		History:    history,
	})
	if o.metrics != nil {
		o.metrics.ObserveGeneration(time.Since(genStarted))
	}
	if err != nil {
		logger.Warn("generation failed", zap.Error(err))
		return Reply{TurnID: turnID}, fault.Wrap(fault.GenerationFailed, "generate reply", err)
	}

	msg, ok := brain.ExtractReply(resp.Messages)
	if !ok {
		logger.Info("no reply extracted", zap.Int("messages", len(resp.Messages)))
		return Reply{TurnID: turnID, Missing: true}, nil
	}

	if err := o.store.Append(ctx, sessionID, memory.Turn{
		ID:      uuid.NewString(),
		Role:    memory.RoleAssistant,
		Content: msg.Content,
	}); err != nil {
		return Reply{TurnID: turnID}, storeFault("append assistant turn", err)
	}
	if o.metrics != nil {
		o.metrics.ObserveTurnStage(turnTotalStage(source), time.Since(started))
	}
	logger.Debug("assistant turn",
		zap.String("preview", logPreview(msg.Content)),
		zap.String("finish_reason", msg.FinishReason),
		zap.Duration("elapsed", time.Since(started)),
	)
	return Reply{TurnID: turnID, Content: msg.Content}, nil
}

func (o *Orchestrator) checkSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fault.New(fault.MissingSessionID, "Please provide an id")
	}
	if err := memory.ValidateSessionID(sessionID); err != nil {
		return fault.Wrap(fault.InvalidSession, "session id rejected", err)
	}
	return nil
}

func (o *Orchestrator) observeOutcome(source string, err error, missing bool) {
	if o.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(fault.KindOf(err))
	case missing:
		outcome = string(fault.NoReplyExtracted)
		o.metrics.ObserveTurnIndicator("no_reply")
	}
	o.metrics.TurnOutcomes.WithLabelValues(source, outcome).Inc()
}

func (o *Orchestrator) observeCapture(result voice.CaptureResult, err error) {
	if o.metrics == nil {
		return
	}
	state := voice.CaptureDone
	if err != nil {
		state = voice.CaptureFailed
	}
	o.metrics.CaptureOutcomes.WithLabelValues(string(result.EndReason), string(state)).Inc()
	if result.Audio > 0 {
		o.metrics.ObserveTurnStage("capture", result.Audio)
	}
}

func storeFault(op string, err error) error {
	if errors.Is(err, memory.ErrInvalidSession) {
		return fault.Wrap(fault.InvalidSession, op, err)
	}
	return fault.Wrap(fault.Internal, op, err)
}

func turnTotalStage(source string) string {
	if source == SourceVoice {
		return "voice_turn_total"
	}
	return "turn_total"
}

// logPreview redacts PII and truncates text for log lines.
func logPreview(text string) string {
	redacted, _ := policy.RedactPII(text)
	if utf8.RuneCountInString(redacted) <= logPreviewRunes {
		return redacted
	}
	runes := []rune(redacted)
	return fmt.Sprintf("%s... (%d chars)", string(runes[:logPreviewRunes]), len(runes))
}
