// Package conversation drives one inbound chat event through access control,
// the session history, the model stream and the chat message edits.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"slackrelay/internal/access"
	"slackrelay/internal/models"
	"slackrelay/internal/notify"
	"slackrelay/internal/session"
	"slackrelay/internal/stream"
	"slackrelay/internal/transcript"
)

const (
	PlaceholderText    = "[Generating message... :loading-blue:]"
	AccessDeniedNotice = "Sorry, looks like you don't have access. " +
		"Ensure your KnowBe4 training has been completed and then reach out to Kevan to gain access."

	generatingSuffix = "\n" + PlaceholderText
	finalSuffix      = "\n---"
	assistantActor   = "assistant"
	echoLimit        = 50
)

// ErrTransport marks failures of the chat platform's post or update calls.
var ErrTransport = errors.New("notification transport failed")

// ModelClient starts a streaming completion over a conversation history.
type ModelClient interface {
	Stream(ctx context.Context, turns []models.Turn) (stream.TokenStream, error)
}

// Environment is one deployment variant's resolved collaborators.
type Environment struct {
	Name     string
	Mindset  string
	Access   *access.Gate
	Sink     notify.Sink
	Model    ModelClient
	Recorder transcript.Recorder
}

type Outcome int

const (
	Skipped Outcome = iota
	Denied
	Completed
	ContextTooLong
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Denied:
		return "denied"
	case Completed:
		return "completed"
	case ContextTooLong:
		return "context_too_long"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Orchestrator struct {
	store     *session.Store
	threshold int
	logger    *slog.Logger
	newTaskID func() string
}

func New(store *session.Store, flushThreshold int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		threshold: flushThreshold,
		logger:    logger,
		newTaskID: uuid.NewString,
	}
}

// Handle runs ev to a terminal state. The returned error is non-nil only
// for transport failures, which wrap ErrTransport.
func (o *Orchestrator) Handle(ctx context.Context, env *Environment, ev models.InboundEvent) (Outcome, error) {
	logger := o.logger.With(
		"env", env.Name,
		"conversation", ev.ConversationKey,
		"sender", ev.SenderID,
		"task", o.newTaskID(),
	)

	if ev.SenderID == "" || ev.BotID != "" || env.Access.IsBot(ev.SenderID) {
		logger.Debug("ignoring bot or anonymous event")
		return Skipped, nil
	}
	o.record(ctx, logger, env, ev.SenderID, ev.ConversationKey, ev.Text)

	if !env.Access.IsAllowed(ev.SenderID) {
		logger.Info("access denied")
		if _, err := env.Sink.Post(ctx, ev.ChannelID, ev.ConversationKey, AccessDeniedNotice); err != nil {
			logger.Error("post access notice failed", "error", err)
			return Denied, fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return Denied, nil
	}

	text := env.Access.Normalize(ev.Text, ev.Kind)
	if text == "" {
		logger.Debug("ignoring empty message")
		return Skipped, nil
	}

	o.store.GetOrCreate(ev.ConversationKey, env.Mindset)
	userTurn := fmt.Sprintf("%s asks: %s", env.Access.Name(ev.SenderID), text)
	if err := o.store.AppendTurn(ev.ConversationKey, models.RoleUser, userTurn); err != nil {
		return Failed, fmt.Errorf("append user turn: %w", err)
	}

	handle, err := env.Sink.Post(ctx, ev.ChannelID, ev.ConversationKey, PlaceholderText)
	if err != nil {
		logger.Error("post placeholder failed", "error", err)
		return Failed, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	turns, _ := o.store.Snapshot(ev.ConversationKey)
	ts, err := env.Model.Stream(ctx, turns)
	if err != nil {
		ts = stream.FailedStream(err)
	}

	flush := func(ctx context.Context, text string, final bool) error {
		if !final {
			return env.Sink.Update(ctx, handle, text+generatingSuffix)
		}
		if err := o.store.AppendTurn(ev.ConversationKey, models.RoleAssistant, text); err != nil {
			return err
		}
		o.record(ctx, logger, env, assistantActor, ev.ConversationKey, text)
		return env.Sink.Update(ctx, handle, text+finalSuffix)
	}

	res, err := stream.Drive(ctx, ts, o.threshold, flush)
	outcome := outcomeOf(res.Status)
	if res.Status == stream.Failed {
		logger.Error("generation failed", "error", res.Cause, "flushes", res.Flushes)
	}
	if err != nil {
		logger.Error("final update failed", "error", err)
		return outcome, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	logger.Info("conversation turn resolved", "outcome", outcome.String(), "flushes", res.Flushes)
	return outcome, nil
}

func outcomeOf(status stream.Status) Outcome {
	switch status {
	case stream.ContextTooLong:
		return ContextTooLong
	case stream.Failed:
		return Failed
	default:
		return Completed
	}
}

// record writes a transcript entry; transcript failures never abort a turn.
func (o *Orchestrator) record(ctx context.Context, logger *slog.Logger, env *Environment, actor, key, content string) {
	if content == "" {
		return
	}
	logger.Debug("transcript", "actor", actor, "content", truncate(content, echoLimit))
	if env.Recorder == nil {
		return
	}
	err := env.Recorder.Record(ctx, transcript.Entry{
		Environment:     env.Name,
		Actor:           actor,
		ConversationKey: key,
		Content:         content,
	})
	if err != nil {
		logger.Warn("transcript write failed", "error", err)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
