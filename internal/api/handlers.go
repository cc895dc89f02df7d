package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"slackrelay/internal/conversation"
	"slackrelay/internal/models"
	"slackrelay/internal/session"
	"slackrelay/internal/webhook"
	"slackrelay/internal/worker"
)

// Runner executes work serialized per key.
type Runner interface {
	Do(ctx context.Context, key string, fn func(context.Context) error) error
}

// EventHandler resolves one admitted event.
type EventHandler interface {
	Handle(ctx context.Context, env *conversation.Environment, ev models.InboundEvent) (conversation.Outcome, error)
}

// Handler wires the webhook routes of every deployment variant.
type Handler struct {
	gate         *webhook.Gate
	orchestrator EventHandler
	workers      Runner
	store        *session.Store
	environments map[string]*conversation.Environment
	defaultEnv   string
	logger       *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(gate *webhook.Gate, orchestrator EventHandler, workers Runner, store *session.Store,
	environments map[string]*conversation.Environment, defaultEnv string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		gate:         gate,
		orchestrator: orchestrator,
		workers:      workers,
		store:        store,
		environments: environments,
		defaultEnv:   defaultEnv,
		logger:       logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)
	router.POST("/", h.receiveDefault)
	router.POST("/:variant", h.receiveVariant)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": h.store.Len()})
}

func (h *Handler) receiveDefault(c *gin.Context) {
	h.receive(c, h.defaultEnv)
}

func (h *Handler) receiveVariant(c *gin.Context) {
	h.receive(c, c.Param("variant"))
}

func (h *Handler) receive(c *gin.Context, name string) {
	env, ok := h.environments[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown environment"})
		return
	}

	var envelope webhook.Envelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	decision := h.gate.Admit(c.Request.Context(), &envelope, c.GetHeader(webhook.RetryHeader) != "")
	switch decision.Action {
	case webhook.Verify:
		c.JSON(http.StatusOK, gin.H{"challenge": decision.Challenge})
		return
	case webhook.Ack:
		c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
		return
	case webhook.Ignore:
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
		return
	}

	ev := envelope.Inbound()
	// the platform may drop the connection; the turn still runs to a terminal state
	ctx := context.WithoutCancel(c.Request.Context())
	err := h.workers.Do(ctx, ev.ConversationKey, func(ctx context.Context) error {
		_, err := h.orchestrator.Handle(ctx, env, ev)
		return err
	})
	if err != nil {
		h.writeError(c, env.Name, ev, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

func (h *Handler) writeError(c *gin.Context, envName string, ev models.InboundEvent, err error) {
	h.logger.Error("event handling failed",
		"env", envName,
		"conversation", ev.ConversationKey,
		"sender", ev.SenderID,
		"event_id", ev.ID,
		"error", err,
	)
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy), errors.Is(err, worker.ErrDispatcherClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is busy, please retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Error posting message: " + err.Error()})
	}
}
