// Package webhook admits inbound chat events: it answers the endpoint
// handshake, acknowledges re-deliveries and filters event kinds.
package webhook

import (
	"context"
	"log/slog"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"slackrelay/internal/dedupe"
)

// Action is what the caller must do with an envelope.
type Action int

const (
	Ignore Action = iota
	Verify
	Ack
	Process
)

func (a Action) String() string {
	switch a {
	case Verify:
		return "verify"
	case Ack:
		return "ack"
	case Process:
		return "process"
	default:
		return "ignore"
	}
}

// Decision is the outcome of Admit. Challenge is set for Verify only.
type Decision struct {
	Action    Action
	Challenge string
}

// Gate decides, before any session mutation, whether an event is processed.
type Gate struct {
	seen   dedupe.Marker
	logger *slog.Logger
}

// NewGate builds a gate; seen may be nil to rely on the retry header only.
func NewGate(seen dedupe.Marker, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{seen: seen, logger: logger}
}

// Admit classifies an envelope. Verification and dedup checks run first.
func (g *Gate) Admit(ctx context.Context, env *Envelope, retryPresent bool) Decision {
	if env.IsVerification() {
		return Decision{Action: Verify, Challenge: env.Challenge}
	}
	if retryPresent {
		return Decision{Action: Ack}
	}
	if !env.IsCallback() || !relayable(env.Event) {
		return Decision{Action: Ignore}
	}
	if g.seen != nil && env.EventID != "" {
		dup, err := g.seen.CheckAndMark(ctx, env.EventID)
		if err != nil {
			// fail open: the retry header already covers most re-deliveries
			g.logger.Warn("event dedupe unavailable", "event_id", env.EventID, "error", err)
		} else if dup {
			return Decision{Action: Ack}
		}
	}
	return Decision{Action: Process}
}

// relayedSubtypes are the direct-message subtypes that still carry user text.
var relayedSubtypes = map[string]bool{
	"":                              true,
	slack.MsgSubTypeFileShare:       true,
	slack.MsgSubTypeThreadBroadcast: true,
}

func relayable(p *EventPayload) bool {
	switch p.Type {
	case string(slackevents.AppMention):
		return true
	case string(slackevents.Message):
		return p.ChannelType == channelTypeIM && relayedSubtypes[p.SubType]
	default:
		return false
	}
}
