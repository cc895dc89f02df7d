package webhook

import (
	"github.com/slack-go/slack/slackevents"

	"slackrelay/internal/models"
)

// RetryHeader marks a re-delivery of an event the platform already sent.
const RetryHeader = "X-Slack-Retry-Num"

const channelTypeIM = "im"

// Envelope is the outer JSON body posted by the Events API.
type Envelope struct {
	Token     string        `json:"token"`
	TeamID    string        `json:"team_id,omitempty"`
	APIAppID  string        `json:"api_app_id,omitempty"`
	Event     *EventPayload `json:"event,omitempty"`
	Type      string        `json:"type"`
	Challenge string        `json:"challenge,omitempty"`
	EventID   string        `json:"event_id,omitempty"`
	EventTime int64         `json:"event_time,omitempty"`
}

// EventPayload is the nested inner event.
type EventPayload struct {
	Type        string  `json:"type"`
	SubType     string  `json:"subtype,omitempty"`
	User        string  `json:"user"`
	BotID       string  `json:"bot_id,omitempty"`
	Text        *string `json:"text"`
	Channel     string  `json:"channel"`
	ChannelType string  `json:"channel_type,omitempty"`
	TS          string  `json:"ts"`
	ThreadTS    string  `json:"thread_ts,omitempty"`
}

// IsVerification reports whether the envelope is the endpoint handshake.
func (e *Envelope) IsVerification() bool {
	return e.Type == string(slackevents.URLVerification) && e.Challenge != ""
}

// IsCallback reports whether the envelope carries an inner event.
func (e *Envelope) IsCallback() bool {
	return e.Type == string(slackevents.CallbackEvent) && e.Event != nil
}

// ConversationKey is the thread root timestamp, or the message itself when
// the message starts a thread.
func (p *EventPayload) ConversationKey() string {
	if p.ThreadTS != "" {
		return p.ThreadTS
	}
	return p.TS
}

// Inbound converts the envelope to the relay's event identity.
func (e *Envelope) Inbound() models.InboundEvent {
	if e.Event == nil {
		return models.InboundEvent{ID: e.EventID}
	}
	p := e.Event
	var text string
	if p.Text != nil {
		text = *p.Text
	}
	return models.InboundEvent{
		ID:              e.EventID,
		SenderID:        p.User,
		BotID:           p.BotID,
		ChannelID:       p.Channel,
		ChannelType:     p.ChannelType,
		ConversationKey: p.ConversationKey(),
		Text:            text,
		Kind:            models.EventKind(p.Type),
		SubType:         p.SubType,
	}
}
