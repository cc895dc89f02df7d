package models

// EventKind is the chat platform's inner event type.
type EventKind string

const (
	KindAppMention EventKind = "app_mention"
	KindMessage    EventKind = "message"
)

// InboundEvent is the immutable identity of one chat event worth relaying.
type InboundEvent struct {
	ID              string    `json:"event_id"`
	SenderID        string    `json:"user"`
	BotID           string    `json:"bot_id"`
	ChannelID       string    `json:"channel"`
	ChannelType     string    `json:"channel_type"`
	ConversationKey string    `json:"conversation_key"`
	Text            string    `json:"text"`
	Kind            EventKind `json:"type"`
	SubType         string    `json:"subtype"`
}
