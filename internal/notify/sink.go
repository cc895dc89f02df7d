// Package notify posts and edits chat messages on the messaging platform.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// MessageHandle identifies a posted message so it can be edited later.
type MessageHandle struct {
	Channel   string
	ThreadKey string
	TS        string
}

// Sink posts a threaded message and replaces its text in place.
type Sink interface {
	Post(ctx context.Context, channel, threadKey, text string) (MessageHandle, error)
	Update(ctx context.Context, handle MessageHandle, text string) error
}

// SlackSink is a Sink backed by the Slack Web API.
type SlackSink struct {
	client *slack.Client
}

// NewSlackSink creates a sink authenticated with a bot token.
func NewSlackSink(token string, opts ...slack.Option) *SlackSink {
	return &SlackSink{client: slack.New(token, opts...)}
}

func (s *SlackSink) Post(ctx context.Context, channel, threadKey, text string) (MessageHandle, error) {
	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionPostMessageParameters(slack.PostMessageParameters{
			UnfurlLinks: false,
			UnfurlMedia: false,
		}),
	}
	if threadKey != "" {
		opts = append(opts, slack.MsgOptionTS(threadKey))
	}
	respChannel, ts, err := s.client.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return MessageHandle{}, fmt.Errorf("post message to %s: %w", channel, err)
	}
	if respChannel == "" {
		respChannel = channel
	}
	return MessageHandle{Channel: respChannel, ThreadKey: threadKey, TS: ts}, nil
}

func (s *SlackSink) Update(ctx context.Context, handle MessageHandle, text string) error {
	if handle.TS == "" {
		return fmt.Errorf("update message in %s: missing message timestamp", handle.Channel)
	}
	_, _, _, err := s.client.UpdateMessageContext(ctx, handle.Channel, handle.TS,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("update message %s in %s: %w", handle.TS, handle.Channel, err)
	}
	return nil
}
