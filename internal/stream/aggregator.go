// Package stream turns a model's token stream into a bounded sequence of
// message edits.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// ErrContextTooLong is reported by a TokenStream when the provider rejects
// the accumulated conversation as too large.
var ErrContextTooLong = errors.New("model context length exceeded")

// ContextTooLongNotice replaces the reply when ErrContextTooLong is raised.
const ContextTooLongNotice = "This model's maximum context length is 4097 tokens per conversation thread. " +
	"However, your messages have exceeded this limit. " +
	"You can work around this by creating a new Slack thread with a summarized context of this conversation."

const failurePrefix = "An error occurred during text generation: "

// TokenStream yields incremental text fragments; Recv returns io.EOF once exhausted.
type TokenStream interface {
	Recv() (string, error)
	Close()
}

// FlushFunc receives the full accumulated text, never just the delta.
type FlushFunc func(ctx context.Context, text string, final bool) error

type Status int

const (
	Completed Status = iota
	ContextTooLong
	Failed
)

func (s Status) String() string {
	switch s {
	case ContextTooLong:
		return "context_too_long"
	case Failed:
		return "failed"
	default:
		return "completed"
	}
}

// Result describes how a drive ended. Cause is set for Failed only.
type Result struct {
	Text    string
	Status  Status
	Flushes int
	Cause   error
}

// Drive consumes ts, calling onFlush each time the accumulated length reaches
// the next multiple of threshold, then exactly once more with final=true.
// The returned error is the final flush's error; stream and intermediate
// flush failures are folded into the final text instead.
func Drive(ctx context.Context, ts TokenStream, threshold int, onFlush FlushFunc) (Result, error) {
	res := consume(ctx, ts, threshold, onFlush)
	ts.Close()
	if err := onFlush(ctx, res.Text, true); err != nil {
		return res, fmt.Errorf("final flush: %w", err)
	}
	return res, nil
}

func consume(ctx context.Context, ts TokenStream, threshold int, onFlush FlushFunc) Result {
	var (
		buf       strings.Builder
		length    int
		watermark = threshold
		res       Result
	)
	for {
		fragment, err := ts.Recv()
		if errors.Is(err, io.EOF) {
			res.Text = buf.String()
			return res
		}
		if errors.Is(err, ErrContextTooLong) {
			res.Status = ContextTooLong
			res.Text = ContextTooLongNotice
			return res
		}
		if err != nil {
			return failed(res, buf.String(), err)
		}

		buf.WriteString(fragment)
		length += utf8.RuneCountInString(fragment)
		for threshold > 0 && length >= watermark {
			watermark += threshold
			if err := onFlush(ctx, buf.String(), false); err != nil {
				return failed(res, buf.String(), err)
			}
			res.Flushes++
		}
	}
}

func failed(res Result, partial string, cause error) Result {
	res.Status = Failed
	res.Cause = cause
	res.Text = partial + failurePrefix + cause.Error()
	return res
}

// FailedStream returns a stream whose first Recv reports err, so callers can route
// stream-creation errors through Drive.
func FailedStream(err error) TokenStream {
	return &errStream{err: err}
}

type errStream struct{ err error }

func (s *errStream) Recv() (string, error) { return "", s.err }
func (s *errStream) Close()                {}

// SliceStream replays fixed fragments, then returns io.EOF.
func SliceStream(fragments ...string) TokenStream {
	return &sliceStream{fragments: fragments}
}

type sliceStream struct {
	fragments []string
	pos       int
}

func (s *sliceStream) Recv() (string, error) {
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	f := s.fragments[s.pos]
	s.pos++
	return f, nil
}

func (s *sliceStream) Close() {}
