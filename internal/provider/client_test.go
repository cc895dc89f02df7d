package provider

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slackrelay/internal/config"
	"slackrelay/internal/models"
	"slackrelay/internal/stream"
)

type fakeModel struct {
	chunks    []*schema.Message
	streamErr error
	midErr    error
	got       []*schema.Message
	ctx       context.Context
}

func (f *fakeModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeModel) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.got = input
	f.ctx = ctx
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	if f.midErr == nil {
		return schema.StreamReaderFromArray(f.chunks), nil
	}
	reader, writer := schema.Pipe[*schema.Message](len(f.chunks) + 1)
	go func() {
		defer writer.Close()
		for _, c := range f.chunks {
			writer.Send(c, nil)
		}
		writer.Send(nil, f.midErr)
	}()
	return reader, nil
}

func drain(t *testing.T, ts stream.TokenStream) ([]string, error) {
	t.Helper()
	var out []string
	for {
		frag, err := ts.Recv()
		if err != nil {
			return out, err
		}
		out = append(out, frag)
	}
}

func TestStreamConvertsTurnsAndYieldsFragments(t *testing.T) {
	fm := &fakeModel{chunks: []*schema.Message{
		schema.AssistantMessage("Hi ", nil),
		schema.AssistantMessage("", nil),
		schema.AssistantMessage("there", nil),
	}}
	client := NewClient(fm, time.Minute)

	ts, err := client.Stream(context.Background(), []models.Turn{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "Ann asks: hello"},
		{Role: models.RoleAssistant, Content: "hey"},
	})
	require.NoError(t, err)
	defer ts.Close()

	frags, err := drain(t, ts)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"Hi ", "there"}, frags)

	require.Len(t, fm.got, 3)
	assert.Equal(t, schema.System, fm.got[0].Role)
	assert.Equal(t, schema.User, fm.got[1].Role)
	assert.Equal(t, "Ann asks: hello", fm.got[1].Content)
	assert.Equal(t, schema.Assistant, fm.got[2].Role)

	_, hasDeadline := fm.ctx.Deadline()
	assert.True(t, hasDeadline)
}

func TestStreamWithoutTimeoutHasNoDeadline(t *testing.T) {
	fm := &fakeModel{}
	ts, err := NewClient(fm, 0).Stream(context.Background(), nil)
	require.NoError(t, err)
	ts.Close()
	_, hasDeadline := fm.ctx.Deadline()
	assert.False(t, hasDeadline)
}

func TestStreamClassifiesContextLength(t *testing.T) {
	fm := &fakeModel{streamErr: errors.New("error, status code: 400, message: This model's maximum context length is 4097 tokens")}
	_, err := NewClient(fm, time.Minute).Stream(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrContextTooLong)
}

func TestStreamLeavesOtherCreationErrors(t *testing.T) {
	fm := &fakeModel{streamErr: errors.New("401 invalid api key")}
	_, err := NewClient(fm, time.Minute).Stream(context.Background(), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, stream.ErrContextTooLong)
	assert.Contains(t, err.Error(), "401 invalid api key")
}

func TestRecvClassifiesMidStreamErrors(t *testing.T) {
	fm := &fakeModel{
		chunks: []*schema.Message{schema.AssistantMessage("partial", nil)},
		midErr: errors.New(`{"code":"context_length_exceeded"}`),
	}
	ts, err := NewClient(fm, time.Minute).Stream(context.Background(), nil)
	require.NoError(t, err)
	defer ts.Close()

	frags, err := drain(t, ts)
	assert.Equal(t, []string{"partial"}, frags)
	assert.ErrorIs(t, err, stream.ErrContextTooLong)
}

func TestCloseCancelsProviderContext(t *testing.T) {
	fm := &fakeModel{}
	ts, err := NewClient(fm, time.Minute).Stream(context.Background(), nil)
	require.NoError(t, err)
	ts.Close()
	assert.ErrorIs(t, fm.ctx.Err(), context.Canceled)
}

func TestNewChatModelRejectsUnknownProvider(t *testing.T) {
	_, err := NewChatModel(context.Background(), "mistral", config.ProviderConfig{Model: "m"}, "key", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid provider")
}

func TestNewChatModelRequiresModel(t *testing.T) {
	_, err := NewChatModel(context.Background(), "openai", config.ProviderConfig{}, "key", "")
	require.Error(t, err)
}

func TestNewChatModelOpenAI(t *testing.T) {
	m, err := NewChatModel(context.Background(), "openai", config.ProviderConfig{Model: "gpt-4o-2024-05-13"}, "key", "")
	require.NoError(t, err)
	assert.NotNil(t, m)
}
