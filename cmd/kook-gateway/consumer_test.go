// ABOUTME: Tests for the run command's consumer
// ABOUTME: Echo replies go to the right channel and never answer themselves

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/kook-gateway/internal/api"
	"github.com/2389/kook-gateway/internal/config"
	"github.com/2389/kook-gateway/internal/dispatch"
)

type recordingReplier struct {
	mu   sync.Mutex
	sent []api.CreateMessageRequest
}

func (r *recordingReplier) CreateMessage(_ context.Context, req api.CreateMessageRequest) (*api.CreateMessageResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, req)
	return &api.CreateMessageResult{MsgID: "reply"}, nil
}

func testConsumer(r replier) *consumer {
	return &consumer{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		replier: r,
		prefix:  "echo: ",
	}
}

func feed(items ...dispatch.Item) <-chan dispatch.Item {
	ch := make(chan dispatch.Item, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return ch
}

func TestConsumer_EchoesGroupText(t *testing.T) {
	r := &recordingReplier{}
	c := testConsumer(r)

	c.consume(context.Background(), feed(
		dispatch.Event{Sequence: 1, ChannelType: dispatch.ChannelGroup, Type: dispatch.TypeText, TargetID: "C1", MsgID: "m1", Content: "hi"},
		dispatch.GapMarker{After: 1, Next: 4},
		dispatch.Event{Sequence: 4, ChannelType: dispatch.ChannelGroup, Type: dispatch.TypeKMarkdown, TargetID: "C2", MsgID: "m4", Content: "**bold**"},
	))

	require.Len(t, r.sent, 2)
	assert.Equal(t, "C1", r.sent[0].TargetID)
	assert.Equal(t, "echo: hi", r.sent[0].Content)
	assert.Equal(t, "m1", r.sent[0].Quote)
	assert.Equal(t, "C2", r.sent[1].TargetID)
}

func TestConsumer_SkipsOwnRepliesAndSystemEvents(t *testing.T) {
	r := &recordingReplier{}
	c := testConsumer(r)

	c.consume(context.Background(), feed(
		dispatch.Event{ChannelType: dispatch.ChannelGroup, Type: dispatch.TypeText, Content: "echo: hi"},
		dispatch.Event{ChannelType: dispatch.ChannelGroup, Type: dispatch.TypeSystem, SystemType: "joined_channel"},
		dispatch.Event{ChannelType: dispatch.ChannelPerson, Type: dispatch.TypeText, Content: "dm"},
		dispatch.Event{ChannelType: dispatch.ChannelGroup, Type: dispatch.TypeImage, Content: "https://img"},
		dispatch.FatalError{Err: errors.New("banned")},
	))

	assert.Empty(t, r.sent)
}

func TestConsumer_NoReplierOnlyLogs(t *testing.T) {
	c := testConsumer(nil)
	c.replier = nil

	assert.NotPanics(t, func() {
		c.consume(context.Background(), feed(
			dispatch.Event{ChannelType: dispatch.ChannelGroup, Type: dispatch.TypeText, Content: "hi"},
		))
	})
}

func TestSetupLogger_Levels(t *testing.T) {
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, io.Discard)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	logger = setupLogger(config.LoggingConfig{Level: "debug", Format: "text"}, io.Discard)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
	assert.NotPanics(t, func() {
		logger.With("component", "test").WithGroup("g").Info("hello", "k", "v")
	})
}
