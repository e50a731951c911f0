// ABOUTME: Event consumer for the run command: logs every item and optionally echoes messages back
// ABOUTME: Echo skips system events and its own replies so it never loops

package main

import (
	"context"
	"log/slog"
	"strings"

	"github.com/2389/kook-gateway/internal/api"
	"github.com/2389/kook-gateway/internal/dispatch"
)

type replier interface {
	CreateMessage(ctx context.Context, req api.CreateMessageRequest) (*api.CreateMessageResult, error)
}

type consumer struct {
	logger *slog.Logger
	// replier is nil unless echo mode is on.
	replier replier
	prefix  string
}

func (c *consumer) consume(ctx context.Context, items <-chan dispatch.Item) {
	for it := range items {
		switch it := it.(type) {
		case dispatch.Event:
			c.handleEvent(ctx, it)
		case dispatch.GapMarker:
			c.logger.Warn("events missing", "session_id", it.SessionID, "after_sn", it.After, "next_sn", it.Next, "missing", it.Missing())
		case dispatch.FatalError:
			c.logger.Error("gateway terminated", "error", it.Err)
		}
	}
}

func (c *consumer) handleEvent(ctx context.Context, ev dispatch.Event) {
	if ev.IsSystem() {
		c.logger.Info("system event", "sn", ev.Sequence, "system_type", ev.SystemType, "target_id", ev.TargetID)
		return
	}

	c.logger.Info("message",
		"sn", ev.Sequence,
		"channel_type", ev.ChannelType,
		"target_id", ev.TargetID,
		"author", ev.AuthorName,
		"msg_id", ev.MsgID,
		"content", ev.Content,
	)

	if !c.shouldEcho(ev) {
		return
	}
	req := api.CreateMessageRequest{
		Type:     dispatch.TypeText,
		TargetID: ev.TargetID,
		Content:  c.prefix + ev.Content,
		Quote:    ev.MsgID,
	}
	if _, err := c.replier.CreateMessage(ctx, req); err != nil {
		c.logger.Warn("echo failed", "msg_id", ev.MsgID, "error", err)
	}
}

func (c *consumer) shouldEcho(ev dispatch.Event) bool {
	if c.replier == nil || ev.ChannelType != dispatch.ChannelGroup {
		return false
	}
	if ev.Type != dispatch.TypeText && ev.Type != dispatch.TypeKMarkdown {
		return false
	}
	return !strings.HasPrefix(ev.Content, c.prefix)
}
