// ABOUTME: Tests for the event dispatcher and KOOK event body decoding
// ABOUTME: Covers ordering, blocking backpressure, skipped bodies, msg_id dedupe, and shutdown

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/2389/kook-gateway/internal/dedupe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func body(msgID, content string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"channel_type":"GROUP","type":1,"target_id":"C1","author_id":"U1","content":%q,"msg_id":%q,"msg_timestamp":1700000000000,"nonce":"n"}`, content, msgID))
}

func TestDecodeEvent_MessageFields(t *testing.T) {
	raw := json.RawMessage(`{
		"channel_type": "GROUP",
		"type": 9,
		"target_id": "C1",
		"author_id": "U1",
		"content": "hello",
		"msg_id": "m-1",
		"msg_timestamp": 1700000000123,
		"nonce": "abc",
		"extra": {"type": 9, "guild_id": "G1", "author": {"username": "ada"}}
	}`)

	ev, err := DecodeEvent("S1", 5, raw)
	require.NoError(t, err)

	assert.Equal(t, "S1", ev.SessionID)
	assert.Equal(t, uint64(5), ev.Sequence)
	assert.Equal(t, ChannelGroup, ev.ChannelType)
	assert.Equal(t, TypeKMarkdown, ev.Type)
	assert.Equal(t, "C1", ev.TargetID)
	assert.Equal(t, "U1", ev.AuthorID)
	assert.Equal(t, "hello", ev.Content)
	assert.Equal(t, "m-1", ev.MsgID)
	assert.Equal(t, "abc", ev.Nonce)
	assert.Equal(t, "G1", ev.GuildID)
	assert.Equal(t, "ada", ev.AuthorName)
	assert.Equal(t, int64(1700000000123), ev.Timestamp.UnixMilli())
	assert.False(t, ev.IsSystem())
	assert.Empty(t, ev.SystemType)
}

func TestDecodeEvent_SystemEvent(t *testing.T) {
	raw := json.RawMessage(`{"channel_type":"GROUP","type":255,"target_id":"G1","author_id":"1","content":"[系统消息]","msg_id":"m-2","msg_timestamp":1,"extra":{"type":"joined_guild","body":{"user_id":"U2"}}}`)

	ev, err := DecodeEvent("S1", 1, raw)
	require.NoError(t, err)
	assert.True(t, ev.IsSystem())
	assert.Equal(t, "joined_guild", ev.SystemType)
	assert.JSONEq(t, `{"type":"joined_guild","body":{"user_id":"U2"}}`, string(ev.Extra))
}

func TestDecodeEvent_Malformed(t *testing.T) {
	for _, raw := range []string{`"text"`, `{"type":"one"}`, `{"extra":[1,2]}`} {
		_, err := DecodeEvent("S1", 1, json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}

func TestGapMarker_Missing(t *testing.T) {
	assert.Equal(t, uint64(3), GapMarker{After: 4, Next: 8}.Missing())
	assert.Equal(t, uint64(0), GapMarker{After: 4, Next: 5}.Missing())
}

func TestDispatcher_PreservesOrder(t *testing.T) {
	d := New(16)
	ctx := context.Background()

	for sn := uint64(1); sn <= 5; sn++ {
		out, err := d.Dispatch(ctx, "S1", sn, body(fmt.Sprintf("m-%d", sn), "x"))
		require.NoError(t, err)
		assert.Equal(t, Delivered, out)
	}
	d.Close()

	var got []uint64
	for it := range d.Items() {
		ev, ok := it.(Event)
		require.True(t, ok)
		got = append(got, ev.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
}

func TestDispatcher_SkipsBadBody(t *testing.T) {
	d := New(4)
	ctx := context.Background()

	out, err := d.Dispatch(ctx, "S1", 1, json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.Equal(t, Skipped, out)

	out, err = d.Dispatch(ctx, "S1", 2, body("m-2", "ok"))
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	d.Close()

	var items []Item
	for it := range d.Items() {
		items = append(items, it)
	}
	require.Len(t, items, 1)
	assert.Equal(t, uint64(2), items[0].(Event).Sequence)
}

func TestDispatcher_DropsRepeatedMsgID(t *testing.T) {
	cache := dedupe.New(time.Minute, 16)
	defer cache.Close()
	d := New(4, WithDedupe(cache))
	ctx := context.Background()

	_, err := d.Dispatch(ctx, "S1", 10, body("m-10", "a"))
	require.NoError(t, err)

	// Same message replayed under a new session after a reconnect.
	out, err := d.Dispatch(ctx, "S2", 1, body("m-10", "a"))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, out)
	assert.Len(t, d.Items(), 1)
}

func TestDispatcher_BlocksWhenFull(t *testing.T) {
	d := New(1)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, "S1", 1, body("m-1", "a"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = d.Dispatch(ctx, "S1", 2, body("m-2", "b"))
		close(done)
	}()

	require.Eventually(t, d.Stalled, time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatal("enqueue should block while the channel is full")
	default:
	}

	first := <-d.Items()
	assert.Equal(t, uint64(1), first.(Event).Sequence)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue did not resume after the consumer read")
	}
	assert.False(t, d.Stalled())
	second := <-d.Items()
	assert.Equal(t, uint64(2), second.(Event).Sequence)
}

func TestDispatcher_CancelUnblocksEnqueue(t *testing.T) {
	d := New(1)
	require.NoError(t, d.Gap(context.Background(), GapMarker{After: 1, Next: 3}))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, "S1", 4, body("m-4", "z"))
		errc <- err
	}()

	require.Eventually(t, d.Stalled, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancel did not unblock enqueue")
	}
}

func TestDispatcher_FatalThenClose(t *testing.T) {
	d := New(2)
	cause := errors.New("auth revoked")

	require.NoError(t, d.Fatal(context.Background(), cause))
	d.Close()
	d.Close()

	it, ok := <-d.Items()
	require.True(t, ok)
	fe, isFatal := it.(FatalError)
	require.True(t, isFatal)
	assert.ErrorIs(t, fe, cause)

	_, ok = <-d.Items()
	assert.False(t, ok, "channel closes after the fatal error")
}
