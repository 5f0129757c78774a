package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/roomsync/internal/api"
	"github.com/petervdpas/roomsync/internal/testkit/fakeserver"
	"github.com/petervdpas/roomsync/internal/util"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newChannel(t *testing.T, srv *fakeserver.Server, code string) *Channel {
	t.Helper()
	client, err := api.NewClient(srv.URL(), time.Second)
	require.NoError(t, err)
	u, err := client.WebSocketURL(Path(code))
	require.NoError(t, err)

	c := New(u, Options{Jar: client.Jar(), DialTimeout: time.Second})
	t.Cleanup(c.Close)
	return c
}

func connect(t *testing.T, srv *fakeserver.Server, c *Channel, code string) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, Connected, c.State())
	require.Eventually(t, func() bool { return srv.ChatClients(code) == 1 }, waitFor, tick)
}

func TestSendEchoAppendsOnce(t *testing.T) {
	srv := fakeserver.New(t)
	c := newChannel(t, srv, "ABC")
	connect(t, srv, c, "ABC")

	c.SetInput("  hello ")
	require.NoError(t, c.SendInput("Sam"))
	assert.Empty(t, c.Input(), "input is cleared on send")

	require.Eventually(t, func() bool { return len(c.Transcript()) == 1 }, waitFor, tick)
	msg := c.Transcript()[0]
	assert.Equal(t, "Sam", msg.Name)
	assert.Equal(t, "hello", msg.Text)
	assert.NotZero(t, msg.TS)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.Transcript(), 1, "the echo is appended exactly once")
}

func TestSendGating(t *testing.T) {
	srv := fakeserver.New(t)
	c := newChannel(t, srv, "ABC")

	assert.ErrorIs(t, c.Send("Sam", "hi"), ErrNotConnected)

	connect(t, srv, c, "ABC")
	c.SetInput("draft")
	assert.ErrorIs(t, c.Send("   ", "hi"), ErrEmpty)
	assert.ErrorIs(t, c.Send("Sam", " \t "), ErrEmpty)
	assert.ErrorIs(t, c.Send(strings.Repeat("n", util.MaxDisplayNameLen+1), "hi"), ErrTooLong)
	assert.ErrorIs(t, c.Send("Sam", strings.Repeat("x", util.MaxChatTextLen+1)), ErrTooLong)
	assert.Equal(t, "draft", c.Input(), "a refused send keeps the input")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.Transcript())
}

func TestInboundFrames(t *testing.T) {
	srv := fakeserver.New(t)
	c := newChannel(t, srv, "ABC")
	connect(t, srv, c, "ABC")

	srv.BroadcastRaw("ABC", map[string]any{"type": "chat.error", "message": "Invalid message format"})
	srv.BroadcastRaw("ABC", map[string]any{"type": "presence", "who": "x"})
	srv.BroadcastRaw("ABC", "not an object")
	srv.BroadcastRaw("ABC", map[string]any{"type": "chat.message", "name": "Ana", "text": "first", "ts": 1})
	srv.BroadcastRaw("ABC", map[string]any{"type": "chat.message", "name": "Bo", "text": "second", "ts": 2})
	srv.BroadcastRaw("ABC", map[string]any{"type": "chat.message", "name": "Ana", "text": "first", "ts": 1})

	require.Eventually(t, func() bool { return len(c.Transcript()) == 3 }, waitFor, tick)
	got := c.Transcript()
	assert.Equal(t, []Message{
		{Name: "Ana", Text: "first", TS: 1},
		{Name: "Bo", Text: "second", TS: 2},
		{Name: "Ana", Text: "first", TS: 1},
	}, got, "arrival order, no dedup")
	assert.Equal(t, Connected, c.State())
}

func TestServerCloseIsDisconnected(t *testing.T) {
	srv := fakeserver.New(t)
	c := newChannel(t, srv, "ABC")
	connect(t, srv, c, "ABC")

	srv.CloseChat("ABC")
	require.Eventually(t, func() bool { return c.State() == Disconnected }, waitFor, tick)
	assert.ErrorIs(t, c.Send("Sam", "hi"), ErrNotConnected)
}

func TestDropIsFailedAndRetryReconnects(t *testing.T) {
	srv := fakeserver.New(t)
	c := newChannel(t, srv, "ABC")
	connect(t, srv, c, "ABC")

	srv.Broadcast("ABC", "Ana", "before")
	require.Eventually(t, func() bool { return len(c.Transcript()) == 1 }, waitFor, tick)

	srv.DropChat("ABC")
	require.Eventually(t, func() bool { return c.State() == Failed }, waitFor, tick)
	require.Eventually(t, func() bool { return srv.ChatClients("ABC") == 0 }, waitFor, tick)

	// No automatic reconnect.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Failed, c.State())

	require.NoError(t, c.Retry(context.Background()))
	assert.Equal(t, Connected, c.State())
	require.Eventually(t, func() bool { return srv.ChatClients("ABC") == 1 }, waitFor, tick)

	require.NoError(t, c.Send("Sam", "after"))
	require.Eventually(t, func() bool { return len(c.Transcript()) == 2 }, waitFor, tick)
	assert.Equal(t, "before", c.Transcript()[0].Text, "transcript survives retry")
}

func TestRetryReplacesOpenConnection(t *testing.T) {
	srv := fakeserver.New(t)
	c := newChannel(t, srv, "ABC")
	connect(t, srv, c, "ABC")

	require.NoError(t, c.Retry(context.Background()))
	require.Eventually(t, func() bool { return srv.ChatClients("ABC") == 1 }, waitFor, tick)
	assert.Equal(t, Connected, c.State())

	// The echo comes back on the new socket only.
	require.NoError(t, c.Send("Sam", "once"))
	require.Eventually(t, func() bool { return len(c.Transcript()) == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.Transcript(), 1)
}

func TestDialFailure(t *testing.T) {
	c := New("ws://127.0.0.1:1/ws/chat/ABC/", Options{DialTimeout: 200 * time.Millisecond})
	defer c.Close()

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, c.State())
}

func TestCloseIgnoresLateFrames(t *testing.T) {
	srv := fakeserver.New(t)
	c := newChannel(t, srv, "ABC")
	connect(t, srv, c, "ABC")

	events, cancel := c.Subscribe()
	defer cancel()

	c.Close()
	srv.Broadcast("ABC", "Ana", "late")
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, c.Transcript())
	assert.Equal(t, Disconnected, c.State())
	assert.ErrorIs(t, c.Send("Sam", "hi"), ErrNotConnected)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)

	for range events {
		// drained; the channel is closed by Close
	}
}

func TestSubscribeSeesStateAndMessages(t *testing.T) {
	srv := fakeserver.New(t)
	c := newChannel(t, srv, "ABC")
	events, cancel := c.Subscribe()
	defer cancel()

	connect(t, srv, c, "ABC")
	srv.Broadcast("ABC", "Ana", "hey")

	var states []ConnState
	var texts []string
	deadline := time.After(waitFor)
	for len(texts) == 0 {
		select {
		case ev := <-events:
			if ev.Message != nil {
				texts = append(texts, ev.Message.Text)
			} else {
				states = append(states, ev.State)
			}
		case <-deadline:
			t.Fatal("timed out")
		}
	}
	assert.Equal(t, []ConnState{Connecting, Connected}, states)
	assert.Equal(t, []string{"hey"}, texts)
}

func TestPath(t *testing.T) {
	assert.Equal(t, "/ws/chat/ABC123/", Path("ABC123"))
	assert.Equal(t, "/ws/chat/a%2Fb/", Path("a/b"))
}
