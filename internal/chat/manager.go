// Package chat is the room's websocket chat: one connection per room code,
// an append-only transcript, and manual retry after a drop.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomsync/internal/util"
)

var log = logging.Logger("roomsync/chat")

var (
	ErrNotConnected = errors.New("chat: not connected")
	ErrClosed       = errors.New("chat: channel closed")
	ErrEmpty        = errors.New("chat: name and text are required")
	ErrTooLong      = errors.New("chat: name or text too long")
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("conn(%d)", int(s))
	}
}

// Event is published on every state change (Message nil) and every
// transcript append (Message set).
type Event struct {
	State   ConnState
	Message *Message
}

type Options struct {
	Jar         http.CookieJar
	DialTimeout time.Duration
}

// Channel owns the chat connection for one room.
type Channel struct {
	url    string
	dialer *websocket.Dialer

	mu         sync.Mutex
	state      ConnState
	conn       *websocket.Conn
	connID     string
	gen        uint64 // bumped whenever the current connection is abandoned
	transcript []Message
	input      string
	closed     bool

	// gorilla/websocket allows one concurrent writer.
	writeMu sync.Mutex

	updates *util.Fanout[Event]
}

// New creates a disconnected channel for the socket at wsURL.
func New(wsURL string, opts Options) *Channel {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = util.DefaultDialTimeout
	}
	return &Channel{
		url: wsURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
			Jar:              opts.Jar,
		},
		updates: util.NewFanout[Event](64),
	}
}

// Connect opens the socket. It is a no-op while a connection is open or
// being opened.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connecting || c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		if gen == c.gen && !c.closed {
			c.setStateLocked(Failed)
		}
		c.mu.Unlock()
		log.Warnf("dial %s: %v", c.url, err)
		return fmt.Errorf("dial chat: %w", err)
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	conn.SetReadLimit(maxMessageSize)
	c.conn = conn
	c.connID = uuid.NewString()
	id := c.connID
	c.setStateLocked(Connected)
	c.mu.Unlock()

	log.Infof("chat %s connected to %s", id, c.url)
	go c.readLoop(gen, id, conn)
	return nil
}

func (c *Channel) readLoop(gen uint64, id string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(gen, id, conn, err)
			return
		}
		c.handleFrame(gen, id, data)
	}
}

// dropped records the end of a connection. A close frame from the server is
// a clean disconnect; anything else is a failure.
func (c *Channel) dropped(gen uint64, id string, conn *websocket.Conn, err error) {
	conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed {
		return
	}
	c.conn = nil
	// 1006 is what gorilla reports when the socket ends without a close frame.
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		log.Infof("chat %s closed: %v", id, err)
		c.setStateLocked(Disconnected)
		return
	}
	log.Warnf("chat %s failed: %v", id, err)
	c.setStateLocked(Failed)
}

func (c *Channel) handleFrame(gen uint64, id string, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Debugf("chat %s: undecodable frame: %v", id, err)
		return
	}

	switch f.Type {
	case FrameMessage:
		msg := Message{Name: f.Name, Text: f.Text, TS: f.TS}
		c.mu.Lock()
		if gen != c.gen || c.closed {
			c.mu.Unlock()
			return
		}
		c.transcript = append(c.transcript, msg)
		c.mu.Unlock()
		c.updates.Publish(Event{State: Connected, Message: &msg})
	case FrameError:
		log.Warnf("chat %s: server error: %s", id, f.Message)
	default:
		log.Debugf("chat %s: skipping frame type %q", id, f.Type)
	}
}

// Send posts a message. It does nothing unless the channel is connected and
// both trimmed values are non-empty. The input buffer is cleared as soon as
// the message is handed to the socket.
func (c *Channel) Send(name, text string) error {
	name = strings.TrimSpace(name)
	text = strings.TrimSpace(text)
	if name == "" || text == "" {
		return ErrEmpty
	}
	if utf8.RuneCountInString(name) > util.MaxDisplayNameLen || utf8.RuneCountInString(text) > util.MaxChatTextLen {
		log.Debugf("refusing oversized message (name %d, text %d runes)",
			utf8.RuneCountInString(name), utf8.RuneCountInString(text))
		return ErrTooLong
	}

	c.mu.Lock()
	if c.closed || c.state != Connected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn, gen, id := c.conn, c.gen, c.connID
	c.input = ""
	c.mu.Unlock()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(frame{Type: FrameMessage, Name: name, Text: text})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		if gen == c.gen && !c.closed {
			c.gen++
			c.conn = nil
			c.setStateLocked(Failed)
		}
		c.mu.Unlock()
		conn.Close()
		log.Warnf("chat %s: send failed: %v", id, err)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// SendInput sends the input buffer under name.
func (c *Channel) SendInput(name string) error {
	return c.Send(name, c.Input())
}

func (c *Channel) SetInput(text string) {
	c.mu.Lock()
	c.input = text
	c.mu.Unlock()
}

func (c *Channel) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// Retry drops the current connection, if any, and connects again.
func (c *Channel) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.abandonLocked()
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	log.Infof("chat retry %s", c.url)
	return c.Connect(ctx)
}

// Close tears the channel down. Later sends fail and late frames are
// ignored. The transcript stays readable.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.abandonLocked()
	c.closed = true
	c.state = Disconnected
	c.mu.Unlock()

	c.updates.Close()
}

// abandonLocked invalidates the current connection so its read loop and any
// pending dial are ignored.
func (c *Channel) abandonLocked() {
	c.gen++
	if c.conn == nil {
		return
	}
	conn := c.conn
	c.conn = nil
	go func() {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}()
}

func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns a copy of every message received, in arrival order.
func (c *Channel) Transcript() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// Subscribe delivers state changes and transcript appends.
func (c *Channel) Subscribe() (<-chan Event, func()) {
	return c.updates.Subscribe()
}

func (c *Channel) setStateLocked(s ConnState) {
	if c.state == s {
		return
	}
	c.state = s
	c.updates.Publish(Event{State: s})
}
