package chat

import (
	"net/url"
	"time"
)

const (
	FrameMessage = "chat.message"
	FrameError   = "chat.error"
)

// Message is one transcript entry. TS is the server's timestamp in
// milliseconds.
type Message struct {
	Name string `json:"name"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

// Time returns TS as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.TS)
}

// frame is the wire shape of every socket message in either direction.
type frame struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Text    string `json:"text,omitempty"`
	TS      int64  `json:"ts,omitempty"`
	Message string `json:"message,omitempty"`
}

// Path is the socket path for a room.
func Path(roomCode string) string {
	return "/ws/chat/" + url.PathEscape(roomCode) + "/"
}
