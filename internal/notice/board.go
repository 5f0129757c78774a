// Package notice keeps short-lived user notifications ("Settings updated",
// "Connected to Spotify") that dismiss themselves after a TTL.
package notice

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomsync/internal/sched"
	"github.com/petervdpas/roomsync/internal/util"
)

var log = logging.Logger("roomsync/notice")

type Kind string

const (
	Info    Kind = "info"
	Success Kind = "success"
	Error   Kind = "error"
)

type Notice struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Text    string    `json:"text"`
	Posted  time.Time `json:"posted"`
	Expires time.Time `json:"expires"`
}

// Board holds the active notices. Each notice owns one expiry task.
type Board struct {
	clk clock.Clock
	ttl time.Duration

	mu      sync.Mutex
	active  []Notice
	timers  map[string]*sched.Task
	closed  bool
	updates *util.Fanout[[]Notice]
}

func NewBoard(clk clock.Clock, ttl time.Duration) *Board {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &Board{
		clk:     clk,
		ttl:     ttl,
		timers:  make(map[string]*sched.Task),
		updates: util.NewFanout[[]Notice](8),
	}
}

// Post adds a notice and returns its id. It is dismissed after the board's TTL.
func (b *Board) Post(kind Kind, text string) string {
	return b.PostFor(kind, text, b.ttl)
}

// PostFor is Post with an explicit lifetime.
func (b *Board) PostFor(kind Kind, text string, ttl time.Duration) string {
	now := b.clk.Now()
	n := Notice{
		ID:      uuid.NewString(),
		Kind:    kind,
		Text:    text,
		Posted:  now,
		Expires: now.Add(ttl),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ""
	}
	b.active = append(b.active, n)
	b.timers[n.ID] = sched.After(b.clk, ttl, func() { b.Dismiss(n.ID) })
	snap := b.snapshotLocked()
	b.mu.Unlock()

	log.Debugf("posted %s notice %s: %s", kind, n.ID, text)
	b.updates.Publish(snap)
	return n.ID
}

// Dismiss removes a notice early. Unknown ids are ignored.
func (b *Board) Dismiss(id string) {
	b.mu.Lock()
	idx := -1
	for i, n := range b.active {
		if n.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return
	}
	b.active = append(b.active[:idx], b.active[idx+1:]...)
	if t, ok := b.timers[id]; ok {
		t.Stop()
		delete(b.timers, id)
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()

	b.updates.Publish(snap)
}

// Active returns the visible notices, oldest first.
func (b *Board) Active() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Subscribe delivers the full notice list after every change.
func (b *Board) Subscribe() (<-chan []Notice, func()) {
	return b.updates.Subscribe()
}

// Close stops every pending expiry and drops all notices.
func (b *Board) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	b.active = nil
	b.mu.Unlock()

	b.updates.Close()
}

func (b *Board) snapshotLocked() []Notice {
	out := make([]Notice, len(b.active))
	copy(out, b.active)
	return out
}
