// Package auth tracks whether the room host's playback account is
// authenticated. One Gate is shared by every component of a room session.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomsync/internal/api"
	"github.com/petervdpas/roomsync/internal/notice"
	"github.com/petervdpas/roomsync/internal/sched"
	"github.com/petervdpas/roomsync/internal/sessionstore"
	"github.com/petervdpas/roomsync/internal/util"
)

var log = logging.Logger("roomsync/auth")

const DefaultInterval = 30 * time.Second

// Client is the slice of the backend the gate needs.
type Client interface {
	IsAuthenticated(ctx context.Context) api.Result
	GetAuthURL(ctx context.Context, roomCode string) api.Result
	LoginURL(roomCode string) string
}

// Marker stores the "returning from external auth" flag.
type Marker interface {
	Set(ctx context.Context, key, value string) error
	Take(ctx context.Context, key string) (string, bool, error)
}

type Notifier interface {
	Post(kind notice.Kind, text string) string
}

type Options struct {
	Clock    clock.Clock
	Interval time.Duration
	Marker   Marker   // optional
	Notices  Notifier // optional
}

type Gate struct {
	client   Client
	clk      clock.Clock
	interval time.Duration
	marker   Marker
	notices  Notifier

	mu      sync.Mutex
	status  bool
	known   bool
	issued  uint64 // last sequence handed to a check
	applied uint64 // sequence of the newest applied result
	version uint64 // bumped on every status change
	task    *sched.Task
	closed  bool

	// emitMu serializes delivery so listeners observe changes in order.
	emitMu   sync.Mutex
	emitted  uint64
	nextHook int
	hooks    map[int]func(bool)
	updates  *util.Fanout[bool]
}

func New(client Client, opts Options) *Gate {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Gate{
		client:   client,
		clk:      opts.Clock,
		interval: opts.Interval,
		marker:   opts.Marker,
		notices:  opts.Notices,
		hooks:    make(map[int]func(bool)),
		updates:  util.NewFanout[bool](4),
	}
}

// Status returns the last confirmed auth status. Before the first successful
// check it is false.
func (g *Gate) Status() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Known reports whether any check has completed.
func (g *Gate) Known() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.known
}

// Start checks immediately and then once per interval. Calling Start on a
// running gate does nothing.
func (g *Gate) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.task != nil {
		return
	}
	g.task = sched.Every(g.clk, g.interval, true, func() { g.Check(ctx) })
}

// Stop halts the periodic check. Listeners stay registered.
func (g *Gate) Stop() {
	g.mu.Lock()
	t := g.task
	g.task = nil
	g.mu.Unlock()
	t.Stop()
}

// Check asks the backend once. Failures leave the status unchanged.
func (g *Gate) Check(ctx context.Context) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.issued++
	seq := g.issued
	g.mu.Unlock()

	res := g.client.IsAuthenticated(ctx)
	switch res.Kind {
	case api.KindOk:
		st, err := api.Decode[api.AuthStatus](res)
		if err != nil {
			log.Warnf("auth check: %v", err)
			return
		}
		g.apply(ctx, seq, st.Status)
	case api.KindNoContent:
		log.Warnf("auth check: empty response")
	case api.KindUnauthorized, api.KindTransient, api.KindError:
		log.Warnf("auth check failed: %v", res.Err())
	}
}

// MarkUnauthorized forces the status to false, for when another channel has
// been told explicitly that authentication is gone. Checks already in flight
// are discarded.
func (g *Gate) MarkUnauthorized() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.applied = g.issued
	changed := g.status || !g.known
	g.status = false
	g.known = true
	if changed {
		g.version++
	}
	g.mu.Unlock()

	if changed {
		log.Infof("authentication lost")
		g.emit()
	}
}

func (g *Gate) apply(ctx context.Context, seq uint64, status bool) {
	g.mu.Lock()
	if g.closed || seq <= g.applied {
		g.mu.Unlock()
		log.Debugf("dropping stale auth result #%d", seq)
		return
	}
	g.applied = seq
	prev := g.status
	changed := status != prev || !g.known
	g.status = status
	g.known = true
	if changed {
		g.version++
	}
	g.mu.Unlock()

	if !changed {
		return
	}
	log.Infof("auth status: %v", status)
	if status && !prev {
		g.announceReturn(ctx)
	}
	g.emit()
}

// announceReturn posts one success notice when the user comes back from the
// external auth flow.
func (g *Gate) announceReturn(ctx context.Context) {
	if g.marker == nil {
		return
	}
	_, ok, err := g.marker.Take(ctx, sessionstore.KeyReturningFromAuth)
	if err != nil {
		log.Warnf("read auth marker: %v", err)
		return
	}
	if ok && g.notices != nil {
		g.notices.Post(notice.Success, "Successfully connected to Spotify!")
	}
}

// emit delivers the current status to listeners unless it was already
// delivered. Listeners always receive the latest value, in order.
func (g *Gate) emit() {
	g.emitMu.Lock()
	defer g.emitMu.Unlock()

	g.mu.Lock()
	status, version, closed := g.status, g.version, g.closed
	g.mu.Unlock()
	if closed || version == g.emitted {
		return
	}
	g.emitted = version

	for _, fn := range g.hooks {
		fn(status)
	}
	g.updates.Publish(status)
}

// OnChange registers fn to be called on every status change. fn runs on the
// goroutine that observed the change and must not call MarkUnauthorized
// synchronously. The returned func unregisters it.
func (g *Gate) OnChange(fn func(bool)) func() {
	g.emitMu.Lock()
	id := g.nextHook
	g.nextHook++
	g.hooks[id] = fn
	g.emitMu.Unlock()

	return func() {
		g.emitMu.Lock()
		delete(g.hooks, id)
		g.emitMu.Unlock()
	}
}

// Subscribe returns a channel of status changes.
func (g *Gate) Subscribe() (<-chan bool, func()) {
	return g.updates.Subscribe()
}

// BeginExternalAuth returns the URL the user should open to authorize the
// host account, and remembers that an auth round trip is underway. If the
// auth URL cannot be fetched, the direct login URL is returned instead.
func (g *Gate) BeginExternalAuth(ctx context.Context, roomCode string) (string, error) {
	target := ""
	res := g.client.GetAuthURL(ctx, roomCode)
	switch res.Kind {
	case api.KindOk:
		if u, err := api.Decode[api.AuthURL](res); err == nil && u.URL != "" {
			target = u.URL
		} else {
			log.Warnf("auth url: unusable payload")
		}
	case api.KindNoContent, api.KindUnauthorized, api.KindTransient, api.KindError:
		log.Warnf("auth url failed, using login redirect: %v", res.Err())
	}
	if target == "" {
		target = g.client.LoginURL(roomCode)
	}

	if g.marker != nil {
		if err := g.marker.Set(ctx, sessionstore.KeyReturningFromAuth, "true"); err != nil {
			return target, err
		}
	}
	return target, nil
}

// Close stops checking and releases subscribers. Later results are ignored.
func (g *Gate) Close() {
	g.Stop()
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	g.emitMu.Lock()
	g.hooks = map[int]func(bool){}
	g.emitMu.Unlock()
	g.updates.Close()
}
