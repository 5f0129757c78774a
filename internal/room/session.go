// Package room composes one room view: the shared auth gate, playback sync,
// chat channel, settings form and notices for a single room code.
package room

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/roomsync/internal/api"
	"github.com/petervdpas/roomsync/internal/chat"
	"github.com/petervdpas/roomsync/internal/notice"
	"github.com/petervdpas/roomsync/internal/playback"
	"github.com/petervdpas/roomsync/internal/sched"
	"github.com/petervdpas/roomsync/internal/util"
)

var log = logging.Logger("roomsync/room")

// Config is the authoritative room configuration.
type Config struct {
	Code          string
	VotesToSkip   int
	GuestCanPause bool
	IsHost        bool
}

type Backend interface {
	playback.Client
	GetRoom(ctx context.Context, code string) api.Result
	LeaveRoom(ctx context.Context) api.Result
	UpdateRoom(ctx context.Context, req api.UpdateRoomRequest) api.Result
	WebSocketURL(path string) (string, error)
	Jar() http.CookieJar
}

// AuthGate is the process-wide gate, held by reference.
type AuthGate interface {
	playback.AuthGate
	Start(ctx context.Context)
	BeginExternalAuth(ctx context.Context, roomCode string) (string, error)
}

type Navigator interface {
	GoHome()
}

type Notices interface {
	Post(kind notice.Kind, text string) string
	Active() []notice.Notice
	Subscribe() (<-chan []notice.Notice, func())
}

type Deps struct {
	Client    Backend
	Gate      AuthGate
	Notices   Notices   // optional
	Navigator Navigator // optional
}

type Options struct {
	Clock         clock.Clock
	PollInterval  time.Duration
	NotFoundDelay time.Duration
	DialTimeout   time.Duration
}

type Session struct {
	code          string
	client        Backend
	gate          AuthGate
	notices       Notices
	nav           Navigator
	clk           clock.Clock
	notFoundDelay time.Duration

	playback *playback.Sync
	chat     *chat.Channel

	mu            sync.Mutex
	config        *Config
	loadErr       error
	unrecoverable bool
	settings      Settings
	closed        bool
	navTask       *sched.Task
	unhook        func()
	done          chan struct{}

	changed *util.Fanout[struct{}]
}

func New(code string, deps Deps, opts Options) (*Session, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.NotFoundDelay <= 0 {
		opts.NotFoundDelay = playback.DefaultNotFoundDelay
	}

	s := &Session{
		code:          code,
		client:        deps.Client,
		gate:          deps.Gate,
		notices:       deps.Notices,
		nav:           deps.Navigator,
		clk:           opts.Clock,
		notFoundDelay: opts.NotFoundDelay,
		done:          make(chan struct{}),
		changed:       util.NewFanout[struct{}](1),
	}

	wsURL, err := deps.Client.WebSocketURL(chat.Path(code))
	if err != nil {
		return nil, fmt.Errorf("chat url: %w", err)
	}
	s.chat = chat.New(wsURL, chat.Options{Jar: deps.Client.Jar(), DialTimeout: opts.DialTimeout})
	s.playback = playback.New(code, deps.Client, deps.Gate, playback.Options{
		Clock:         opts.Clock,
		Interval:      opts.PollInterval,
		NotFoundDelay: opts.NotFoundDelay,
		Navigator:     navFunc(s.goHome),
	})
	s.unhook = deps.Gate.OnChange(s.onAuthChange)
	return s, nil
}

type navFunc func()

func (f navFunc) GoHome() { f() }

func (s *Session) Code() string { return s.code }

func (s *Session) Playback() *playback.Sync { return s.playback }

func (s *Session) Chat() *chat.Channel { return s.chat }

// Load fetches the room configuration. A failure is unrecoverable: the
// session navigates home after the not-found delay.
func (s *Session) Load(ctx context.Context) error {
	res := s.client.GetRoom(ctx, s.code)

	var room api.Room
	var err error
	switch res.Kind {
	case api.KindOk:
		room, err = api.Decode[api.Room](res)
	case api.KindNoContent:
		err = fmt.Errorf("%w: empty response", api.ErrTransient)
	case api.KindUnauthorized, api.KindTransient, api.KindError:
		err = res.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return err
	}
	if err != nil {
		s.loadErr = err
		s.unrecoverable = true
		if s.navTask == nil {
			s.navTask = sched.After(s.clk, s.notFoundDelay, s.goHome)
		}
		s.changedLocked()
		log.Warnf("load room %s: %v", s.code, err)
		return fmt.Errorf("load room %s: %w", s.code, err)
	}
	cfg := configFromRoom(room)
	if cfg.Code == "" {
		cfg.Code = s.code
	}
	s.config = &cfg
	s.changedLocked()
	log.Infof("loaded room %s (host=%v votes=%d)", cfg.Code, cfg.IsHost, cfg.VotesToSkip)
	return nil
}

// Leave asks the backend to drop this client from the room. Only on success
// is the session closed and the user sent home.
func (s *Session) Leave(ctx context.Context) error {
	res := s.client.LeaveRoom(ctx)
	if err := res.Err(); err != nil {
		log.Warnf("leave room %s: %v", s.code, err)
		return fmt.Errorf("leave room: %w", err)
	}
	s.Close()
	s.goHome()
	return nil
}

// ConnectPlayback starts the external auth flow and returns the URL to open.
func (s *Session) ConnectPlayback(ctx context.Context) (string, error) {
	return s.gate.BeginExternalAuth(ctx, s.code)
}

// Run loads the room and drives every loop the session owns until ctx ends
// or the session is closed.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		select {
		case <-ctx.Done():
		case <-s.done:
		case <-s.navDone():
		}
		s.Close()
		return err
	}

	s.gate.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.done:
		}
		s.Close()
		return nil
	})
	g.Go(func() error {
		s.playback.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := s.chat.Connect(gctx); err != nil {
			// A chat failure never stops the room; the user can retry.
			log.Warnf("chat %s: %v", s.code, err)
		}
		return nil
	})
	g.Go(func() error { return forward(s, s.playback.Subscribe) })
	g.Go(func() error { return forward(s, s.chat.Subscribe) })
	if s.notices != nil {
		g.Go(func() error { return forward(s, s.notices.Subscribe) })
	}
	return g.Wait()
}

// forward turns every update from a component into a session change signal
// until the component closes its channel or the session ends.
func forward[T any](s *Session, subscribe func() (<-chan T, func())) error {
	ch, cancel := subscribe()
	defer cancel()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			s.changed.Publish(struct{}{})
		case <-s.done:
			return nil
		}
	}
}

func (s *Session) navDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navTask.Done()
}

func (s *Session) onAuthChange(authed bool) {
	log.Debugf("room %s auth changed: %v", s.code, authed)
	s.changed.Publish(struct{}{})
}

func (s *Session) goHome() {
	if s.nav != nil {
		s.nav.GoHome()
	}
}

// Changes signals whenever anything in View may have changed. Bursts are
// coalesced.
func (s *Session) Changes() (<-chan struct{}, func()) {
	return s.changed.Subscribe()
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops every timer and loop the session owns and closes the chat
// connection. The shared auth gate keeps running.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.navTask.Stop()
	unhook := s.unhook
	s.unhook = nil
	close(s.done)
	s.mu.Unlock()

	if unhook != nil {
		unhook()
	}
	s.playback.Stop()
	s.chat.Close()
	s.changed.Close()
	log.Debugf("room %s closed", s.code)
}

func (s *Session) changedLocked() {
	s.changed.Publish(struct{}{})
}

func configFromRoom(r api.Room) Config {
	return Config{
		Code:          r.Code,
		VotesToSkip:   ClampVotes(r.VotesToSkip),
		GuestCanPause: r.GuestCanPause,
		IsHost:        r.IsHost,
	}
}
