// Package playback mirrors the room's current track by polling the backend
// while the host account is authenticated.
package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomsync/internal/api"
	"github.com/petervdpas/roomsync/internal/sched"
	"github.com/petervdpas/roomsync/internal/util"
)

var log = logging.Logger("roomsync/playback")

const (
	DefaultInterval      = time.Second
	DefaultNotFoundDelay = 3 * time.Second
)

type State int

const (
	Loading State = iota
	RoomNotFound
	VerifyFailed
	Unauthenticated
	NoSong
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case RoomNotFound:
		return "room-not-found"
	case VerifyFailed:
		return "verify-failed"
	case Unauthenticated:
		return "unauthenticated"
	case NoSong:
		return "no-song"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is one complete playback report. It is always replaced whole.
type Snapshot struct {
	Title       string
	Artist      string
	ImageURL    string
	DurationMs  int64
	PositionMs  int64
	IsPlaying   bool
	Votes       int
	VotesNeeded int
	TrackID     string
}

// View is a copy of the sync's state for rendering.
type View struct {
	State    State
	Snapshot *Snapshot
}

type Client interface {
	VerifyRoom(ctx context.Context, code string) api.Result
	CurrentSong(ctx context.Context, roomCode string) api.Result
	Play(ctx context.Context, roomCode string) api.Result
	Pause(ctx context.Context, roomCode string) api.Result
	Skip(ctx context.Context, roomCode string) api.Result
}

// AuthGate is the shared auth status the sync follows.
type AuthGate interface {
	Status() bool
	MarkUnauthorized()
	OnChange(fn func(bool)) func()
}

type Navigator interface {
	GoHome()
}

type Options struct {
	Clock         clock.Clock
	Interval      time.Duration
	NotFoundDelay time.Duration
	Navigator     Navigator // optional
}

type Sync struct {
	code          string
	client        Client
	gate          AuthGate
	nav           Navigator
	clk           clock.Clock
	interval      time.Duration
	notFoundDelay time.Duration

	mu           sync.Mutex
	ctx          context.Context
	started      bool
	stopped      bool
	roomChecked  bool
	roomExists   bool
	verifyFailed bool
	authed       bool
	authEvents   uint64 // hook deliveries seen
	snapshot     *Snapshot
	issued       uint64
	applied      uint64
	poll         *sched.Task
	navTask      *sched.Task
	unhook       func()

	updates *util.Fanout[View]
}

func New(code string, client Client, gate AuthGate, opts Options) *Sync {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.NotFoundDelay <= 0 {
		opts.NotFoundDelay = DefaultNotFoundDelay
	}
	return &Sync{
		code:          code,
		client:        client,
		gate:          gate,
		nav:           opts.Navigator,
		clk:           opts.Clock,
		interval:      opts.Interval,
		notFoundDelay: opts.NotFoundDelay,
		ctx:           context.Background(),
		updates:       util.NewFanout[View](16),
	}
}

// Start verifies the room and begins following the auth gate. Polling runs
// whenever the room exists and auth is confirmed. Start returns once the
// room check is done.
func (s *Sync) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	s.unhookAuth(s.gate.OnChange(s.onAuthChange))
	s.adoptGateStatus()
	s.VerifyRoom(ctx)
}

// Run starts the sync and blocks until ctx is done, then stops it.
func (s *Sync) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Sync) unhookAuth(fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		fn()
		return
	}
	s.unhook = fn
	s.mu.Unlock()
}

// VerifyRoom asks the backend whether the room exists. A missing room is
// terminal and sends the user home after the not-found delay.
func (s *Sync) VerifyRoom(ctx context.Context) {
	res := s.client.VerifyRoom(ctx, s.code)

	exists, ok := false, false
	switch res.Kind {
	case api.KindOk, api.KindError:
		// The backend answers a bad code with 200 {"error": ..., "exists": false}.
		if v, err := api.Decode[api.RoomExists](res); err == nil && v.Exists != nil {
			exists, ok = *v.Exists, true
		}
		if !ok {
			log.Warnf("verify room %s: %v", s.code, res.Err())
		}
	case api.KindNoContent, api.KindUnauthorized, api.KindTransient:
		log.Warnf("verify room %s: %v", s.code, res.Err())
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.roomChecked = true
	s.roomExists = exists
	s.verifyFailed = !ok
	if ok && !exists && s.navTask == nil {
		log.Infof("room %s does not exist, leaving in %s", s.code, s.notFoundDelay)
		s.navTask = sched.After(s.clk, s.notFoundDelay, s.goHome)
	}
	s.syncPollingLocked()
	v := s.viewLocked()
	s.mu.Unlock()

	s.updates.Publish(v)
}

func (s *Sync) goHome() {
	if s.nav != nil {
		s.nav.GoHome()
	}
}

func (s *Sync) onAuthChange(authed bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.authEvents++
	s.setAuthLocked(authed)
	v := s.viewLocked()
	s.mu.Unlock()

	s.updates.Publish(v)
}

// adoptGateStatus takes the gate's current status as the starting point. If
// a hook delivered a change after the read began, that delivery is at least
// as new and the read is discarded.
func (s *Sync) adoptGateStatus() {
	s.mu.Lock()
	seen := s.authEvents
	s.mu.Unlock()

	authed := s.gate.Status()

	s.mu.Lock()
	if s.stopped || s.authEvents != seen {
		s.mu.Unlock()
		return
	}
	s.setAuthLocked(authed)
	v := s.viewLocked()
	s.mu.Unlock()

	s.updates.Publish(v)
}

func (s *Sync) setAuthLocked(authed bool) {
	s.authed = authed
	if !authed {
		s.snapshot = nil
		// Results of polls already in flight are stale now.
		if s.issued > s.applied {
			s.applied = s.issued
		}
	}
	s.syncPollingLocked()
}

// syncPollingLocked starts or stops the poll task to match the state.
func (s *Sync) syncPollingLocked() {
	want := s.started && !s.stopped && s.roomExists && s.authed
	switch {
	case want && s.poll == nil:
		log.Debugf("polling %s every %s", s.code, s.interval)
		ctx := s.ctx
		s.poll = sched.Every(s.clk, s.interval, true, func() { s.pollOnce(ctx) })
	case !want && s.poll != nil:
		log.Debugf("polling %s stopped", s.code)
		s.poll.Stop()
		s.poll = nil
	}
}

func (s *Sync) pollOnce(ctx context.Context) {
	s.mu.Lock()
	if s.stopped || !s.authed {
		s.mu.Unlock()
		return
	}
	s.issued++
	seq := s.issued
	s.mu.Unlock()

	res := s.client.CurrentSong(ctx, s.code)
	s.handle(seq, res)
}

func (s *Sync) handle(seq uint64, res api.Result) {
	switch res.Kind {
	case api.KindOk:
		song, err := api.Decode[api.Song](res)
		if err != nil {
			log.Debugf("current song: %v", err)
			return
		}
		s.apply(seq, snapshotFromSong(song))
	case api.KindNoContent:
		s.apply(seq, nil)
	case api.KindUnauthorized:
		s.authLost(seq)
	case api.KindTransient:
		log.Debugf("current song: %v", res.Err())
	case api.KindError:
		if res.IndicatesAuth() {
			s.authLost(seq)
			return
		}
		log.Debugf("current song: %v", res.Err())
	}
}

// apply replaces the snapshot unless the response is stale or auth is gone.
func (s *Sync) apply(seq uint64, snap *Snapshot) {
	s.mu.Lock()
	if s.stopped || !s.authed || seq <= s.applied {
		s.mu.Unlock()
		log.Debugf("dropping stale playback result #%d", seq)
		return
	}
	s.applied = seq
	prev := s.snapshot
	s.snapshot = snap
	v := s.viewLocked()
	s.mu.Unlock()

	if snap != nil && (prev == nil || prev.TrackID != snap.TrackID) {
		log.Infof("now playing: %s - %s", snap.Title, snap.Artist)
	}
	s.updates.Publish(v)
}

func (s *Sync) authLost(seq uint64) {
	s.mu.Lock()
	if s.stopped || seq <= s.applied {
		s.mu.Unlock()
		return
	}
	s.applied = seq
	s.mu.Unlock()

	log.Infof("playback for %s needs authentication", s.code)
	s.onAuthChange(false)
	s.gate.MarkUnauthorized()
}

// Play resumes playback. There is no optimistic update; the next poll shows
// the result.
func (s *Sync) Play(ctx context.Context) error {
	return s.command(ctx, "play", s.client.Play)
}

func (s *Sync) Pause(ctx context.Context) error {
	return s.command(ctx, "pause", s.client.Pause)
}

// Skip registers a vote to skip; the host skips immediately.
func (s *Sync) Skip(ctx context.Context) error {
	return s.command(ctx, "skip", s.client.Skip)
}

func (s *Sync) command(ctx context.Context, name string, call func(context.Context, string) api.Result) error {
	res := call(ctx, s.code)
	if err := res.Err(); err != nil {
		log.Warnf("%s %s: %v", name, s.code, err)
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Sync) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Snapshot returns a copy of the latest snapshot, or nil.
func (s *Sync) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySnapshot(s.snapshot)
}

func (s *Sync) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Progress is position/duration of the latest snapshot in [0,1], or 0.
func (s *Sync) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Progress(s.snapshot)
}

// Subscribe delivers a View after every change.
func (s *Sync) Subscribe() (<-chan View, func()) {
	return s.updates.Subscribe()
}

// Stop cancels polling and any pending navigation. Responses that arrive
// later are ignored.
func (s *Sync) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.poll.Stop()
	s.poll = nil
	s.navTask.Stop()
	s.navTask = nil
	unhook := s.unhook
	s.unhook = nil
	s.mu.Unlock()

	if unhook != nil {
		unhook()
	}
	s.updates.Close()
}

func (s *Sync) stateLocked() State {
	switch {
	case !s.roomChecked:
		return Loading
	case s.verifyFailed:
		return VerifyFailed
	case !s.roomExists:
		return RoomNotFound
	case !s.authed:
		return Unauthenticated
	case s.snapshot == nil:
		return NoSong
	case s.snapshot.IsPlaying:
		return Playing
	default:
		return Paused
	}
}

func (s *Sync) viewLocked() View {
	return View{State: s.stateLocked(), Snapshot: copySnapshot(s.snapshot)}
}

func snapshotFromSong(song api.Song) *Snapshot {
	return &Snapshot{
		Title:       song.Title,
		Artist:      song.Artist,
		ImageURL:    song.ImageURL,
		DurationMs:  song.DurationMs,
		PositionMs:  song.PositionMs,
		IsPlaying:   song.IsPlaying,
		Votes:       song.Votes,
		VotesNeeded: song.VotesNeeded,
		TrackID:     song.ID,
	}
}

func copySnapshot(s *Snapshot) *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
