package room

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/roomsync/internal/api"
	"github.com/petervdpas/roomsync/internal/auth"
	"github.com/petervdpas/roomsync/internal/chat"
	"github.com/petervdpas/roomsync/internal/notice"
	"github.com/petervdpas/roomsync/internal/playback"
	"github.com/petervdpas/roomsync/internal/testkit/fakebackend"
	"github.com/petervdpas/roomsync/internal/testkit/fakeserver"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeNav struct{ home atomic.Int32 }

func (n *fakeNav) GoHome() { n.home.Add(1) }

type harness struct {
	srv     *fakeserver.Server
	client  *api.Client
	clk     *clock.Mock
	gate    *auth.Gate
	notices *notice.Board
	nav     *fakeNav
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := fakeserver.New(t)
	client, err := api.NewClient(srv.URL(), time.Second)
	require.NoError(t, err)
	clk := clock.NewMock()
	board := notice.NewBoard(clk, 3*time.Second)
	gate := auth.New(client, auth.Options{Clock: clk, Notices: board})
	t.Cleanup(func() {
		gate.Close()
		board.Close()
	})
	return &harness{srv: srv, client: client, clk: clk, gate: gate, notices: board, nav: &fakeNav{}}
}

func (h *harness) session(t *testing.T, code string, backend Backend) *Session {
	t.Helper()
	if backend == nil {
		backend = h.client
	}
	s, err := New(code, Deps{Client: backend, Gate: h.gate, Notices: h.notices, Navigator: h.nav},
		Options{Clock: h.clk, NotFoundDelay: 3 * time.Second, DialTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestLoadPopulatesConfig(t *testing.T) {
	h := newHarness(t)
	h.srv.AddRoom(fakebackend.Room{Code: "ABC", VotesToSkip: 2, GuestCanPause: true, IsHost: true})
	s := h.session(t, "ABC", nil)

	require.NoError(t, s.Load(context.Background()))
	v := s.View()
	require.NotNil(t, v.Config)
	assert.Equal(t, Config{Code: "ABC", VotesToSkip: 2, GuestCanPause: true, IsHost: true}, *v.Config)
	assert.False(t, v.Unrecoverable)
	assert.Equal(t, playback.Loading, v.Playback.State)
}

func TestLoadFailureNavigatesHomeAfterDelay(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "NOPE", nil)

	err := s.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrRoomNotFound)
	assert.True(t, s.View().Unrecoverable)
	assert.Contains(t, s.View().LoadError, "Room not found")

	h.clk.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), h.nav.home.Load())

	h.clk.Add(time.Second)
	require.Eventually(t, func() bool { return h.nav.home.Load() == 1 }, waitFor, tick)
}

func TestDraftClampsVotes(t *testing.T) {
	h := newHarness(t)
	h.srv.AddRoom(fakebackend.Room{Code: "ABC", VotesToSkip: 2, IsHost: true})
	s := h.session(t, "ABC", nil)
	require.NoError(t, s.Load(context.Background()))

	// Edits before the form is open are ignored.
	s.SetVotesToSkip(9)
	assert.False(t, s.View().Settings.Open)

	require.NoError(t, s.EnterSettings())
	assert.Equal(t, Draft{VotesToSkip: 2}, s.View().Settings.Draft)

	for i := 0; i < 5; i++ {
		s.DecrementVotes()
		assert.GreaterOrEqual(t, s.View().Settings.Draft.VotesToSkip, 1)
	}
	assert.Equal(t, 1, s.View().Settings.Draft.VotesToSkip)

	s.SetVotesToSkip(0)
	assert.Equal(t, 1, s.View().Settings.Draft.VotesToSkip)
	s.SetVotesToSkip(-7)
	assert.Equal(t, 1, s.View().Settings.Draft.VotesToSkip)
	s.IncrementVotes()
	s.SetGuestCanPause(true)
	assert.Equal(t, Draft{VotesToSkip: 2, GuestCanPause: true}, s.View().Settings.Draft)

	s.CancelSettings()
	v := s.View()
	assert.False(t, v.Settings.Open)
	assert.Equal(t, 2, v.Config.VotesToSkip)
	assert.False(t, v.Config.GuestCanPause, "cancel never touches the config")
}

func TestUpdateClampsBeforeRequest(t *testing.T) {
	h := newHarness(t)
	h.srv.AddRoom(fakebackend.Room{Code: "ABC", VotesToSkip: 4, IsHost: true})
	s := h.session(t, "ABC", nil)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.EnterSettings())

	s.mu.Lock()
	s.settings.Draft.VotesToSkip = 0
	s.mu.Unlock()

	require.NoError(t, s.UpdateSettings(context.Background()))
	room, ok := h.srv.Room("ABC")
	require.True(t, ok)
	assert.Equal(t, 1, room.VotesToSkip)
	assert.Equal(t, 1, s.View().Config.VotesToSkip)
}

func TestUpdateSettingsSuccess(t *testing.T) {
	h := newHarness(t)
	h.srv.AddRoom(fakebackend.Room{Code: "ABC", VotesToSkip: 2, IsHost: true})
	s := h.session(t, "ABC", nil)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.EnterSettings())

	s.IncrementVotes()
	s.SetGuestCanPause(true)
	require.NoError(t, s.UpdateSettings(context.Background()))

	v := s.View()
	assert.False(t, v.Settings.Open)
	assert.Equal(t, Config{Code: "ABC", VotesToSkip: 3, GuestCanPause: true, IsHost: true}, *v.Config)
	require.Len(t, v.Notices, 1)
	assert.Equal(t, notice.Success, v.Notices[0].Kind)

	h.clk.Add(3 * time.Second)
	require.Eventually(t, func() bool { return len(s.View().Notices) == 0 }, waitFor, tick)
}

func TestUpdateSettingsFailureKeepsDraft(t *testing.T) {
	h := newHarness(t)
	h.srv.AddRoom(fakebackend.Room{Code: "ABC", VotesToSkip: 2, IsHost: true})
	s := h.session(t, "ABC", nil)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.EnterSettings())
	s.SetVotesToSkip(5)

	h.srv.Fail("PATCH", "/api/update-room/", fakebackend.JSONError(500, "database is locked"))
	err := s.UpdateSettings(context.Background())
	require.Error(t, err)

	v := s.View()
	assert.True(t, v.Settings.Open)
	assert.False(t, v.Settings.Submitting)
	assert.Equal(t, 5, v.Settings.Draft.VotesToSkip)
	assert.Equal(t, "database is locked", v.Settings.Error)
	assert.Equal(t, 2, v.Config.VotesToSkip)
	assert.Empty(t, v.Notices)

	// The form can be resubmitted.
	require.NoError(t, s.UpdateSettings(context.Background()))
	assert.Equal(t, 5, s.View().Config.VotesToSkip)
}

type blockingBackend struct {
	*api.Client
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBackend) UpdateRoom(ctx context.Context, req api.UpdateRoomRequest) api.Result {
	close(b.entered)
	<-b.release
	return b.Client.UpdateRoom(ctx, req)
}

func TestSecondSubmitRejectedWhileInFlight(t *testing.T) {
	h := newHarness(t)
	h.srv.AddRoom(fakebackend.Room{Code: "ABC", VotesToSkip: 2, IsHost: true})
	bb := &blockingBackend{Client: h.client, entered: make(chan struct{}), release: make(chan struct{})}
	s := h.session(t, "ABC", bb)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.EnterSettings())

	errc := make(chan error, 1)
	go func() { errc <- s.UpdateSettings(context.Background()) }()
	<-bb.entered

	assert.True(t, s.View().Settings.Submitting)
	assert.ErrorIs(t, s.UpdateSettings(context.Background()), ErrSubmitting)

	// The form is locked while submitting.
	s.SetVotesToSkip(9)
	s.CancelSettings()
	assert.Equal(t, 2, s.View().Settings.Draft.VotesToSkip)
	assert.True(t, s.View().Settings.Open)

	close(bb.release)
	require.NoError(t, <-errc)
	assert.False(t, s.View().Settings.Open)
}

func TestGuestCannotEditSettings(t *testing.T) {
	h := newHarness(t)
	h.srv.AddRoom(fakebackend.Room{Code: "ABC", VotesToSkip: 2})
	s := h.session(t, "ABC", nil)

	assert.ErrorIs(t, s.EnterSettings(), ErrNotLoaded)
	require.NoError(t, s.Load(context.Background()))
	assert.ErrorIs(t, s.EnterSettings(), ErrNotHost)
	assert.ErrorIs(t, s.UpdateSettings(context.Background()), ErrNotEditing)
}

func TestLeaveNavigatesOnlyOnSuccess(t *testing.T) {
	h := newHarness(t)
	h.srv.AddRoom(fakebackend.Room{Code: "ABC", VotesToSkip: 2})
	s := h.session(t, "ABC", nil)
	require.NoError(t, s.Load(context.Background()))

	h.srv.Fail("POST", "/api/leave-room/", fakebackend.JSONError(500, "nope"))
	require.Error(t, s.Leave(context.Background()))
	assert.Equal(t, int32(0), h.nav.home.Load())
	select {
	case <-s.Done():
		t.Fatal("a failed leave must not tear the session down")
	default:
	}
	assert.NotNil(t, s.View().Config)

	require.NoError(t, s.Leave(context.Background()))
	assert.Equal(t, int32(1), h.nav.home.Load())
	assert.Equal(t, 1, h.srv.Leaves())
	<-s.Done()
}

func TestRunDrivesPlaybackAndChat(t *testing.T) {
	h := newHarness(t)
	h.srv.AddRoom(fakebackend.Room{Code: "ABC", VotesToSkip: 2, IsHost: true})
	h.srv.SetAuthenticated(true)
	h.srv.SetSong(&api.Song{Title: "Track", Artist: "Band", DurationMs: 180000, PositionMs: 90000, IsPlaying: true, ID: "t1"})
	s := h.session(t, "ABC", nil)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		v := s.View()
		return v.Authenticated && v.Playback.State == playback.Playing && v.Chat.State == chat.Connected
	}, waitFor, tick)
	assert.InDelta(t, 0.5, s.View().Progress, 1e-9)

	require.Eventually(t, func() bool { return h.srv.ChatClients("ABC") == 1 }, waitFor, tick)
	require.NoError(t, s.Chat().Send("Sam", "hello"))
	require.Eventually(t, func() bool { return len(s.View().Chat.Transcript) == 1 }, waitFor, tick)

	// A chat drop does not stop playback polling.
	h.srv.DropChat("ABC")
	require.Eventually(t, func() bool { return s.View().Chat.State == chat.Failed }, waitFor, tick)
	before := h.srv.Hits("/spotify/current-song")
	h.clk.Add(time.Second)
	require.Eventually(t, func() bool { return h.srv.Hits("/spotify/current-song") > before }, waitFor, tick)

	// Losing auth stops playback requests.
	h.srv.SetAuthenticated(false)
	h.clk.Add(time.Second)
	require.Eventually(t, func() bool { return s.View().Playback.State == playback.Unauthenticated }, waitFor, tick)
	assert.False(t, h.gate.Status())
	stopped := h.srv.Hits("/spotify/current-song")
	h.clk.Add(5 * time.Second)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, h.srv.Hits("/spotify/current-song"))

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	<-s.Done()
}

func TestRunReturnsLoadError(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "MISSING", nil)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return s.View().Unrecoverable }, waitFor, tick)
	h.clk.Add(3 * time.Second)

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, api.ErrRoomNotFound)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, int32(1), h.nav.home.Load())
}

func TestClampVotes(t *testing.T) {
	assert.Equal(t, 1, ClampVotes(-3))
	assert.Equal(t, 1, ClampVotes(0))
	assert.Equal(t, 1, ClampVotes(1))
	assert.Equal(t, 7, ClampVotes(7))
}
