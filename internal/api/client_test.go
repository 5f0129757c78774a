package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, 2*time.Second)
	require.NoError(t, err)
	return c
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   Kind
		msg    string
	}{
		{"no content", 204, "", KindNoContent, ""},
		{"no content with body", 204, `{"error":"No song currently playing"}`, KindNoContent, ""},
		{"unauthorized", 401, `{"error":"Spotify authentication required","success":false}`, KindUnauthorized, "Spotify authentication required"},
		{"unauthorized html", 401, `<html>login</html>`, KindUnauthorized, ""},
		{"html page", 502, `<!DOCTYPE html><html></html>`, KindTransient, ""},
		{"html on 200", 200, `<html></html>`, KindTransient, ""},
		{"not found", 404, `{"error":"Room not found."}`, KindError, "Room not found."},
		{"validation map", 400, `{"votes_to_skip":["Ensure this value is greater than or equal to 1."]}`, KindError, "votes_to_skip: Ensure this value is greater than or equal to 1."},
		{"server error empty", 500, ``, KindError, "Internal Server Error"},
		{"ok with error field", 200, `{"error":"Room code is required","exists":false}`, KindError, "Room code is required"},
		{"ok", 200, `{"status":true}`, KindOk, ""},
		{"ok empty", 200, ``, KindOk, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := classify(tc.status, "", []byte(tc.body))
			assert.Equal(t, tc.kind, r.Kind)
			if tc.msg != "" {
				assert.Equal(t, tc.msg, r.Message)
			}
		})
	}
}

func TestResultErr(t *testing.T) {
	assert.NoError(t, Result{Kind: KindOk}.Err())
	assert.NoError(t, Result{Kind: KindNoContent}.Err())
	assert.ErrorIs(t, Result{Kind: KindUnauthorized}.Err(), ErrUnauthorized)
	assert.ErrorIs(t, transient(errors.New("dial")).Err(), ErrTransient)

	notFound := classify(404, "", []byte(`{"error":"Room not found."}`)).Err()
	assert.ErrorIs(t, notFound, ErrRoomNotFound)
	assert.NotErrorIs(t, notFound, ErrValidation)

	var se *StatusError
	require.ErrorAs(t, notFound, &se)
	assert.Equal(t, 404, se.Status)

	assert.ErrorIs(t, classify(400, "", []byte(`{"error":"bad"}`)).Err(), ErrValidation)
}

func TestIndicatesAuth(t *testing.T) {
	assert.True(t, Result{Kind: KindUnauthorized}.IndicatesAuth())
	assert.True(t, classify(400, "", []byte(`{"error":"Spotify Authentication expired"}`)).IndicatesAuth())
	assert.True(t, classify(200, "", []byte(`{"error":{"status":401,"message":"token"},"status":401}`)).IndicatesAuth())
	assert.False(t, classify(400, "", []byte(`{"error":"Device not found"}`)).IndicatesAuth())
	assert.False(t, Result{Kind: KindTransient}.IndicatesAuth())
}

func TestDecode(t *testing.T) {
	r := classify(200, "", []byte(`{"title":"Song","artist":"A","duration":200000,"time":1000,"is_playing":true,"votes":1,"votes_needed":2,"id":"t1"}`))
	song, err := Decode[Song](r)
	require.NoError(t, err)
	assert.Equal(t, "Song", song.Title)
	assert.Equal(t, int64(200000), song.DurationMs)
	assert.Equal(t, int64(1000), song.PositionMs)
	assert.Equal(t, "t1", song.ID)

	_, err = Decode[Song](Result{Kind: KindOk})
	assert.ErrorIs(t, err, ErrTransient)
}

func TestEndpointsSendExpectedRequests(t *testing.T) {
	type seen struct {
		method, path, query string
		body                map[string]any
	}
	got := make(chan seen, 1)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		s := seen{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			_ = json.Unmarshal(b, &s.body)
		}
		got <- s
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	})
	ctx := context.Background()

	cases := []struct {
		call   func() Result
		method string
		path   string
		query  string
		body   map[string]any
	}{
		{func() Result { return c.GetRoom(ctx, "ABC") }, "GET", "/api/get-room", "code=ABC", nil},
		{func() Result { return c.LeaveRoom(ctx) }, "POST", "/api/leave-room/", "", map[string]any{}},
		{func() Result {
			return c.UpdateRoom(ctx, UpdateRoomRequest{GuestCanPause: true, VotesToSkip: 3, Code: "ABC"})
		}, "PATCH", "/api/update-room/", "", map[string]any{"guest_can_pause": true, "votes_to_skip": float64(3), "code": "ABC"}},
		{func() Result { return c.IsAuthenticated(ctx) }, "GET", "/spotify/is-authenticated/", "", nil},
		{func() Result { return c.VerifyRoom(ctx, "ABC") }, "GET", "/spotify/verify-room/", "code=ABC", nil},
		{func() Result { return c.CurrentSong(ctx, "ABC") }, "GET", "/spotify/current-song", "room_code=ABC", nil},
		{func() Result { return c.Play(ctx, "ABC") }, "PUT", "/spotify/play/", "", map[string]any{"room_code": "ABC"}},
		{func() Result { return c.Pause(ctx, "ABC") }, "PUT", "/spotify/pause/", "", map[string]any{"room_code": "ABC"}},
		{func() Result { return c.Skip(ctx, "ABC") }, "POST", "/spotify/skip/", "", map[string]any{"room_code": "ABC"}},
		{func() Result { return c.GetAuthURL(ctx, "ABC") }, "GET", "/spotify/get-auth-url/", "room_code=ABC", nil},
	}
	for _, tc := range cases {
		res := tc.call()
		assert.Equal(t, KindOk, res.Kind)
		s := <-got
		assert.Equal(t, tc.method, s.method)
		assert.Equal(t, tc.path, s.path)
		assert.Equal(t, tc.query, s.query)
		assert.Equal(t, tc.body, s.body)
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := NewClient(srv.URL, time.Second)
	require.NoError(t, err)
	res := c.IsAuthenticated(context.Background())
	assert.Equal(t, KindTransient, res.Kind)
	assert.ErrorIs(t, res.Err(), ErrTransient)
}

func TestCookiesPersistAcrossCalls(t *testing.T) {
	var second string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if ck, err := r.Cookie("sessionid"); err == nil {
			second = ck.Value
		} else {
			http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "s-1", Path: "/"})
		}
		w.Write([]byte(`{"status":false}`))
	})

	c.IsAuthenticated(context.Background())
	c.IsAuthenticated(context.Background())
	assert.Equal(t, "s-1", second)
}

func TestURLs(t *testing.T) {
	c, err := NewClient("https://rooms.example.org/", time.Second)
	require.NoError(t, err)

	ws, err := c.WebSocketURL("/ws/chat/ABC/")
	require.NoError(t, err)
	assert.Equal(t, "wss://rooms.example.org/ws/chat/ABC/", ws)
	assert.Equal(t, "https://rooms.example.org/spotify/login/?room_code=A+B", c.LoginURL("A B"))

	c, err = NewClient("127.0.0.1:8000", time.Second)
	require.NoError(t, err)
	ws, err = c.WebSocketURL("/ws/chat/X/")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8000/ws/chat/X/", ws)
}
