package api

import (
	"context"
	"net/http"
	"net/url"
)

// Room is the authoritative room configuration as the server returns it.
type Room struct {
	Code          string `json:"code"`
	VotesToSkip   int    `json:"votes_to_skip"`
	GuestCanPause bool   `json:"guest_can_pause"`
	IsHost        bool   `json:"is_host"`
}

type UpdateRoomRequest struct {
	GuestCanPause bool   `json:"guest_can_pause"`
	VotesToSkip   int    `json:"votes_to_skip"`
	Code          string `json:"code"`
}

type AuthStatus struct {
	Status bool `json:"status"`
}

// RoomExists is the verify-room payload. Exists is nil when the server
// omitted the field.
type RoomExists struct {
	Exists *bool  `json:"exists"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}

// Song is the current-song payload. Durations are milliseconds.
type Song struct {
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	DurationMs  int64  `json:"duration"`
	PositionMs  int64  `json:"time"`
	ImageURL    string `json:"image_url"`
	IsPlaying   bool   `json:"is_playing"`
	Votes       int    `json:"votes"`
	VotesNeeded int    `json:"votes_needed"`
	ID          string `json:"id"`
}

type AuthURL struct {
	URL string `json:"url"`
}

type roomCodeBody struct {
	RoomCode string `json:"room_code"`
}

// GetRoom loads a room by code. Payload: Room.
func (c *Client) GetRoom(ctx context.Context, code string) Result {
	return c.do(ctx, http.MethodGet, "/api/get-room", url.Values{"code": {code}}, nil)
}

func (c *Client) LeaveRoom(ctx context.Context) Result {
	return c.do(ctx, http.MethodPost, "/api/leave-room/", nil, struct{}{})
}

// UpdateRoom changes room settings. Payload: Room.
func (c *Client) UpdateRoom(ctx context.Context, req UpdateRoomRequest) Result {
	return c.do(ctx, http.MethodPatch, "/api/update-room/", nil, req)
}

// IsAuthenticated reports the host's playback auth status. Payload: AuthStatus.
func (c *Client) IsAuthenticated(ctx context.Context) Result {
	return c.do(ctx, http.MethodGet, "/spotify/is-authenticated/", nil, nil)
}

// VerifyRoom checks that a room exists. Payload: RoomExists.
func (c *Client) VerifyRoom(ctx context.Context, code string) Result {
	return c.do(ctx, http.MethodGet, "/spotify/verify-room/", url.Values{"code": {code}}, nil)
}

// CurrentSong fetches the playback snapshot. Payload: Song, or KindNoContent
// when nothing is playing.
func (c *Client) CurrentSong(ctx context.Context, roomCode string) Result {
	return c.do(ctx, http.MethodGet, "/spotify/current-song", url.Values{"room_code": {roomCode}}, nil)
}

func (c *Client) Play(ctx context.Context, roomCode string) Result {
	return c.do(ctx, http.MethodPut, "/spotify/play/", nil, roomCodeBody{RoomCode: roomCode})
}

func (c *Client) Pause(ctx context.Context, roomCode string) Result {
	return c.do(ctx, http.MethodPut, "/spotify/pause/", nil, roomCodeBody{RoomCode: roomCode})
}

// Skip votes to skip; the host's vote skips immediately.
func (c *Client) Skip(ctx context.Context, roomCode string) Result {
	return c.do(ctx, http.MethodPost, "/spotify/skip/", nil, roomCodeBody{RoomCode: roomCode})
}

// GetAuthURL fetches the external authorization URL. Payload: AuthURL.
func (c *Client) GetAuthURL(ctx context.Context, roomCode string) Result {
	return c.do(ctx, http.MethodGet, "/spotify/get-auth-url/", url.Values{"room_code": {roomCode}}, nil)
}

// LoginURL is the direct login redirect, used when GetAuthURL fails. It is
// meant to be opened in a browser, not fetched.
func (c *Client) LoginURL(roomCode string) string {
	return c.url("/spotify/login/", url.Values{"room_code": {roomCode}})
}
