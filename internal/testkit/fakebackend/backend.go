// Package fakebackend is an in-process stand-in for the room backend: the
// REST endpoints and the chat socket, with knobs for injecting failures.
// It backs `roomsync serve-fake`; tests start it through fakeserver.
package fakebackend

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomsync/internal/api"
	"github.com/petervdpas/roomsync/internal/util"
)

var log = logging.Logger("roomsync/fakebackend")

const sessionCookie = "sessionid"

// Room is a room as the backend stores it.
type Room struct {
	Code          string
	VotesToSkip   int
	GuestCanPause bool
	IsHost        bool
}

// Failure is a canned response served instead of the real handler.
type Failure struct {
	Status      int
	Body        string
	ContentType string
}

// HTMLError mimics a proxy error page.
func HTMLError(status int) Failure {
	return Failure{Status: status, Body: "<!DOCTYPE html><html><body>Bad Gateway</body></html>", ContentType: "text/html"}
}

// JSONError is a backend-style {"error": msg} response.
func JSONError(status int, msg string) Failure {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return Failure{Status: status, Body: string(b), ContentType: "application/json"}
}

type Backend struct {
	mu            sync.Mutex
	rooms         map[string]*Room
	authenticated bool
	song          *api.Song
	authURL       string
	failures      map[string][]Failure
	hits          map[string]int
	commands      []string
	leaves        int
	sessions      map[string]bool

	chatMu sync.Mutex
	chats  map[string]map[*websocket.Conn]*sync.Mutex

	upgrader websocket.Upgrader
	now      func() time.Time
}

func New() *Backend {
	return &Backend{
		rooms:    make(map[string]*Room),
		authURL:  "https://accounts.spotify.com/authorize?client_id=fake",
		failures: make(map[string][]Failure),
		hits:     make(map[string]int),
		sessions: make(map[string]bool),
		chats:    make(map[string]map[*websocket.Conn]*sync.Mutex),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// Handler returns the backend's routes.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(b.session, b.injectFailures)

	r.Get("/api/get-room", b.getRoom)
	r.Post("/api/leave-room/", b.leaveRoom)
	r.Patch("/api/update-room/", b.updateRoom)

	r.Get("/spotify/is-authenticated/", b.isAuthenticated)
	r.Get("/spotify/verify-room/", b.verifyRoom)
	r.Get("/spotify/current-song", b.currentSong)
	r.Put("/spotify/play/", b.command("play"))
	r.Put("/spotify/pause/", b.command("pause"))
	r.Post("/spotify/skip/", b.command("skip"))
	r.Get("/spotify/get-auth-url/", b.getAuthURL)
	r.Get("/spotify/login/", b.login)

	r.Get("/ws/chat/{code}/", b.serveChat)
	return r
}

// --- knobs ---

func (b *Backend) AddRoom(r Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := r
	b.rooms[r.Code] = &cp
}

func (b *Backend) Room(code string) (Room, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[code]
	if !ok {
		return Room{}, false
	}
	return *r, true
}

func (b *Backend) SetAuthenticated(v bool) {
	b.mu.Lock()
	b.authenticated = v
	b.mu.Unlock()
}

// SetSong sets the current track. nil means nothing is playing (204).
func (b *Backend) SetSong(s *api.Song) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s == nil {
		b.song = nil
		return
	}
	cp := *s
	b.song = &cp
}

func (b *Backend) SetAuthURL(u string) {
	b.mu.Lock()
	b.authURL = u
	b.mu.Unlock()
}

// Fail queues f as the response to the next request for method and path.
func (b *Backend) Fail(method, path string, f Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := method + " " + path
	b.failures[key] = append(b.failures[key], f)
}

// Hits counts requests to path, failures included.
func (b *Backend) Hits(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[path]
}

// Commands lists play/pause/skip calls as "name:room_code".
func (b *Backend) Commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commands...)
}

func (b *Backend) Leaves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leaves
}

// Sessions is the number of distinct session cookies handed out.
func (b *Backend) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// --- middleware ---

func (b *Backend) session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ck, err := r.Cookie(sessionCookie); err != nil || ck.Value == "" {
			id := uuid.NewString()
			http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/", HttpOnly: true})
			b.mu.Lock()
			b.sessions[id] = true
			b.mu.Unlock()
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		b.mu.Lock()
		b.hits[r.URL.Path]++
		var f *Failure
		if q := b.failures[key]; len(q) > 0 {
			f = &q[0]
			b.failures[key] = q[1:]
		}
		b.mu.Unlock()

		if f == nil {
			next.ServeHTTP(w, r)
			return
		}
		if f.ContentType != "" {
			w.Header().Set("Content-Type", f.ContentType)
		}
		w.WriteHeader(f.Status)
		w.Write([]byte(f.Body))
	})
}

// --- handlers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func roomJSON(r *Room) map[string]any {
	return map[string]any{
		"code":            r.Code,
		"votes_to_skip":   r.VotesToSkip,
		"guest_can_pause": r.GuestCanPause,
		"is_host":         r.IsHost,
	}
}

func (b *Backend) getRoom(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		errorJSON(w, http.StatusBadRequest, "Code param missing.")
		return
	}
	b.mu.Lock()
	room, ok := b.rooms[code]
	var body map[string]any
	if ok {
		body = roomJSON(room)
	}
	b.mu.Unlock()
	if !ok {
		errorJSON(w, http.StatusNotFound, "Room not found.")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (b *Backend) leaveRoom(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.leaves++
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully left the room."})
}

func (b *Backend) updateRoom(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "Invalid JSON.")
		return
	}
	if req.VotesToSkip < 1 {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"votes_to_skip": {"Ensure this value is greater than or equal to 1."},
		})
		return
	}

	b.mu.Lock()
	room, ok := b.rooms[req.Code]
	if !ok {
		b.mu.Unlock()
		errorJSON(w, http.StatusNotFound, "Room not found.")
		return
	}
	if !room.IsHost {
		b.mu.Unlock()
		errorJSON(w, http.StatusForbidden, "You are not the host of this room.")
		return
	}
	room.GuestCanPause = req.GuestCanPause
	room.VotesToSkip = req.VotesToSkip
	body := roomJSON(room)
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, body)
}

func (b *Backend) isAuthenticated(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	v := b.authenticated
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"status": v})
}

func (b *Backend) verifyRoom(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeJSON(w, http.StatusOK, map[string]any{"error": "Room code is required", "exists": false})
		return
	}
	b.mu.Lock()
	_, ok := b.rooms[code]
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"exists": ok, "code": code})
}

func (b *Backend) currentSong(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("room_code")
	b.mu.Lock()
	_, roomOK := b.rooms[code]
	authed := b.authenticated
	var song *api.Song
	if b.song != nil {
		cp := *b.song
		song = &cp
	}
	b.mu.Unlock()

	switch {
	case code == "":
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Room code required", "success": false})
	case !roomOK:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Room not found", "success": false})
	case !authed:
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Spotify authentication required", "success": false})
	case song == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"title":        song.Title,
			"artist":       song.Artist,
			"duration":     song.DurationMs,
			"time":         song.PositionMs,
			"image_url":    song.ImageURL,
			"is_playing":   song.IsPlaying,
			"votes":        song.Votes,
			"votes_needed": song.VotesNeeded,
			"id":           song.ID,
			"success":      true,
		})
	}
}

func (b *Backend) command(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RoomCode string `json:"room_code"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		b.mu.Lock()
		room, ok := b.rooms[body.RoomCode]
		allowed := ok && (room.IsHost || name == "skip" || room.GuestCanPause)
		if allowed {
			b.commands = append(b.commands, name+":"+body.RoomCode)
			if b.song != nil && name != "skip" {
				b.song.IsPlaying = name == "play"
			}
		}
		b.mu.Unlock()

		if !allowed {
			errorJSON(w, http.StatusForbidden, "Permission denied")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}
}

func (b *Backend) getAuthURL(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	u := b.authURL
	b.mu.Unlock()
	if code := r.URL.Query().Get("room_code"); code != "" {
		u += "&state=" + code
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (b *Backend) login(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	u := b.authURL
	b.mu.Unlock()
	http.Redirect(w, r, u, http.StatusFound)
}

// --- chat ---

type inbound struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Text string `json:"text"`
}

func (b *Backend) serveChat(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade: %v", err)
		return
	}

	wmu := &sync.Mutex{}
	b.chatMu.Lock()
	if b.chats[code] == nil {
		b.chats[code] = make(map[*websocket.Conn]*sync.Mutex)
	}
	b.chats[code][conn] = wmu
	b.chatMu.Unlock()

	defer func() {
		b.chatMu.Lock()
		delete(b.chats[code], conn)
		b.chatMu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Type != "chat.message" {
			b.writeTo(conn, wmu, map[string]string{"type": "chat.error", "message": "Invalid message format"})
			continue
		}
		name := strings.TrimSpace(in.Name)
		text := strings.TrimSpace(in.Text)
		if name == "" || utf8.RuneCountInString(name) > util.MaxDisplayNameLen || text == "" || utf8.RuneCountInString(text) > util.MaxChatTextLen {
			b.writeTo(conn, wmu, map[string]string{"type": "chat.error", "message": "Invalid name or message"})
			continue
		}
		b.Broadcast(code, name, text)
	}
}

// Broadcast sends a chat message to every socket in the room, the sender
// included, stamped with the server time.
func (b *Backend) Broadcast(code, name, text string) {
	b.BroadcastRaw(code, map[string]any{
		"type": "chat.message",
		"name": name,
		"text": text,
		"ts":   b.now().UnixMilli(),
	})
}

// BroadcastRaw sends v as-is to every socket in the room.
func (b *Backend) BroadcastRaw(code string, v any) {
	b.chatMu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(b.chats[code]))
	for c, m := range b.chats[code] {
		targets[c] = m
	}
	b.chatMu.Unlock()

	for c, m := range targets {
		b.writeTo(c, m, v)
	}
}

func (b *Backend) writeTo(conn *websocket.Conn, mu *sync.Mutex, v any) {
	mu.Lock()
	defer mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(v); err != nil {
		log.Debugf("chat write: %v", err)
	}
}

// ChatClients counts open sockets for a room.
func (b *Backend) ChatClients(code string) int {
	b.chatMu.Lock()
	defer b.chatMu.Unlock()
	return len(b.chats[code])
}

// CloseChat ends every socket in the room with a normal close frame.
func (b *Backend) CloseChat(code string) {
	b.chatMu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(b.chats[code]))
	for c, m := range b.chats[code] {
		targets[c] = m
	}
	b.chatMu.Unlock()

	for c, m := range targets {
		m.Lock()
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		m.Unlock()
		c.Close()
	}
}

// DropChat cuts every socket in the room without a close frame.
func (b *Backend) DropChat(code string) {
	b.chatMu.Lock()
	var targets []*websocket.Conn
	for c := range b.chats[code] {
		targets = append(targets, c)
	}
	b.chatMu.Unlock()

	for _, c := range targets {
		c.NetConn().Close()
	}
}

// CloseAllChats closes every chat socket.
func (b *Backend) CloseAllChats() {
	b.chatMu.Lock()
	var all []*websocket.Conn
	for _, room := range b.chats {
		for c := range room {
			all = append(all, c)
		}
	}
	b.chatMu.Unlock()
	for _, c := range all {
		c.Close()
	}
}
