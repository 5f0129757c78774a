package app

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/petervdpas/roomsync/internal/config"
	"github.com/petervdpas/roomsync/internal/room"
	"github.com/petervdpas/roomsync/internal/util"
)

var errQuit = errors.New("quit")

// terminal is the line-oriented presentation of one room session.
type terminal struct {
	out     io.Writer
	outMu   sync.Mutex
	sess    *room.Session
	openURL func(string) error
	cfgPath string

	mu       sync.Mutex
	name     string
	status   string
	printed  int
	notified map[string]bool
}

func newTerminal(out io.Writer, sess *room.Session, cfgPath, name string, openURL func(string) error) *terminal {
	return &terminal{
		out:      out,
		cfgPath:  cfgPath,
		sess:     sess,
		openURL:  openURL,
		name:     strings.TrimSpace(name),
		notified: make(map[string]bool),
	}
}

func (t *terminal) displayName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *terminal) setDisplayName(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
}

// applyConfig takes the hot-reloadable parts of a changed config file.
func (t *terminal) applyConfig(cfg config.Config) {
	if name := strings.TrimSpace(cfg.Chat.DisplayName); name != "" && name != t.displayName() {
		t.setDisplayName(name)
		t.printf("* display name is now %s\n", name)
	}
	if err := SetupLogging(cfg.Log.Level, cfg.Log.FilePath(t.cfgPath)); err != nil {
		log.Warnf("reload log level: %v", err)
	}
}

func (t *terminal) commandLoop(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := t.handle(ctx, line); err != nil {
				return err
			}
		}
	}
}

const helpText = `Commands:
  <text>              send a chat message
  /name <name>        set your chat display name
  /play /pause /skip  control playback
  /connect            open the playback account authorization page
  /settings           edit room settings (host only)
  /votes <n>  /+  /-  change votes needed to skip
  /guestpause on|off  let guests pause
  /save  /cancel      submit or discard the settings draft
  /retry              reconnect chat
  /status             show everything
  /leave              leave the room
  /quit               exit without leaving
`

// handle runs one input line. Only quitting ends the loop; every other
// failure is shown and the loop continues.
func (t *terminal) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		t.report(t.say(line))
		return nil
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	s := t.sess
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help", "/?":
		t.printf("%s", helpText)
	case "/name":
		name, err := util.ValidateDisplayName(strings.Join(args, " "))
		if err != nil {
			t.report(err)
			return nil
		}
		t.setDisplayName(name)
		t.printf("* display name is now %s\n", name)
	case "/play":
		t.report(s.Playback().Play(ctx))
	case "/pause":
		t.report(s.Playback().Pause(ctx))
	case "/skip":
		t.report(s.Playback().Skip(ctx))
	case "/connect":
		u, err := s.ConnectPlayback(ctx)
		if u != "" {
			t.printf("* authorize playback at %s\n", u)
			if oerr := t.openURL(u); oerr != nil {
				log.Debugf("open browser: %v", oerr)
			}
		}
		t.report(err)
	case "/settings":
		t.report(s.EnterSettings())
	case "/votes":
		if len(args) != 1 {
			t.printf("usage: /votes <n>\n")
			return nil
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			t.printf("usage: /votes <n>\n")
			return nil
		}
		s.SetVotesToSkip(n)
	case "/+":
		s.IncrementVotes()
	case "/-":
		s.DecrementVotes()
	case "/guestpause":
		if len(args) != 1 {
			t.printf("usage: /guestpause on|off\n")
			return nil
		}
		switch strings.ToLower(args[0]) {
		case "on", "yes", "true":
			s.SetGuestCanPause(true)
		case "off", "no", "false":
			s.SetGuestCanPause(false)
		default:
			t.printf("usage: /guestpause on|off\n")
		}
	case "/save":
		t.report(s.UpdateSettings(ctx))
	case "/cancel":
		s.CancelSettings()
	case "/retry":
		t.report(s.Chat().Retry(ctx))
	case "/status":
		t.printf("%s", renderView(s.View()))
	case "/leave":
		t.report(s.Leave(ctx))
	default:
		t.printf("unknown command %s (try /help)\n", cmd)
	}
	return nil
}

func (t *terminal) say(text string) error {
	name := t.displayName()
	if name == "" {
		return errors.New("set a display name first with /name <name>")
	}
	ch := t.sess.Chat()
	ch.SetInput(text)
	return ch.SendInput(name)
}

func (t *terminal) report(err error) {
	if err != nil {
		t.printf("! %v\n", err)
	}
}

// renderLoop prints what changed in the room: new chat lines, new notices,
// and the status line when it differs from the last one shown.
func (t *terminal) renderLoop(ctx context.Context) {
	changes, cancel := t.sess.Changes()
	defer cancel()

	t.render()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				t.render()
				return
			}
			t.render()
		}
	}
}

func (t *terminal) render() {
	v := t.sess.View()

	t.mu.Lock()
	var lines []string
	for _, m := range v.Chat.Transcript[min(t.printed, len(v.Chat.Transcript)):] {
		lines = append(lines, renderMessage(m))
	}
	t.printed = len(v.Chat.Transcript)
	for _, n := range v.Notices {
		if !t.notified[n.ID] {
			t.notified[n.ID] = true
			lines = append(lines, "* "+n.Text)
		}
	}
	if st := renderStatus(v); st != t.status {
		t.status = st
		lines = append(lines, st)
	}
	t.mu.Unlock()

	if len(lines) > 0 {
		t.printf("%s\n", strings.Join(lines, "\n"))
	}
}
