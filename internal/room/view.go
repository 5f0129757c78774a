package room

import (
	"github.com/petervdpas/roomsync/internal/chat"
	"github.com/petervdpas/roomsync/internal/notice"
	"github.com/petervdpas/roomsync/internal/playback"
)

type ChatView struct {
	State      chat.ConnState
	Transcript []chat.Message
	Input      string
}

// View is a consistent copy of everything the room shows.
type View struct {
	Code          string
	Authenticated bool
	Config        *Config
	Unrecoverable bool
	LoadError     string
	Settings      Settings
	Playback      playback.View
	Progress      float64
	Chat          ChatView
	Notices       []notice.Notice
}

func (s *Session) View() View {
	s.mu.Lock()
	v := View{
		Code:          s.code,
		Unrecoverable: s.unrecoverable,
		Settings:      s.settings,
	}
	if s.config != nil {
		cfg := *s.config
		v.Config = &cfg
	}
	if s.loadErr != nil {
		v.LoadError = s.loadErr.Error()
	}
	s.mu.Unlock()

	v.Authenticated = s.gate.Status()
	v.Playback = s.playback.View()
	v.Progress = playback.Progress(v.Playback.Snapshot)
	v.Chat = ChatView{
		State:      s.chat.State(),
		Transcript: s.chat.Transcript(),
		Input:      s.chat.Input(),
	}
	if s.notices != nil {
		v.Notices = s.notices.Active()
	}
	return v
}
