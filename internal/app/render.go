package app

import (
	"fmt"
	"strings"

	"github.com/petervdpas/roomsync/internal/chat"
	"github.com/petervdpas/roomsync/internal/playback"
	"github.com/petervdpas/roomsync/internal/room"
)

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func renderMessage(m chat.Message) string {
	return fmt.Sprintf("[%s] <%s> %s", m.Time().Local().Format("15:04"), m.Name, m.Text)
}

// renderStatus is the one-line summary. It leaves out the playback position
// so it only changes when something the user cares about changes.
func renderStatus(v room.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", v.Code)

	switch {
	case v.Unrecoverable:
		fmt.Fprintf(&b, " %s, going home", v.LoadError)
		return b.String()
	case v.Config == nil:
		b.WriteString(" loading")
		return b.String()
	}

	role := "guest"
	if v.Config.IsHost {
		role = "host"
	}
	fmt.Fprintf(&b, " %s, %d votes to skip, guest pause %s", role, v.Config.VotesToSkip, onOff(v.Config.GuestCanPause))
	fmt.Fprintf(&b, " | %s", renderPlayback(v.Playback))
	fmt.Fprintf(&b, " | chat %s", v.Chat.State)

	if v.Settings.Open {
		fmt.Fprintf(&b, " | editing: %d votes, guest pause %s", v.Settings.Draft.VotesToSkip, onOff(v.Settings.Draft.GuestCanPause))
		if v.Settings.Submitting {
			b.WriteString(" (saving)")
		}
		if v.Settings.Error != "" {
			fmt.Fprintf(&b, " error: %s", v.Settings.Error)
		}
	}
	return b.String()
}

func renderPlayback(pv playback.View) string {
	switch pv.State {
	case playback.Loading:
		return "loading playback"
	case playback.RoomNotFound:
		return "room not found"
	case playback.VerifyFailed:
		return "could not verify room"
	case playback.Unauthenticated:
		return "host not connected (/connect)"
	case playback.NoSong:
		return "nothing playing"
	case playback.Playing, playback.Paused:
		s := pv.Snapshot
		if s == nil {
			break
		}
		return fmt.Sprintf("%s %s by %s, skip %d/%d", pv.State, s.Title, s.Artist, s.Votes, s.VotesNeeded)
	}
	return pv.State.String()
}

// renderView is the full multi-line picture for /status.
func renderView(v room.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Room %s\n", v.Code)
	fmt.Fprintf(&b, "  playback auth : %v\n", v.Authenticated)
	if v.LoadError != "" {
		fmt.Fprintf(&b, "  load error    : %s\n", v.LoadError)
	}
	if c := v.Config; c != nil {
		fmt.Fprintf(&b, "  host          : %v\n", c.IsHost)
		fmt.Fprintf(&b, "  votes to skip : %d\n", c.VotesToSkip)
		fmt.Fprintf(&b, "  guest pause   : %s\n", onOff(c.GuestCanPause))
	}
	fmt.Fprintf(&b, "  playback      : %s\n", renderPlayback(v.Playback))
	if s := v.Playback.Snapshot; s != nil {
		fmt.Fprintf(&b, "  position      : %s / %s (%.0f%%)\n",
			playback.FormatTime(s.PositionMs), playback.FormatTime(s.DurationMs), v.Progress*100)
	}
	fmt.Fprintf(&b, "  chat          : %s, %d messages\n", v.Chat.State, len(v.Chat.Transcript))
	if v.Settings.Open {
		fmt.Fprintf(&b, "  draft         : %d votes, guest pause %s\n", v.Settings.Draft.VotesToSkip, onOff(v.Settings.Draft.GuestCanPause))
	}
	for _, n := range v.Notices {
		fmt.Fprintf(&b, "  notice        : %s\n", n.Text)
	}
	return b.String()
}
