package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/petervdpas/roomsync/internal/api"
	"github.com/petervdpas/roomsync/internal/notice"
)

var (
	ErrNotLoaded  = errors.New("room: not loaded")
	ErrNotHost    = errors.New("room: only the host can change settings")
	ErrNotEditing = errors.New("room: settings are not open")
	ErrSubmitting = errors.New("room: an update is already in flight")
)

// Draft is the detached copy of the settings being edited.
type Draft struct {
	VotesToSkip   int
	GuestCanPause bool
}

// Settings is the state of the settings form.
type Settings struct {
	Open       bool
	Draft      Draft
	Submitting bool
	Error      string
}

// ClampVotes enforces the one-vote minimum.
func ClampVotes(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// EnterSettings opens the form seeded from the authoritative config.
func (s *Session) EnterSettings() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil {
		return ErrNotLoaded
	}
	if !s.config.IsHost {
		return ErrNotHost
	}
	if s.settings.Open {
		return nil
	}
	s.settings = Settings{
		Open: true,
		Draft: Draft{
			VotesToSkip:   ClampVotes(s.config.VotesToSkip),
			GuestCanPause: s.config.GuestCanPause,
		},
	}
	s.changedLocked()
	return nil
}

// CancelSettings discards the draft. It does nothing while an update is in
// flight.
func (s *Session) CancelSettings() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings.Submitting {
		return
	}
	s.settings = Settings{}
	s.changedLocked()
}

func (s *Session) SetVotesToSkip(n int) {
	s.editDraft(func(d *Draft) { d.VotesToSkip = n })
}

func (s *Session) IncrementVotes() {
	s.editDraft(func(d *Draft) { d.VotesToSkip++ })
}

func (s *Session) DecrementVotes() {
	s.editDraft(func(d *Draft) { d.VotesToSkip-- })
}

func (s *Session) SetGuestCanPause(v bool) {
	s.editDraft(func(d *Draft) { d.GuestCanPause = v })
}

// editDraft applies fn to the draft unless the form is closed or locked.
func (s *Session) editDraft(fn func(*Draft)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.settings.Open || s.settings.Submitting {
		return
	}
	fn(&s.settings.Draft)
	s.settings.Draft.VotesToSkip = ClampVotes(s.settings.Draft.VotesToSkip)
	s.changedLocked()
}

// UpdateSettings submits the draft. On success the server's room replaces
// the config and the form closes; on failure the form stays open with the
// draft intact and an inline error.
func (s *Session) UpdateSettings(ctx context.Context) error {
	s.mu.Lock()
	if !s.settings.Open {
		s.mu.Unlock()
		return ErrNotEditing
	}
	if s.settings.Submitting {
		s.mu.Unlock()
		return ErrSubmitting
	}
	s.settings.Draft.VotesToSkip = ClampVotes(s.settings.Draft.VotesToSkip)
	s.settings.Submitting = true
	s.settings.Error = ""
	req := api.UpdateRoomRequest{
		GuestCanPause: s.settings.Draft.GuestCanPause,
		VotesToSkip:   s.settings.Draft.VotesToSkip,
		Code:          s.code,
	}
	s.changedLocked()
	s.mu.Unlock()

	res := s.client.UpdateRoom(ctx, req)

	var updated api.Room
	var err error
	switch res.Kind {
	case api.KindOk:
		updated, err = api.Decode[api.Room](res)
	case api.KindNoContent:
		err = fmt.Errorf("%w: empty response", api.ErrTransient)
	case api.KindUnauthorized, api.KindTransient, api.KindError:
		err = res.Err()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return err
	}
	if err != nil {
		s.settings.Submitting = false
		s.settings.Error = failureText(res, err)
		s.changedLocked()
		s.mu.Unlock()
		log.Warnf("update room %s: %v", s.code, err)
		return fmt.Errorf("update settings: %w", err)
	}
	cfg := configFromRoom(updated)
	if cfg.Code == "" {
		cfg.Code = s.code
	}
	s.config = &cfg
	s.settings = Settings{}
	s.changedLocked()
	s.mu.Unlock()

	log.Infof("room %s settings updated: votes=%d guest_can_pause=%v", s.code, cfg.VotesToSkip, cfg.GuestCanPause)
	if s.notices != nil {
		s.notices.Post(notice.Success, "Room settings updated successfully!")
	}
	return nil
}

func failureText(res api.Result, err error) string {
	if res.Kind == api.KindError && res.Message != "" {
		return res.Message
	}
	return err.Error()
}
