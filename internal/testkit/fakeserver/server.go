// Package fakeserver runs a fakebackend on a local httptest server that is
// shut down when the test ends.
package fakeserver

import (
	"net/http/httptest"
	"testing"

	"github.com/petervdpas/roomsync/internal/testkit/fakebackend"
)

// Server is a Backend listening on a local httptest server.
type Server struct {
	*fakebackend.Backend
	srv *httptest.Server
}

func New(t testing.TB) *Server {
	t.Helper()
	b := fakebackend.New()
	s := &Server{Backend: b, srv: httptest.NewServer(b.Handler())}
	t.Cleanup(s.Close)
	return s
}

func (s *Server) URL() string { return s.srv.URL }

func (s *Server) Close() {
	s.Backend.CloseAllChats()
	s.srv.Close()
}
