package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/roomsync/internal/api"
	"github.com/petervdpas/roomsync/internal/testkit/fakebackend"
	"github.com/petervdpas/roomsync/internal/util"
)

// DemoRoom is the room code ServeFake seeds.
const DemoRoom = "DEMO42"

// ServeFake runs the in-process fake backend on addr until ctx ends. It seeds
// one hosted room with a song playing so a client can be pointed at it.
func ServeFake(ctx context.Context, addr string, out io.Writer) error {
	listenAddr, url := NormalizeLocalAddr(addr)

	b := fakebackend.New()
	b.AddRoom(fakebackend.Room{Code: DemoRoom, VotesToSkip: 2, GuestCanPause: true, IsHost: true})
	b.SetAuthenticated(true)
	b.SetSong(&api.Song{
		Title:       "Harvest Moon",
		Artist:      "Neil Young",
		DurationMs:  303000,
		PositionMs:  42000,
		IsPlaying:   true,
		VotesNeeded: 2,
		ID:          "demo-track",
	})

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	srv := &http.Server{Handler: b.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	if err := WaitTCP(listenAddr, util.ShortTimeout); err != nil {
		_ = srv.Close()
		return err
	}
	fmt.Fprintf(out, "Fake room backend on %s\n", url)
	fmt.Fprintf(out, "Join with: roomsync join %s (server.base_url = %s)\n", DemoRoom, url)

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	b.CloseAllChats()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
