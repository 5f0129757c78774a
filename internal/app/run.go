package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/roomsync/internal/api"
	"github.com/petervdpas/roomsync/internal/auth"
	"github.com/petervdpas/roomsync/internal/config"
	"github.com/petervdpas/roomsync/internal/notice"
	"github.com/petervdpas/roomsync/internal/room"
	"github.com/petervdpas/roomsync/internal/sessionstore"
	"github.com/petervdpas/roomsync/internal/util"
)

var log = logging.Logger("roomsync/app")

type Options struct {
	CfgPath string
	Cfg     config.Config
	Code    string

	In  io.Reader // defaults to stdin
	Out io.Writer // defaults to stdout

	// Clock drives every timer. Defaults to the wall clock.
	Clock clock.Clock

	// OpenURL opens the external auth page. Defaults to the system browser.
	OpenURL func(string) error
}

// homeNavigator ends the client when the room sends the user home.
type homeNavigator struct {
	cancel context.CancelFunc
	went   atomic.Bool
}

func (n *homeNavigator) GoHome() {
	n.went.Store(true)
	n.cancel()
}

// Run joins one room and drives it from the terminal until the user quits,
// leaves, or the room sends them home.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	code := strings.TrimSpace(opt.Code)
	if code == "" {
		return errors.New("room code is required")
	}
	if opt.In == nil {
		opt.In = os.Stdin
	}
	if opt.Out == nil {
		opt.Out = os.Stdout
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	if opt.OpenURL == nil {
		opt.OpenURL = util.OpenURL
	}

	client, err := api.NewClient(cfg.Server.BaseURL, cfg.Server.RequestTimeout())
	if err != nil {
		return err
	}

	store, err := sessionstore.Open()
	if err != nil {
		return err
	}
	defer store.Close()

	board := notice.NewBoard(opt.Clock, cfg.Polling.NoticeTTL())
	defer board.Close()

	gate := auth.New(client, auth.Options{
		Clock:    opt.Clock,
		Interval: cfg.Polling.AuthInterval(),
		Marker:   store,
		Notices:  board,
	})
	defer gate.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	nav := &homeNavigator{cancel: cancel}

	sess, err := room.New(code, room.Deps{
		Client:    client,
		Gate:      gate,
		Notices:   board,
		Navigator: nav,
	}, room.Options{
		Clock:         opt.Clock,
		PollInterval:  cfg.Polling.PlaybackInterval(),
		NotFoundDelay: cfg.Polling.NotFoundDelay(),
		DialTimeout:   cfg.Chat.DialTimeout(),
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	log.Infof("client %s joining room %s at %s", uuid.NewString(), code, cfg.Server.BaseURL)
	logBanner(opt.Out, opt.CfgPath, code, cfg)

	term := newTerminal(opt.Out, sess, opt.CfgPath, cfg.Chat.DisplayName, opt.OpenURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return sess.Run(gctx)
	})
	g.Go(func() error {
		term.renderLoop(gctx)
		return nil
	})
	g.Go(func() error {
		err := term.commandLoop(gctx, readLines(gctx, opt.In))
		cancel()
		if errors.Is(err, errQuit) {
			return nil
		}
		return err
	})
	if opt.CfgPath != "" {
		g.Go(func() error {
			if err := config.Watch(gctx, opt.CfgPath, term.applyConfig); err != nil {
				log.Warnf("config watch disabled: %v", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if nav.went.Load() {
		term.printf("Back home.\n")
	}
	return err
}

// readLines feeds input lines to the command loop. The reader goroutine
// exits at EOF; a blocked terminal read cannot be interrupted.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			log.Warnf("read input: %v", err)
		}
	}()
	return ch
}

func (t *terminal) printf(format string, args ...any) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}
