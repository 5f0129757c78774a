package app

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/petervdpas/roomsync/internal/config"
)

// NormalizeLocalAddr binds bare ports and wildcard hosts to localhost and
// returns the listen address and its browser URL.
func NormalizeLocalAddr(addr string) (listenAddr, url string) {
	a := strings.TrimSpace(addr)
	if a == "" {
		a = ":8000"
	}
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func logBanner(out io.Writer, cfgPath, code string, cfg config.Config) {
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintf(out, " Room        : %s\n", code)
	fmt.Fprintf(out, " Server      : %s\n", cfg.Server.BaseURL)
	if cfgPath != "" {
		fmt.Fprintf(out, " Config file : %s\n", cfgPath)
	}
	if cfg.Chat.DisplayName != "" {
		fmt.Fprintf(out, " Chatting as : %s\n", cfg.Chat.DisplayName)
	}
	fmt.Fprintln(out, " Type /help for commands.")
	fmt.Fprintln(out, "────────────────────────────────────────")
}
