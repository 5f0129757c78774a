package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/roomsync/internal/config"
	"github.com/petervdpas/roomsync/internal/util"
)

// PromptInteractive walks through the settings a new user must decide on and
// returns the edited config. An invalid result falls back to the defaults.
func PromptInteractive(in io.Reader, out io.Writer, cfgPath string, cfg config.Config) config.Config {
	r := bufio.NewReader(in)

	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out, "roomsync interactive setup")
	fmt.Fprintf(out, " Config file : %s\n", cfgPath)
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out)

	cfg.Server.BaseURL = util.NormalizeURL(askString(r, out, "Room server URL", cfg.Server.BaseURL))
	for {
		name := askString(r, out, "Chat display name (empty=ask later)", cfg.Chat.DisplayName)
		if strings.TrimSpace(name) == "" {
			cfg.Chat.DisplayName = ""
			break
		}
		v, err := util.ValidateDisplayName(name)
		if err == nil {
			cfg.Chat.DisplayName = v
			break
		}
		fmt.Fprintf(out, "%v\n", err)
		cfg.Chat.DisplayName = ""
	}
	cfg.Polling.PlaybackIntervalMs = askInt(r, out, "Playback poll interval ms", cfg.Polling.PlaybackIntervalMs)
	cfg.Log.Level = askString(r, out, "Log level", cfg.Log.Level)
	if askBool(r, out, "Write logs to a file", cfg.Log.File != "") {
		def := cfg.Log.File
		if def == "" {
			def = "roomsync.log"
		}
		cfg.Log.File = askString(r, out, "Log file", def)
	} else {
		cfg.Log.File = ""
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, out io.Writer, label, def string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, out io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(out, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, out io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(out, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter y or n.")
	}
}
