package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/roomsync/internal/app"
	"github.com/petervdpas/roomsync/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgFlag  = flag.String("config", "roomsync.json", "Config file")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("roomsync v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "join":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: join requires a room code")
			fmt.Fprintln(os.Stderr, "Usage: roomsync join <code>")
			os.Exit(1)
		}
		err = runJoin(args[1])

	case "init":
		err = runInit()

	case "serve-fake":
		addr := ":8000"
		if len(args) > 1 {
			addr = args[1]
		}
		err = withSignals(func(ctx context.Context) error {
			return app.ServeFake(ctx, addr, os.Stdout)
		})

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runJoin(code string) error {
	cfgPath, err := filepath.Abs(*cfgFlag)
	if err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Printf("Created default config at %s\n", cfgPath)
	}

	if err := app.SetupLogging(cfg.Log.Level, cfg.Log.FilePath(cfgPath)); err != nil {
		return err
	}

	return withSignals(func(ctx context.Context) error {
		return app.Run(ctx, app.Options{
			CfgPath: cfgPath,
			Cfg:     cfg,
			Code:    code,
		})
	})
}

func runInit() error {
	cfgPath, err := filepath.Abs(*cfgFlag)
	if err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}

	cfg := config.Default()
	if existing, err := config.LoadPartial(cfgPath); err == nil {
		cfg = existing
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read config: %w", err)
	}

	cfg = app.PromptInteractive(os.Stdin, os.Stdout, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
	return nil
}

// withSignals runs fn with a context that ends on Ctrl+C or SIGTERM.
func withSignals(fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx)
}

func showUsage() {
	fmt.Println("roomsync - shared music room client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  roomsync [options] join <code>      Join a room from the terminal")
	fmt.Println("  roomsync [options] init             Create or edit the config interactively")
	fmt.Println("  roomsync serve-fake [addr]          Run a local fake room backend (default :8000)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config <file>  Config file (default roomsync.json)")
	fmt.Println("  -h              Show this help message")
	fmt.Println("  -version        Show version information")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  ROOMSYNC_BASE_URL, ROOMSYNC_DISPLAY_NAME, ROOMSYNC_LOG_LEVEL, ROOMSYNC_LOG_FILE")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  roomsync serve-fake :8000")
	fmt.Println("  roomsync join DEMO42")
}
