package app

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

// subsystems matches every named logger the client registers.
const subsystems = "roomsync/.*"

// SetupLogging applies level to every roomsync logger. Other loggers stay at
// error. When file is set, log output goes there instead of stderr so it does
// not interleave with the terminal view.
func SetupLogging(level, file string) error {
	if _, err := logging.LevelFromString(level); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}

	cfg := logging.GetConfig()
	cfg.Format = logging.PlaintextOutput
	cfg.Level = logging.LevelError
	if file != "" {
		cfg.File = file
		cfg.Stderr = false
	}
	logging.SetupLogging(cfg)

	if err := logging.SetLogLevelRegex(subsystems, level); err != nil {
		return fmt.Errorf("apply log level: %w", err)
	}
	return nil
}
