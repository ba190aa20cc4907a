// Package logging sets up the daemon's dual stdout/file logger, grounded on
// the teacher's own internal/logging package (same MultiWriter shape),
// adapted to this daemon's own default log path.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/ssh-tunnel-manager/daemon/internal/config"
)

// Init opens the configured log file (creating parent directories as
// needed) and duplicates everything written via the standard logger to both
// stdout and that file. Must be called after config.Load(); a failure to
// open the log file is non-fatal — the daemon keeps logging to stdout only.
func Init() {
	path := config.Cfg.LogPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		path = filepath.Join(home, ".config", "ssh-tunnel-manager", "daemon.log")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("logging to file: %s", path)
}
