package commands

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tidewater-os/abctl/internal/config"
	"github.com/tidewater-os/abctl/pkg/engine"
	"github.com/tidewater-os/abctl/pkg/errors"
	"github.com/tidewater-os/abctl/pkg/history"
)

// ensureDirectories creates the parent directories of the given paths.
func ensureDirectories(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return errors.EW(errors.KindIO, err, "creating directory for "+p)
		}
	}
	return nil
}

// attachJournal wires the attempt journal into the engine when one is
// configured. The journal is best-effort: any failure here degrades to
// log-only recording and the returned cleanup is a no-op.
func attachJournal(eng *engine.Engine, cfg *config.Config) func() {
	if cfg.JournalPath == "" {
		return func() {}
	}
	if err := ensureDirectories(cfg.JournalPath); err != nil {
		slog.Warn("journal_unavailable", "error", err)
		return func() {}
	}
	j, err := history.Open(cfg.JournalPath)
	if err != nil {
		slog.Warn("journal_unavailable", "error", err)
		return func() {}
	}
	eng.Journal = j
	return func() { j.Close() }
}

// loadConfig loads and validates configuration for a command run.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}
