package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/benaskins/ondemand/internal/audit"
)

// openJournal opens the launch journal named in the config, creating its
// directory. An empty path disables the journal.
func openJournal(path string) (*audit.Logger, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	return audit.NewLogger(path)
}
