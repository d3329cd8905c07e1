package commands

import (
	"os"
	"path/filepath"

	"github.com/opsstack/reconstitute/pkg/errors"
)

// ensureDirectories creates the local state directories the tool writes to.
func ensureDirectories(journalPath, fsmDBPath string) error {
	if err := os.MkdirAll(filepath.Dir(journalPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create journal directory")
	}

	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	return nil
}
