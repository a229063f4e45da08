package agent

import (
	"fmt"
	"os"
	"path/filepath"
)

// atomicWrite writes data to path by creating a temp file in the same
// directory, fsyncing it, and renaming it over path - a rename is atomic on
// every POSIX filesystem the fleet runs on, so a crash mid-write never
// leaves a partially-written config file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".fleetctl-*.tmp")
	if err != nil {
		return fmt.Errorf("agent: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("agent: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("agent: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("agent: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("agent: renaming temp file into place: %w", err)
	}
	tmpName = ""
	return nil
}
