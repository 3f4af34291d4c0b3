package x12

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteDebug persists doc to path, replacing any previous document.
// Concurrent callers race on which document survives but never leave a torn file.
func WriteDebug(path string, doc Document) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".payload-*.x12")
	if err != nil {
		return fmt.Errorf("create temp payload: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(doc.Bytes); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp payload: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace payload: %w", err)
	}
	return nil
}
