package transcoder

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// transientExt lists live-output extensions removed once a stream stops.
var transientExt = map[string]bool{
	".ts":   true,
	".m3u8": true,
	".m4s":  true,
	".tmp":  true,
}

// IsTransient reports whether name is live output that does not outlive
// the stream.
func IsTransient(name string) bool {
	return transientExt[strings.ToLower(filepath.Ext(name))]
}

// cleanupOutput removes transient files under dir, never touching keep (the
// durable recording). The directory itself is removed only when nothing is
// left in it. It returns the path of keep if it still exists.
//
// Files that are already gone are not errors, so running cleanup twice is
// harmless.
func cleanupOutput(dir, keep string) (string, error) {
	var errs []error
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			errs = append(errs, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Dir(path) == dir && d.Name() == keep {
			return nil
		}
		if !IsTransient(d.Name()) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", d.Name(), err))
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}

	removeEmptyDirs(dir)

	artifact := filepath.Join(dir, keep)
	if _, err := os.Stat(artifact); err != nil {
		artifact = ""
	}
	return artifact, errors.Join(errs...)
}

// removeEmptyDirs removes dir and any empty subdirectories, deepest first.
func removeEmptyDirs(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			removeEmptyDirs(filepath.Join(dir, e.Name()))
		}
	}
	// Fails harmlessly while anything is left.
	_ = os.Remove(dir)
}
