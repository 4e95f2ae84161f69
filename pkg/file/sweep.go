package file

import (
	"os"
	"path/filepath"
	"time"
)

// FindOlderThan walks dir and returns every regular file whose mtime is
// before cutoff.
func FindOlderThan(dir string, cutoff time.Time) ([]string, error) {
	var stale []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo,
		err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && info.ModTime().Before(cutoff) {
			stale = append(stale, path)
		}
		return nil
	})

	return stale, err
}

// Sweep removes files in dir older than maxAge and reports how many were
// removed. A missing dir is not an error; there is nothing to sweep.
func Sweep(dir string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}

	stale, err := FindOlderThan(dir, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
