package file

import (
	"os"
	"path/filepath"
	"time"
)

// FindOlderThan lists regular files directly under dir whose modification
// time is before cutoff. Entries that cannot be stat'ed are skipped.
func FindOlderThan(dir string, cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			expired = append(expired, filepath.Join(dir, entry.Name()))
		}
	}
	return expired, nil
}

// RemoveMatching deletes every file under dir whose name starts with prefix
// and returns the paths it could not remove.
func RemoveMatching(dir, prefix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, globEscape(prefix)+"*"))
	if err != nil {
		return nil, err
	}

	var failed []string
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			failed = append(failed, path)
		}
	}
	return failed, nil
}

func globEscape(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', '\\':
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
