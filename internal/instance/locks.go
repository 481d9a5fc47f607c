package instance

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var lockNames = map[string]bool{
	"SingletonLock":   true,
	"SingletonCookie": true,
	"SingletonSocket": true,
	"LOCK":            true,
	"lockfile":        true,
}

// LockCleaner removes lock and lease files from a tenant's session directory
// so a crashed driver does not block the next one.
type LockCleaner struct {
	Dir string
}

func NewLockCleaner(dir string) *LockCleaner {
	return &LockCleaner{Dir: dir}
}

// ErrOutsideSessions is returned for a session key that does not resolve to
// a directory below Dir.
var ErrOutsideSessions = errors.New("session key escapes the sessions directory")

// Clean removes lock files under Dir/sessionKey and returns their paths.
func (c *LockCleaner) Clean(sessionKey string) ([]string, error) {
	if c == nil || c.Dir == "" || sessionKey == "" {
		return nil, nil
	}
	root, err := c.root(sessionKey)
	if err != nil {
		return nil, err
	}
	var removed []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !isLockFile(d.Name()) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed = append(removed, path)
		return nil
	})
	return removed, err
}

func (c *LockCleaner) root(sessionKey string) (string, error) {
	base, err := filepath.Abs(c.Dir)
	if err != nil {
		return "", err
	}
	root := filepath.Join(base, sessionKey)
	rel, err := filepath.Rel(base, root)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideSessions
	}
	return root, nil
}

func isLockFile(name string) bool {
	return lockNames[name] || strings.HasSuffix(name, ".lock")
}
