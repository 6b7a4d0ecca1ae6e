package daemon

import (
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cheshirekow/gerrit-mq/go/skerr"
	"github.com/cheshirekow/gerrit-mq/go/sklog"
)

// mtimeSlop guards against filesystems with coarse timestamp resolution.
const mtimeSlop = 100 * time.Millisecond

// WatchManifest records the mtimes of files whose modification should cause
// the daemon to re-exec itself, typically the binary and the config file.
type WatchManifest struct {
	entries map[string]time.Time

	// execve is swapped out by tests.
	execve func(argv0 string, argv, envv []string) error
}

// NewWatchManifest builds a manifest over the given paths plus the running
// executable.
func NewWatchManifest(paths ...string) (*WatchManifest, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	m := &WatchManifest{
		entries: map[string]time.Time{},
		execve:  syscall.Exec,
	}
	for _, path := range append([]string{exe}, paths...) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		st, err := os.Stat(abs)
		if err != nil {
			return nil, skerr.Wrapf(err, "cannot watch %s", abs)
		}
		m.entries[abs] = st.ModTime()
	}
	return m, nil
}

// changed returns the watched paths whose mtime has moved since the manifest
// was built. A path which has since disappeared counts as changed.
func (m *WatchManifest) changed() []string {
	var paths []string
	for path, mtime := range m.entries {
		st, err := os.Stat(path)
		if err != nil || st.ModTime().Sub(mtime) > mtimeSlop {
			paths = append(paths, path)
		}
	}
	return paths
}

// RestartIfModified re-execs the current process if any watched file has
// changed. The pidfile is removed first so the replacement process can claim
// it. On success this never returns.
func (m *WatchManifest) RestartIfModified(pidfilePath string) error {
	changed := m.changed()
	if len(changed) == 0 {
		return nil
	}
	for _, path := range changed {
		sklog.Infof("Detected a change to %s, restarting", path)
	}
	ReleasePidfile(pidfilePath)
	return skerr.Wrap(m.execve(os.Args[0], os.Args, os.Environ()))
}
