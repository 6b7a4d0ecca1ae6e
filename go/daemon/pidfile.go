package daemon

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/process"

	"github.com/cheshirekow/gerrit-mq/go/skerr"
	"github.com/cheshirekow/gerrit-mq/go/sklog"
	"github.com/cheshirekow/gerrit-mq/go/util"
)

// readPid parses the pid stored in the file at the given path.
func readPid(path string) (int32, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, skerr.Wrapf(err, "pidfile %s is garbled", path)
	}
	return int32(pid), nil
}

// pidAlive reports whether a process with the given pid exists. Swapped out
// by tests.
var pidAlive = func(pid int32) bool {
	alive, err := process.PidExists(pid)
	if err != nil {
		sklog.Warningf("Failed to check pid %d: %s", pid, err)
		return false
	}
	return alive
}

// AcquirePidfile writes the current pid to the file at the given path. It
// fails if the file already names a live process; a stale pid from a dead
// process is overwritten with a warning.
func AcquirePidfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return skerr.Wrap(err)
	}
	if otherPid, err := readPid(path); err == nil && otherPid != int32(os.Getpid()) {
		if pidAlive(otherPid) {
			return skerr.Fmt("another daemon is already running with pid %d", otherPid)
		}
		sklog.Warningf("Daemon pid file %s exists containing pid %d which is not alive, will overwrite", path, otherPid)
	}
	return util.WithWriteFile(path, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%d\n", os.Getpid())
		return err
	})
}

// ReleasePidfile removes the pidfile. Failure is logged rather than returned
// since it only matters to the next daemon start.
func ReleasePidfile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		sklog.Warningf("Failed to remove pidfile %s: %s", path, err)
	}
}

// PidfileStatus reports whether the process named by the pidfile is alive,
// along with its pid. A missing or garbled pidfile reads as not alive.
func PidfileStatus(path string) (bool, int32) {
	pid, err := readPid(path)
	if err != nil {
		return false, 0
	}
	return pidAlive(pid), pid
}
