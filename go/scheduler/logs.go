package scheduler

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cheshirekow/gerrit-mq/go/skerr"
	"github.com/cheshirekow/gerrit-mq/go/sklog"
	"github.com/cheshirekow/gerrit-mq/go/util"
)

// mergeLogs are the three per-merge log files: the daemon's own narration
// plus the stdout and stderr of the build steps.
type mergeLogs struct {
	app    *os.File
	stdout *os.File
	stderr *os.File
}

// openMergeLogs creates {dir}/{rid:06d}.{log,stdout,stderr}.
func openMergeLogs(dir string, rid int64) (*mergeLogs, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, skerr.Wrapf(err, "failed to create log directory %s", dir)
	}
	logs := &mergeLogs{}
	for _, part := range []struct {
		ext  string
		dest **os.File
	}{
		{"log", &logs.app},
		{"stdout", &logs.stdout},
		{"stderr", &logs.stderr},
	} {
		f, err := os.Create(logPath(dir, rid, part.ext))
		if err != nil {
			logs.closeAll()
			return nil, skerr.Wrapf(err, "failed to create merge %s log", part.ext)
		}
		*part.dest = f
	}
	return logs, nil
}

func logPath(dir string, rid int64, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.%s", rid, ext))
}

func (l *mergeLogs) closeAll() {
	for _, f := range []*os.File{l.app, l.stdout, l.stderr} {
		if f != nil {
			util.Close(f)
		}
	}
}

// closeAndCompress closes the logs, gzips each one next to the original and
// truncates the original to a zero-byte stub. The static file server only
// serves a .gz when the plain path exists.
func (l *mergeLogs) closeAndCompress() {
	paths := []string{}
	for _, f := range []*os.File{l.app, l.stdout, l.stderr} {
		if f != nil {
			paths = append(paths, f.Name())
		}
	}
	l.closeAll()
	for _, path := range paths {
		if err := gzipAndStub(path); err != nil {
			sklog.Warningf("Failed to compress %s: %s", path, err)
		}
	}
}

// gzipAndStub writes {path}.gz and truncates the original in place.
func gzipAndStub(path string) error {
	err := util.WithWriteFile(path+".gz", func(w io.Writer) error {
		return util.WithGzipWriter(w, func(zw io.Writer) error {
			return util.WithReadFile(path, func(r io.Reader) error {
				_, err := io.Copy(zw, r)
				return err
			})
		})
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(os.Truncate(path, 0))
}
