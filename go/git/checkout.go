package git

/*
	Checkout wraps a local working copy of a remote repo.
*/

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cheshirekow/gerrit-mq/go/exec"
	"github.com/cheshirekow/gerrit-mq/go/skerr"
)

// Checkout is a GitDir with a working copy, cloned from a remote.
type Checkout struct {
	GitDir
}

// NewCheckout returns a Checkout instance based in the given working
// directory. Uses any existing checkout in that directory or clones one from
// the given repo URL if necessary. The directory itself becomes the root of
// the working copy, ie. workdir/.git is the git dir.
func NewCheckout(ctx context.Context, repoUrl, workdir string) (*Checkout, error) {
	if _, err := os.Stat(filepath.Join(workdir, ".git")); err != nil {
		if !os.IsNotExist(err) {
			return nil, skerr.Wrapf(err, "there is a problem with the git directory")
		}
		if err := os.MkdirAll(filepath.Dir(workdir), 0755); err != nil {
			return nil, skerr.Wrap(err)
		}
		git, err := Executable(ctx)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		if _, err := exec.RunCwd(ctx, ".", git, "clone", repoUrl, workdir); err != nil {
			return nil, skerr.Wrapf(err, "failed to clone %s", repoUrl)
		}
	}
	return &Checkout{GitDir: GitDir(workdir)}, nil
}

// Fetch syncs refs from the default remote and prunes deleted ones.
func (c *Checkout) Fetch(ctx context.Context) error {
	_, err := c.Git(ctx, "fetch", "--prune", DefaultRemote)
	return skerr.Wrapf(err, "failed to fetch %s", c.Dir())
}
