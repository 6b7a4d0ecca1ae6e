// Package git provides a thin wrapper around the git CLI for local checkouts.
package git

import (
	"context"
	osexec "os/exec"
	"sync"

	"github.com/cheshirekow/gerrit-mq/go/skerr"
)

const (
	// MasterBranch is the name of the default branch for the repositories
	// this daemon manages.
	MasterBranch = "master"
	// DefaultRemote is the name of the default remote repository.
	DefaultRemote = "origin"
	// RefsHeadsPrefix is the "refs/heads/" prefix used for branches.
	RefsHeadsPrefix = "refs/heads/"
)

type contextKeyType string

const gitPathFinderKey contextKeyType = "GitPathFinder"

var (
	mtx     sync.Mutex // Protects gitPath.
	gitPath = ""
)

// WithGitFinder overrides how Executable locates the git executable. By
// default it looks on the PATH; tests can inject a finder which returns a
// fixed name so that no real lookup happens.
func WithGitFinder(ctx context.Context, finder func() (string, error)) context.Context {
	return context.WithValue(ctx, gitPathFinderKey, finder)
}

// Executable returns the path to the git executable, looking it up on the
// PATH on first use and caching the result.
func Executable(ctx context.Context) (string, error) {
	if finder, ok := ctx.Value(gitPathFinderKey).(func() (string, error)); ok {
		p, err := finder()
		return p, skerr.Wrap(err)
	}
	mtx.Lock()
	defer mtx.Unlock()
	if gitPath != "" {
		return gitPath, nil
	}
	p, err := osexec.LookPath("git")
	if err != nil {
		return "", skerr.Wrapf(err, "failed to find git")
	}
	gitPath = p
	return gitPath, nil
}
