// Package testutils builds throwaway git repos for tests which exercise real
// git commands.
package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stretchr/testify/require"

	"github.com/cheshirekow/gerrit-mq/go/exec"
	"github.com/cheshirekow/gerrit-mq/go/sktest"
)

// masterBranch is spelled out here rather than imported from go/git so that
// go/git's own tests can use this package.
const masterBranch = "master"

// GitBuilder creates a local git repo under a temporary directory and
// provides methods for adding commits and branches to it. All methods fail
// the test on error. The repo directory can be used directly as a clone URL.
type GitBuilder struct {
	t      sktest.TestingT
	dir    string
	branch string
	gen    int
}

// GitInit creates a new GitBuilder with an empty repo whose default branch is
// master.
func GitInit(t sktest.TestingT, ctx context.Context) *GitBuilder {
	dir, err := os.MkdirTemp("", "git_builder_")
	require.NoError(t, err)
	g := &GitBuilder{
		t:      t,
		dir:    dir,
		branch: masterBranch,
	}
	g.Git(ctx, "init")
	g.Git(ctx, "symbolic-ref", "HEAD", "refs/heads/"+masterBranch)
	g.Git(ctx, "config", "user.name", "test")
	g.Git(ctx, "config", "user.email", "test@example.com")
	return g
}

// Dir returns the repo directory.
func (g *GitBuilder) Dir() string {
	return g.dir
}

// Cleanup removes the repo directory.
func (g *GitBuilder) Cleanup() {
	require.NoError(g.t, os.RemoveAll(g.dir))
}

// Git runs the given git command in the repo and returns its output.
func (g *GitBuilder) Git(ctx context.Context, cmd ...string) string {
	out, err := exec.RunCwd(ctx, g.dir, append([]string{"git"}, cmd...)...)
	require.NoError(g.t, err, "git %s failed: %s", strings.Join(cmd, " "), out)
	return out
}

// Add writes the given content to the given path and stages it.
func (g *GitBuilder) Add(ctx context.Context, path, content string) {
	full := filepath.Join(g.dir, path)
	require.NoError(g.t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(g.t, os.WriteFile(full, []byte(content), 0644))
	g.Git(ctx, "add", path)
}

// CommitMsg commits staged changes with the given message and returns the
// commit hash.
func (g *GitBuilder) CommitMsg(ctx context.Context, msg string) string {
	g.Git(ctx, "commit", "--allow-empty", "-m", msg)
	return strings.TrimSpace(g.Git(ctx, "rev-parse", "HEAD"))
}

// Commit commits staged changes with a generated message and returns the
// commit hash.
func (g *GitBuilder) Commit(ctx context.Context) string {
	g.gen++
	return g.CommitMsg(ctx, fmt.Sprintf("Commit #%d", g.gen))
}

// CommitGen appends a line to the given file and commits it, returning the
// commit hash.
func (g *GitBuilder) CommitGen(ctx context.Context, path string) string {
	g.gen++
	full := filepath.Join(g.dir, path)
	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(g.t, err)
	_, err = fmt.Fprintf(f, "generated %d\n", g.gen)
	require.NoError(g.t, err)
	require.NoError(g.t, f.Close())
	g.Git(ctx, "add", path)
	return g.CommitMsg(ctx, fmt.Sprintf("Commit #%d", g.gen))
}

// CreateBranch creates the given branch at HEAD and checks it out.
func (g *GitBuilder) CreateBranch(ctx context.Context, name string) {
	g.Git(ctx, "checkout", "-b", name)
	g.branch = name
}

// CheckoutBranch checks out the given existing branch.
func (g *GitBuilder) CheckoutBranch(ctx context.Context, name string) {
	g.Git(ctx, "checkout", name)
	g.branch = name
}
