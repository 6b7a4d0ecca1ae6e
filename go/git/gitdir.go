package git

/*
	Common utils used by Checkout.
*/

import (
	"context"
	"fmt"
	"strings"

	"github.com/cheshirekow/gerrit-mq/go/exec"
	"github.com/cheshirekow/gerrit-mq/go/skerr"
)

// Branch describes a Git branch.
type Branch struct {
	// The human-readable name of the branch.
	Name string

	// The commit hash pointed to by this branch.
	Head string
}

// GitDir is a directory in which one may run Git commands.
type GitDir string

// Dir returns the working directory of the GitDir.
func (g GitDir) Dir() string {
	return string(g)
}

// Git runs the given git command in the GitDir and returns the combined
// stdout and stderr.
func (g GitDir) Git(ctx context.Context, cmd ...string) (string, error) {
	git, err := Executable(ctx)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	return exec.RunCwd(ctx, g.Dir(), append([]string{git}, cmd...)...)
}

// GitWithEnv runs the given git command in the GitDir with the given extra
// environment, inheriting the rest of the process environment.
func (g GitDir) GitWithEnv(ctx context.Context, env []string, cmd ...string) (string, error) {
	git, err := Executable(ctx)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	return exec.RunCommand(ctx, &exec.Command{
		Name:       git,
		Args:       cmd,
		Dir:        g.Dir(),
		Env:        env,
		InheritEnv: true,
	})
}

// RevParse runs "git rev-parse <name>" and returns the result.
func (g GitDir) RevParse(ctx context.Context, args ...string) (string, error) {
	out, err := g.Git(ctx, append([]string{"rev-parse"}, args...)...)
	if err != nil {
		return "", err
	}
	// Ensure that we got a single, 40-character commit hash.
	split := strings.Fields(out)
	if len(split) != 1 {
		return "", skerr.Fmt("unable to parse commit hash from output: %s", out)
	}
	if len(split[0]) != 40 {
		return "", skerr.Fmt("rev-parse returned invalid commit hash: %s", out)
	}
	return split[0], nil
}

// GetBranchHead returns the commit hash at the HEAD of the given branch.
func (g GitDir) GetBranchHead(ctx context.Context, branchName string) (string, error) {
	return g.RevParse(ctx, "--verify", fmt.Sprintf("refs/heads/%s^{commit}", branchName))
}

// Branches runs "git branch" and returns a slice of Branch instances.
func (g GitDir) Branches(ctx context.Context) ([]*Branch, error) {
	out, err := g.Git(ctx, "branch")
	if err != nil {
		return nil, err
	}
	branchNames := strings.Fields(out)
	branches := make([]*Branch, 0, len(branchNames))
	for _, name := range branchNames {
		if name == "*" {
			continue
		}
		head, err := g.GetBranchHead(ctx, name)
		if err != nil {
			return nil, err
		}
		branches = append(branches, &Branch{
			Head: head,
			Name: name,
		})
	}
	return branches, nil
}

// CurrentBranch returns the name of the currently-checked-out branch.
func (g GitDir) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.Git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsClean returns true when "git status --porcelain" reports no changes.
func (g GitDir) IsClean(ctx context.Context) (bool, error) {
	out, err := g.Git(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}
