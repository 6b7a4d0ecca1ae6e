package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cheshirekow/gerrit-mq/go/config"
	"github.com/cheshirekow/gerrit-mq/go/exec"
	"github.com/cheshirekow/gerrit-mq/go/git"
	"github.com/cheshirekow/gerrit-mq/go/skerr"
	"github.com/cheshirekow/gerrit-mq/go/testutils/unittest"
)

const fakeHash = "0123456789012345678901234567890123456789"

// gitOutput fakes the git subcommands whose output the workspace parses.
func gitOutput(cmd *exec.Command) string {
	args := strings.Join(cmd.Args, " ")
	switch {
	case strings.HasPrefix(args, "show HEAD"):
		return "Dev One <one@example.com>\n"
	case args == "branch":
		return "* master\n  mergequeue_000017\n  feat/a\n"
	case strings.HasPrefix(args, "rev-parse"):
		return fakeHash + "\n"
	}
	return ""
}

func testWorkspace(t *testing.T, collector *exec.CommandCollector) (context.Context, *Workspace) {
	spec := &config.QueueSpec{
		Project:    "toys/smallship",
		Branch:     "master",
		BuildSteps: [][]string{{"make", "test"}},
	}
	require.NoError(t, spec.Validate())

	root := t.TempDir()
	// An existing .git directory keeps NewCheckout from cloning.
	require.NoError(t, os.MkdirAll(filepath.Join(spec.WorkspaceDir(root), ".git"), 0755))

	ctx := exec.NewContext(context.Background(), collector.Run)
	ctx = git.WithGitFinder(ctx, func() (string, error) { return "git", nil })

	ssh := &config.SSHConfig{Username: "mq-daemon", Host: "gerrit.example.com", Port: 29418}
	w := New(spec, root, ssh)
	require.NoError(t, w.Get(ctx))
	collector.ClearCommands()
	return ctx, w
}

// gitCalls flattens the collected commands into "git <args>" strings.
func gitCalls(collector *exec.CommandCollector) []string {
	calls := []string{}
	for _, cmd := range collector.Commands() {
		calls = append(calls, cmd.Name+" "+strings.Join(cmd.Args, " "))
	}
	return calls
}

func TestStageCoalesced(t *testing.T) {
	unittest.SmallTest(t)

	collector := &exec.CommandCollector{}
	collector.SetDelegateRun(func(ctx context.Context, cmd *exec.Command) error {
		if cmd.CombinedOutput != nil {
			fmt.Fprint(cmd.CombinedOutput, gitOutput(cmd))
		}
		return nil
	})
	ctx, w := testWorkspace(t, collector)

	staging, err := w.StageCoalesced(ctx, 17, "master", []string{"feat/a", "feat/b"})
	require.NoError(t, err)
	require.Equal(t, "mergequeue_000017", staging)

	mergeRound := func(into, from string) []string {
		return []string{
			"git checkout " + into,
			"git show HEAD --no-patch --format=%aN <%aE>",
			"git merge --no-commit " + from,
			"git commit --no-verify --author=Dev One <one@example.com>",
		}
	}
	want := []string{
		"git checkout master",
		"git reset --hard origin/master",
		"git checkout -b mergequeue_000017 master",
	}
	want = append(want, mergeRound("feat/a", "mergequeue_000017")...)
	want = append(want, mergeRound("mergequeue_000017", "feat/a")...)
	want = append(want, mergeRound("feat/b", "mergequeue_000017")...)
	want = append(want, mergeRound("mergequeue_000017", "feat/b")...)
	want = append(want, "git push --force origin mergequeue_000017:mergequeue_000017")
	require.Equal(t, want, gitCalls(collector))
}

func TestCheckoutAndMergeNoOp(t *testing.T) {
	unittest.SmallTest(t)

	collector := &exec.CommandCollector{}
	collector.SetDelegateRun(func(ctx context.Context, cmd *exec.Command) error {
		if cmd.CombinedOutput != nil {
			fmt.Fprint(cmd.CombinedOutput, gitOutput(cmd))
		}
		// Nothing staged: the commit fails but the tree is clean.
		if len(cmd.Args) > 0 && cmd.Args[0] == "commit" {
			return skerr.Fmt("nothing to commit, working tree clean")
		}
		return nil
	})
	ctx, w := testWorkspace(t, collector)

	require.NoError(t, w.CheckoutAndMerge(ctx, "master", "feat/a"))
}

func TestCheckoutAndMergeDirtyFailure(t *testing.T) {
	unittest.SmallTest(t)

	collector := &exec.CommandCollector{}
	collector.SetDelegateRun(func(ctx context.Context, cmd *exec.Command) error {
		if len(cmd.Args) > 0 && cmd.Args[0] == "commit" {
			return skerr.Fmt("commit hook rejected the merge")
		}
		if cmd.CombinedOutput != nil {
			if len(cmd.Args) > 0 && cmd.Args[0] == "status" {
				fmt.Fprint(cmd.CombinedOutput, "UU conflicted.txt\n")
			} else {
				fmt.Fprint(cmd.CombinedOutput, gitOutput(cmd))
			}
		}
		return nil
	})
	ctx, w := testWorkspace(t, collector)

	// A failed commit with a dirty tree propagates the error.
	require.Error(t, w.CheckoutAndMerge(ctx, "master", "feat/a"))
}

func TestCleanup(t *testing.T) {
	unittest.SmallTest(t)

	collector := &exec.CommandCollector{}
	collector.SetDelegateRun(func(ctx context.Context, cmd *exec.Command) error {
		if cmd.CombinedOutput != nil {
			fmt.Fprint(cmd.CombinedOutput, gitOutput(cmd))
		}
		return nil
	})
	ctx, w := testWorkspace(t, collector)

	require.NoError(t, w.Cleanup(ctx))

	calls := gitCalls(collector)
	require.Contains(t, calls, "git reset --hard")
	require.Contains(t, calls, "git checkout master")
	// Leftover branches are deleted; master survives.
	require.Contains(t, calls, "git branch -D mergequeue_000017")
	require.Contains(t, calls, "git branch -D feat/a")
	require.NotContains(t, calls, "git branch -D master")
}

func TestDeleteRemote(t *testing.T) {
	unittest.SmallTest(t)

	collector := &exec.CommandCollector{}
	ctx, w := testWorkspace(t, collector)

	require.NoError(t, w.DeleteRemote(ctx, "mergequeue_000017"))
	require.Equal(t, []string{"git push origin :mergequeue_000017"}, gitCalls(collector))
}
