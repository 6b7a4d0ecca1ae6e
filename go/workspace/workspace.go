// Package workspace drives the git clone in which a queue's verifications
// run: syncing it, staging coalesced merges on a throwaway branch and
// scrubbing it back to a clean master between verifications.
package workspace

import (
	"context"
	"fmt"
	"strings"

	"github.com/cheshirekow/gerrit-mq/go/config"
	"github.com/cheshirekow/gerrit-mq/go/git"
	"github.com/cheshirekow/gerrit-mq/go/skerr"
	"github.com/cheshirekow/gerrit-mq/go/sklog"
)

// StagingBranch names the throwaway branch for the given merge record.
func StagingBranch(mergeRID int64) string {
	return fmt.Sprintf("mergequeue_%06d", mergeRID)
}

// Workspace is the clone serving one queue, rooted at
// {workspace_root}/{project}/{name}.
type Workspace struct {
	spec    *config.QueueSpec
	dir     string
	repoURL string
	co      *git.Checkout
}

// New returns a Workspace for the given queue. The clone is not touched
// until Get is called.
func New(spec *config.QueueSpec, root string, ssh *config.SSHConfig) *Workspace {
	return &Workspace{
		spec:    spec,
		dir:     spec.WorkspaceDir(root),
		repoURL: ssh.RepoURL(spec.Project),
	}
}

// Dir returns the working directory of the clone.
func (w *Workspace) Dir() string {
	return w.dir
}

// Get opens the existing clone or creates it from the remote. git-fat
// initialization is best effort: fresh clones need it, rerunning it is
// harmless and repos without git-fat just fail the subcommand.
func (w *Workspace) Get(ctx context.Context) error {
	co, err := git.NewCheckout(ctx, w.repoURL, w.dir)
	if err != nil {
		return skerr.Wrapf(err, "failed to open workspace for %s/%s", w.spec.Project, w.spec.Name)
	}
	w.co = co
	if _, err := w.co.Git(ctx, "fat", "init"); err != nil {
		sklog.Debugf("git fat init failed in %s (no git-fat?): %s", w.dir, err)
	}
	return nil
}

// Fetch syncs refs from origin and prunes deleted ones.
func (w *Workspace) Fetch(ctx context.Context) error {
	return w.co.Fetch(ctx)
}

// CheckoutAndMerge checks out the branch into and merges the branch from
// into it, keeping the default merge message and attributing the commit to
// the author of the pre-merge HEAD. A merge which changes nothing is not an
// error.
func (w *Workspace) CheckoutAndMerge(ctx context.Context, into, from string) error {
	if _, err := w.co.Git(ctx, "checkout", into); err != nil {
		return skerr.Wrapf(err, "failed to check out %s", into)
	}
	author, err := w.co.Git(ctx, "show", "HEAD", "--no-patch", "--format=%aN <%aE>")
	if err != nil {
		return skerr.Wrapf(err, "failed to read the author of %s", into)
	}
	author = strings.TrimSpace(author)
	if _, err := w.co.Git(ctx, "merge", "--no-commit", from); err != nil {
		return skerr.Wrapf(err, "failed to merge %s into %s", from, into)
	}
	// GIT_EDITOR=true accepts the default merge message.
	_, err = w.co.GitWithEnv(ctx, []string{"GIT_EDITOR=true"},
		"commit", "--no-verify", "--author="+author)
	if err != nil {
		clean, cerr := w.co.IsClean(ctx)
		if cerr == nil && clean {
			// The merge was a no-op; there is nothing to commit.
			return nil
		}
		return skerr.Wrapf(err, "failed to commit the merge of %s into %s", from, into)
	}
	return nil
}

// CreateBranch creates the named branch at base and switches to it.
func (w *Workspace) CreateBranch(ctx context.Context, name, base string) error {
	_, err := w.co.Git(ctx, "checkout", "-b", name, base)
	return skerr.Wrapf(err, "failed to create branch %s at %s", name, base)
}

// Push pushes the given refspec to origin.
func (w *Workspace) Push(ctx context.Context, refspec string) error {
	_, err := w.co.Git(ctx, "push", git.DefaultRemote, refspec)
	return skerr.Wrapf(err, "failed to push %s", refspec)
}

// DeleteRemote removes the given branch on origin.
func (w *Workspace) DeleteRemote(ctx context.Context, branch string) error {
	_, err := w.co.Git(ctx, "push", git.DefaultRemote, ":"+branch)
	return skerr.Wrapf(err, "failed to delete remote branch %s", branch)
}

// Cleanup scrubs the working tree back to a clean master and removes every
// other local branch. Idempotent; runs before and after each verification.
func (w *Workspace) Cleanup(ctx context.Context) error {
	if _, err := w.co.Git(ctx, "reset", "--hard"); err != nil {
		return skerr.Wrapf(err, "failed to reset %s", w.dir)
	}
	if _, err := w.co.Git(ctx, "clean", "-fd"); err != nil {
		return skerr.Wrapf(err, "failed to clean %s", w.dir)
	}
	if _, err := w.co.Git(ctx, "checkout", git.MasterBranch); err != nil {
		return skerr.Wrapf(err, "failed to check out %s", git.MasterBranch)
	}
	if _, err := w.co.Git(ctx, "clean", "-fd"); err != nil {
		return skerr.Wrapf(err, "failed to clean %s", w.dir)
	}
	branches, err := w.co.Branches(ctx)
	if err != nil {
		return skerr.Wrapf(err, "failed to list branches in %s", w.dir)
	}
	for _, branch := range branches {
		if branch.Name == git.MasterBranch {
			continue
		}
		sklog.Infof("Deleting left-over branch %s", branch.Name)
		if _, err := w.co.Git(ctx, "branch", "-D", branch.Name); err != nil {
			sklog.Warningf("Failed to delete leftover feature branch %s: %s", branch.Name, err)
		}
	}
	return nil
}

// StageCoalesced builds the staging branch for one verification: the
// cumulative merge of the given feature branches onto the target branch.
// Each feature branch is first fast-forwarded over the staging branch so
// far, then merged back, so intermediate states stay visible on the feature
// branches. The staging branch is force-pushed for build steps which run
// from the remote.
func (w *Workspace) StageCoalesced(ctx context.Context, mergeRID int64, branch string, featureBranches []string) (string, error) {
	staging := StagingBranch(mergeRID)
	if _, err := w.co.Git(ctx, "checkout", branch); err != nil {
		return "", skerr.Wrapf(err, "failed to check out target branch %s", branch)
	}
	if _, err := w.co.Git(ctx, "reset", "--hard", git.DefaultRemote+"/"+branch); err != nil {
		return "", skerr.Wrapf(err, "failed to sync %s to its remote", branch)
	}
	if err := w.CreateBranch(ctx, staging, branch); err != nil {
		return "", err
	}
	for _, feature := range featureBranches {
		if err := w.CheckoutAndMerge(ctx, feature, staging); err != nil {
			return "", err
		}
		if err := w.CheckoutAndMerge(ctx, staging, feature); err != nil {
			return "", err
		}
	}
	if _, err := w.co.Git(ctx, "push", "--force", git.DefaultRemote, staging+":"+staging); err != nil {
		return "", skerr.Wrapf(err, "failed to push staging branch %s", staging)
	}
	return staging, nil
}
