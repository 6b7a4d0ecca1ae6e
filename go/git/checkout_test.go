package git

import (
	"context"
	"path/filepath"
	"testing"

	assert "github.com/stretchr/testify/require"

	gittestutils "github.com/cheshirekow/gerrit-mq/go/git/testutils"
	"github.com/cheshirekow/gerrit-mq/go/testutils/unittest"
)

func TestCheckout(t *testing.T) {
	unittest.MediumTest(t)
	ctx := context.Background()
	gb := gittestutils.GitInit(t, ctx)
	defer gb.Cleanup()
	first := gb.CommitGen(ctx, "somefile")
	second := gb.CommitGen(ctx, "somefile")

	workdir := filepath.Join(t.TempDir(), "clone")
	c, err := NewCheckout(ctx, gb.Dir(), workdir)
	assert.NoError(t, err)

	// Verify that we have a working copy.
	_, err = c.Git(ctx, "status")
	assert.NoError(t, err)
	head, err := c.RevParse(ctx, "HEAD")
	assert.NoError(t, err)
	assert.Equal(t, second, head)
	assert.NotEqual(t, first, second)

	// NewCheckout over an existing clone reuses it.
	c2, err := NewCheckout(ctx, gb.Dir(), workdir)
	assert.NoError(t, err)
	assert.Equal(t, c.Dir(), c2.Dir())

	// A new commit on the remote arrives via Fetch.
	third := gb.CommitGen(ctx, "somefile")
	assert.NoError(t, c.Fetch(ctx))
	fetched, err := c.RevParse(ctx, "origin/"+MasterBranch)
	assert.NoError(t, err)
	assert.Equal(t, third, fetched)

	// Sanity checks for the plumbing helpers.
	clean, err := c.IsClean(ctx)
	assert.NoError(t, err)
	assert.True(t, clean)
	branch, err := c.CurrentBranch(ctx)
	assert.NoError(t, err)
	assert.Equal(t, MasterBranch, branch)
	hd, err := c.GetBranchHead(ctx, MasterBranch)
	assert.NoError(t, err)
	assert.Equal(t, second, hd)
	branches, err := c.Branches(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(branches))
	assert.Equal(t, MasterBranch, branches[0].Name)
}
