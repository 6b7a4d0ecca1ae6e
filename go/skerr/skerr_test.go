package skerr

import (
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cheshirekow/gerrit-mq/go/testutils/unittest"
)

func TestFmt(t *testing.T) {
	unittest.SmallTest(t)
	err := Fmt("wrong number of arms: %d", 3)
	require.Error(t, err)
	require.Regexp(t, regexp.MustCompile(`^wrong number of arms: 3 At skerr_test\.go:\d+`), err.Error())
}

func TestWrap(t *testing.T) {
	unittest.SmallTest(t)
	require.NoError(t, Wrap(nil))

	base := errors.New("connection refused")
	err := Wrap(base)
	require.Regexp(t, regexp.MustCompile(`^connection refused At skerr_test\.go:\d+`), err.Error())
	require.True(t, errors.Is(err, base))

	// Wrapping an already-wrapped error keeps the original stack.
	require.Equal(t, err, Wrap(err))
}

func TestWrapf(t *testing.T) {
	unittest.SmallTest(t)
	require.NoError(t, Wrapf(nil, "ignored"))

	base := errors.New("no such table")
	err := Wrapf(base, "loading queue for %s", "proj")
	require.Regexp(t, regexp.MustCompile(`^loading queue for proj: no such table At skerr_test\.go:\d+`), err.Error())
	require.True(t, errors.Is(err, base))

	// Each Wrapf adds a level.
	outer := Wrapf(err, "tick failed")
	require.Contains(t, outer.Error(), "tick failed: loading queue for proj: no such table")
}

func TestUnwrap(t *testing.T) {
	unittest.SmallTest(t)
	base := fmt.Errorf("disk full")
	require.Equal(t, base, Unwrap(Wrapf(Wrap(base), "outer")))
	require.Equal(t, base, Unwrap(base))
}
