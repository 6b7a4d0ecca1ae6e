// Convenience utilities for testing.
package testutils

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/mock"
	assert "github.com/stretchr/testify/require"
)

// AnyContext can be used to match any context.Context in testify mock
// expectations, e.g. m.On("GetChange", testutils.AnyContext, "1234").
var AnyContext = mock.MatchedBy(func(c context.Context) bool {
	// mock.MatchedBy doesn't run the matcher for nil arguments, so any
	// context we actually see here is acceptable.
	return true
})

// SkipIfShort causes the test to be skipped when running with -short.
func SkipIfShort(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test with -short")
	}
}

// AssertDeepEqual fails the test if the two objects do not compare equal,
// logging both values and their diff. Comparison is cmp.Diff, which uses
// Equal methods where defined (notably time.Time).
func AssertDeepEqual(t *testing.T, expected, actual interface{}) {
	if diff := cmp.Diff(expected, actual); diff != "" {
		assert.FailNow(t, fmt.Sprintf("Objects do not match:\nexpected:\n%s\n\nactual:\n%s\n\ndiff (-expected +actual):\n%s\n", spew.Sdump(expected), spew.Sdump(actual), diff))
	}
}

// TestDataDir returns the path to the caller's testdata directory, which
// is assumed to be "<path to caller dir>/testdata".
func TestDataDir() (string, error) {
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("Could not find test data dir: runtime.Caller() failed.")
	}
	for skip := 0; ; skip++ {
		_, file, _, ok := runtime.Caller(skip)
		if !ok {
			return "", fmt.Errorf("Could not find test data dir: runtime.Caller() failed.")
		}
		if file != thisFile {
			return path.Join(path.Dir(file), "testdata"), nil
		}
	}
}

func readFile(filename string) (io.ReadCloser, error) {
	dir, err := TestDataDir()
	if err != nil {
		return nil, fmt.Errorf("Could not read %s: %v", filename, err)
	}
	f, err := os.Open(path.Join(dir, filename))
	if err != nil {
		return nil, fmt.Errorf("Could not read %s: %v", filename, err)
	}
	return f, nil
}

// ReadFile reads a file from the caller's testdata directory.
func ReadFile(filename string) (string, error) {
	f, err := readFile(filename)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("Could not read %s: %v", filename, err)
	}
	return string(b), nil
}

// MustReadFile reads a file from the caller's testdata directory and panics on
// error.
func MustReadFile(filename string) string {
	s, err := ReadFile(filename)
	if err != nil {
		panic(err)
	}
	return s
}
