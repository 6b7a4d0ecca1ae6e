package exec

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	expect "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheshirekow/gerrit-mq/go/testutils/unittest"
)

func TestParseCommand(t *testing.T) {
	unittest.SmallTest(t)
	test := func(input string, expected Command) {
		expect.Equal(t, expected, ParseCommand(input))
	}
	test("", Command{Name: "", Args: []string{}})
	test("foo", Command{Name: "foo", Args: []string{}})
	test("foo bar", Command{Name: "foo", Args: []string{"bar"}})
	test("foo --bar --baz", Command{Name: "foo", Args: []string{"--bar", "--baz"}})
	// Doesn't work.
	//test("foo 'bar baz'", Command{Name: "foo", Args: []string{"bar baz"}})
}

func TestDebugString(t *testing.T) {
	unittest.SmallTest(t)
	require.Equal(t, "echo Hello Go!", DebugString(&Command{
		Name: "echo",
		Args: []string{"Hello", "Go!"},
	}))
	require.Equal(t, "GIT_EDITOR=true git commit --no-verify", DebugString(&Command{
		Name: "git",
		Args: []string{"commit", "--no-verify"},
		Env:  []string{"GIT_EDITOR=true"},
	}))
}

func TestSquashWriters(t *testing.T) {
	unittest.SmallTest(t)
	require.Nil(t, squashWriters())
	require.Nil(t, squashWriters(nil, nil))
	buf1 := &bytes.Buffer{}
	require.Equal(t, io.Writer(buf1), squashWriters(nil, buf1, nil))
	buf2 := &bytes.Buffer{}
	squashed := squashWriters(buf1, nil, buf2)
	_, err := squashed.Write([]byte("both"))
	require.NoError(t, err)
	require.Equal(t, "both", buf1.String())
	require.Equal(t, "both", buf2.String())
}

func TestRunInjected(t *testing.T) {
	unittest.SmallTest(t)
	mock := CommandCollector{}
	ctx := NewContext(context.Background(), mock.Run)
	require.NoError(t, Run(ctx, &Command{
		Name: "git",
		Args: []string{"fetch", "--prune", "origin"},
		Dir:  "/tmp/repo",
	}))
	commands := mock.Commands()
	require.Len(t, commands, 1)
	require.Equal(t, "git fetch --prune origin", DebugString(commands[0]))
	require.Equal(t, "/tmp/repo", commands[0].Dir)

	mock.ClearCommands()
	require.Empty(t, mock.Commands())
}

func TestRunCwd(t *testing.T) {
	unittest.MediumTest(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0644))
	out, err := RunCwd(context.Background(), dir, "ls")
	require.NoError(t, err)
	require.Contains(t, out, "hello.txt")
}

func TestRunError(t *testing.T) {
	unittest.MediumTest(t)
	_, err := RunCwd(context.Background(), ".", "false")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Command exited with")
}

func TestRunTimeout(t *testing.T) {
	unittest.MediumTest(t)
	err := Run(context.Background(), &Command{
		Name:    "sleep",
		Args:    []string{"60"},
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	require.True(t, IsTimeout(err))
}

func TestStartPoll(t *testing.T) {
	unittest.MediumTest(t)
	p, err := Start(context.Background(), &Command{
		Name:    "sh",
		Args:    []string{"-c", "exit 7"},
		Verbose: Silent,
	})
	require.NoError(t, err)
	var done bool
	var code int
	for i := 0; i < 100; i++ {
		done, code = p.Poll()
		if done {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.True(t, done)
	require.Equal(t, 7, code)
}

func TestStartSignal(t *testing.T) {
	unittest.MediumTest(t)
	p, err := Start(context.Background(), &Command{
		Name:    "sleep",
		Args:    []string{"60"},
		Verbose: Silent,
	})
	require.NoError(t, err)
	require.True(t, p.Pid() > 0)
	done, _ := p.Poll()
	require.False(t, done)
	require.NoError(t, p.Signal(syscall.SIGTERM))
	var code int
	for i := 0; i < 100; i++ {
		done, code = p.Poll()
		if done {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.True(t, done)
	// Terminated by signal.
	require.Equal(t, -1, code)
}

func TestCommandEnv(t *testing.T) {
	unittest.MediumTest(t)
	output := bytes.Buffer{}
	require.NoError(t, Run(context.Background(), &Command{
		Name:    "sh",
		Args:    []string{"-c", "echo $GREETING"},
		Env:     []string{"GREETING=bonjour"},
		Stdout:  &output,
		Verbose: Silent,
	}))
	require.Equal(t, "bonjour", strings.TrimSpace(output.String()))
}
