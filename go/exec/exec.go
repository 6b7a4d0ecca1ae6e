/*
	A wrapper around the os/exec package that supports timeouts and testing.

	Example usage:

	Simple command with argument:
	err := exec.Run(ctx, &exec.Command{
		Name: "touch",
		Args: []string{file},
	})

	More complicated example:
	output := bytes.Buffer{}
	err := exec.Run(ctx, &exec.Command{
		Name: "make",
		Args: []string{"all"},
		// Set environment:
		Env: []string{fmt.Sprintf("GOPATH=%s", projectGoPath)},
		// Set working directory:
		Dir: projectDir,
		// Capture output:
		CombinedOutput: &output,
		// Set a timeout:
		Timeout: 10*time.Minute,
	})
*/
package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cheshirekow/gerrit-mq/go/sklog"
)

const (
	TIMEOUT_ERROR_PREFIX = "Command killed since it took longer than"
)

type Verbosity int

const (
	Info Verbosity = iota
	Debug
	Silent
)

var (
	contextKey     = &struct{}{}
	defaultContext = &execContext{DefaultRun}

	WriteInfoLog  = WriteLog{LogFunc: sklog.Infof}
	WriteErrorLog = WriteLog{LogFunc: sklog.Errorf}
)

// WriteLog implements the io.Writer interface and writes to the given log function.
type WriteLog struct {
	LogFunc func(format string, args ...interface{})
}

func (wl WriteLog) Write(p []byte) (n int, err error) {
	wl.LogFunc("%s", string(p))
	return len(p), nil
}

type Command struct {
	// Name of the command, as passed to osexec.Command. Can be the path to a binary or the
	// name of a command that osexec.LookPath can find.
	Name string
	// Arguments of the command, not including Name.
	Args []string
	// The environment of the process. If nil, the current process's environment is used.
	Env []string
	// If Env is non-nil, adds the current process's entire environment to Env, where the
	// current environment takes lower precedence.
	InheritEnv bool
	// If Env is non-nil, adds the current process's PATH to Env. Do not specify in
	// combination with InheritEnv.
	InheritPath bool
	// The working directory of the command. If empty, runs in the current process's current
	// directory.
	Dir string
	// See docs for osexec.Cmd.Stdin.
	Stdin io.Reader
	// If true, duplicates stdout of the command to WriteInfoLog.
	LogStdout bool
	// Sends the stdout of the command to this Writer, e.g. os.File or bytes.Buffer.
	Stdout io.Writer
	// If true, duplicates stderr of the command to WriteErrorLog.
	LogStderr bool
	// Sends the stderr of the command to this Writer, e.g. os.File or bytes.Buffer.
	Stderr io.Writer
	// Sends the combined stdout and stderr of the command to this Writer, in addition to
	// Stdout and Stderr. Only one goroutine will write at a time. Note: the Go runtime seems to
	// combine stdout and stderr into one stream as long as LogStdout and LogStderr are false
	// and Stdout and Stderr are nil. Otherwise, the stdout and stderr of the command could be
	// arbitrarily reordered when written to CombinedOutput.
	CombinedOutput io.Writer
	// Time limit to wait for the command to finish. (Starts when Wait is called.) No limit if
	// not specified.
	Timeout time.Duration
	// Whether to log when the command starts.
	Verbose Verbosity
	// Attributes for the new process, e.g. to place it in its own process group.
	SysProcAttr *syscall.SysProcAttr
}

type execContext struct {
	runFn func(context.Context, *Command) error
}

// NewContext returns a context.Context instance which causes Run to use the
// given function instead of actually running commands.
func NewContext(ctx context.Context, runFn func(context.Context, *Command) error) context.Context {
	newCtx := &execContext{runFn: runFn}
	return context.WithValue(ctx, contextKey, newCtx)
}

// getCtx retrieves the Context associated with the context.Context.
func getCtx(ctx context.Context) *execContext {
	if v := ctx.Value(contextKey); v != nil {
		return v.(*execContext)
	}
	return defaultContext
}

// ParseCommand divides commandLine at spaces; treats the first token as the program name and the
// other tokens as arguments. Note: don't expect this function to do anything smart with quotes
// or escaped spaces.
func ParseCommand(commandLine string) Command {
	programAndArgs := strings.Split(commandLine, " ")
	return Command{Name: programAndArgs[0], Args: programAndArgs[1:]}
}

// DebugString returns the Env, Name, and Args of command joined with spaces, to
// approximate the message the shell would log for the same invocation.
func DebugString(command *Command) string {
	result := ""
	result += strings.Join(command.Env, " ")
	if len(command.Env) != 0 {
		result += " "
	}
	result += command.Name
	if len(command.Args) != 0 {
		result += " "
	}
	result += strings.Join(command.Args, " ")
	return result
}

// Given io.Writers or nils, return a single writer that writes to all, or nil if no non-nil
// writers. Does not handle non-nil interface containing a nil value.
func squashWriters(writers ...io.Writer) io.Writer {
	nonNil := []io.Writer{}
	for _, writer := range writers {
		if writer != nil {
			nonNil = append(nonNil, writer)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return io.MultiWriter(nonNil...)
	}
}

func createCmd(command *Command) *osexec.Cmd {
	cmd := osexec.Command(command.Name, command.Args...)
	if len(command.Env) != 0 {
		cmd.Env = command.Env
		if command.InheritEnv {
			cmd.Env = append(os.Environ(), cmd.Env...)
		} else if command.InheritPath {
			cmd.Env = append(cmd.Env, "PATH="+os.Getenv("PATH"))
		}
	}
	cmd.Dir = command.Dir
	cmd.Stdin = command.Stdin
	var stdoutLog io.Writer
	if command.LogStdout {
		stdoutLog = WriteInfoLog
	}
	cmd.Stdout = squashWriters(stdoutLog, command.Stdout, command.CombinedOutput)
	var stderrLog io.Writer
	if command.LogStderr {
		stderrLog = WriteErrorLog
	}
	cmd.Stderr = squashWriters(stderrLog, command.Stderr, command.CombinedOutput)
	cmd.SysProcAttr = command.SysProcAttr
	return cmd
}

func start(command *Command, cmd *osexec.Cmd) error {
	if command.Verbose != Silent {
		logFn := sklog.Infof
		if command.Verbose == Debug {
			logFn = sklog.Debugf
		}
		logFn("Executing '%s' (where %s = current directory)", DebugString(command), command.Dir)
	}
	err := cmd.Start()
	if err != nil {
		return fmt.Errorf("Unable to start command %s: %s", DebugString(command), err)
	}
	return nil
}

func wait(ctx context.Context, command *Command, cmd *osexec.Cmd) error {
	done := make(chan error)
	go func() {
		done <- cmd.Wait()
	}()
	var timeoutCh <-chan time.Time
	if command.Timeout != 0 {
		timer := time.NewTimer(command.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-ctx.Done():
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("Failed to kill command on context cancel: %s", err)
		}
		<-done // allow goroutine to exit
		return ctx.Err()
	case <-timeoutCh:
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("Failed to kill timed out process: %s", err)
		}
		<-done // allow goroutine to exit
		return fmt.Errorf("%s %f secs", TIMEOUT_ERROR_PREFIX, command.Timeout.Seconds())
	case err := <-done:
		return err
	}
}

// IsTimeout returns true if the specified error was raised due to a command
// exceeding its given timeout.
func IsTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), TIMEOUT_ERROR_PREFIX)
}

// DefaultRun can be passed to NewContext to go back to running commands as
// normal.
func DefaultRun(ctx context.Context, command *Command) error {
	cmd := createCmd(command)
	if err := start(command, cmd); err != nil {
		return err
	}
	return wait(ctx, command, cmd)
}

// Run runs command and waits for it to finish. If any failure, returns
// non-nil. If a timeout was specified, returns an error once the command has
// exceeded that timeout.
func Run(ctx context.Context, command *Command) error {
	return getCtx(ctx).runFn(ctx, command)
}

// RunCommand executes the given command and returns the combined stdout and
// stderr. May also return an error if the command exited with a non-zero
// status or there is any other error.
func RunCommand(ctx context.Context, command *Command) (string, error) {
	output := bytes.Buffer{}
	command.CombinedOutput = &output
	command.Verbose = Debug
	err := Run(ctx, command)
	result := output.String()
	if err != nil {
		return result, fmt.Errorf("Command exited with %s: %s; Stdout+Stderr:\n%s", err, DebugString(command), result)
	}
	return result, nil
}

// RunCwd executes the given command in the given directory. Returns the
// combined stdout and stderr. May also return an error if the command exited
// with a non-zero status or there is any other error.
func RunCwd(ctx context.Context, cwd string, cmd ...string) (string, error) {
	command := &Command{
		Name: cmd[0],
		Args: cmd[1:],
		Dir:  cwd,
	}
	return RunCommand(ctx, command)
}

// RunSimple executes the given command line string; the command being run is
// expected to not care what its current working directory is. Returns the
// combined stdout and stderr. May also return an error if the command exited
// with a non-zero status or there is any other error.
func RunSimple(ctx context.Context, commandLine string) (string, error) {
	cmd := ParseCommand(commandLine)
	return RunCommand(ctx, &cmd)
}

// Process is a handle on a started command, for callers which need to
// supervise a child rather than just wait for it to finish.
type Process interface {
	// Pid returns the child's process id.
	Pid() int
	// Signal sends the given signal to the child.
	Signal(sig os.Signal) error
	// Poll returns true if the process has exited, along with its exit
	// code. The exit code is -1 when the process was terminated by a
	// signal.
	Poll() (bool, int)
}

type localProcess struct {
	cmd  *osexec.Cmd
	done chan struct{}
}

func (p *localProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *localProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *localProcess) Poll() (bool, int) {
	select {
	case <-p.done:
		return true, p.cmd.ProcessState.ExitCode()
	default:
		return false, 0
	}
}

// Start launches the given command and returns a Process handle without
// waiting for it to finish. Unlike Run, Start always launches a real child;
// callers which need fakes inject at the supervisor level.
func Start(ctx context.Context, command *Command) (Process, error) {
	cmd := createCmd(command)
	if err := start(command, cmd); err != nil {
		return nil, err
	}
	p := &localProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		// Wait must be called to reap the child; the exit status is
		// published to Poll by closing the channel.
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}
