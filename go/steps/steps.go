// Package steps executes a queue's build steps against a staged workspace,
// supervising each child for upstream score retractions, webfront
// cancellations and failure.
package steps

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/cheshirekow/gerrit-mq/go/config"
	"github.com/cheshirekow/gerrit-mq/go/db"
	"github.com/cheshirekow/gerrit-mq/go/exec"
	"github.com/cheshirekow/gerrit-mq/go/gerrit"
	"github.com/cheshirekow/gerrit-mq/go/sklog"
)

const (
	stepBanner = `
--------------------------
Executing step: %d
%s
--------------------------
`
	failureBanner = `
--------------------------
Merge failed on step %d. The following command exited with nonzero status:
%s

The return code was %d
--------------------------
`
)

// Result is the outcome of running a queue's build steps.
type Result struct {
	// Status is one of the db.Status values.
	Status int

	// Message is a human-readable explanation, posted back to the review.
	Message string
}

// Runner runs the build steps of one verification.
type Runner struct {
	Spec      *config.QueueSpec
	Dir       string
	ChangeIDs []string
	MergeRID  int64
	Stdout    io.Writer
	Stderr    io.Writer
	Gerrit    gerrit.Gerrit
	Store     db.Store
	CcacheDir string

	// Supervision knobs, overridable in tests.
	start              func(context.Context, *exec.Command) (exec.Process, error)
	tick               time.Duration
	gerritPollInterval time.Duration
	dbPollInterval     time.Duration
	heartbeatInterval  time.Duration
	killPoll           time.Duration
	killBudget         time.Duration
}

// New returns a Runner with the production supervision intervals.
func New(spec *config.QueueSpec, dir string, changeIDs []string, mergeRID int64, stdout, stderr io.Writer, g gerrit.Gerrit, store db.Store, ccacheDir string) *Runner {
	return &Runner{
		Spec:               spec,
		Dir:                dir,
		ChangeIDs:          changeIDs,
		MergeRID:           mergeRID,
		Stdout:             stdout,
		Stderr:             stderr,
		Gerrit:             g,
		Store:              store,
		CcacheDir:          ccacheDir,
		start:              exec.Start,
		tick:               time.Second,
		gerritPollInterval: 30 * time.Second,
		dbPollInterval:     10 * time.Second,
		heartbeatInterval:  5 * time.Minute,
		killPoll:           2 * time.Second,
		killBudget:         10 * time.Second,
	}
}

// environment flattens the queue's build environment, adding CCACHE_DIR
// when a cache is configured. Sorted for determinism.
func (r *Runner) environment() []string {
	env := r.Spec.Env()
	if r.CcacheDir != "" {
		env["CCACHE_DIR"] = r.CcacheDir
	}
	flat := make([]string, 0, len(env))
	for key, value := range env {
		flat = append(flat, key+"="+value)
	}
	sort.Strings(flat)
	return flat
}

// Run executes the build steps in order. The first step which fails or is
// canceled ends the run.
func (r *Runner) Run(ctx context.Context) Result {
	sklog.Infof("Performing build/test steps for merge %d", r.MergeRID)
	for stepIdx, stepCmd := range r.Spec.BuildSteps {
		// The last step of a queue which submits without the REST API is
		// the submission itself and may legitimately remove the queue
		// score, so it is exempt from the upstream poll.
		pollGerrit := r.Spec.SubmitWithRest || stepIdx < len(r.Spec.BuildSteps)-1
		if result := r.runStep(ctx, stepIdx, stepCmd, pollGerrit); result != nil {
			return *result
		}
	}
	return Result{Status: db.StatusSuccess, Message: "ok"}
}

// RunOne executes a single command under the same supervision as a build
// step, but without polling the queue scores upstream. Submit commands
// retract the score themselves, so polling would cancel them midway.
func (r *Runner) RunOne(ctx context.Context, argv []string) Result {
	if result := r.runStep(ctx, len(r.Spec.BuildSteps), argv, false); result != nil {
		return *result
	}
	return Result{Status: db.StatusSuccess, Message: "ok"}
}

// runStep runs one supervised command. Returns nil if the command exited
// zero, otherwise the Result which ends the run.
func (r *Runner) runStep(ctx context.Context, stepIdx int, argv []string, pollGerrit bool) *Result {
	commandStr := strings.Join(argv, " ")
	banner := fmt.Sprintf(stepBanner, stepIdx, commandStr)
	for _, log := range []io.Writer{r.Stdout, r.Stderr} {
		_, _ = io.WriteString(log, banner)
	}

	p, err := r.start(ctx, &exec.Command{
		Name:       argv[0],
		Args:       argv[1:],
		Dir:        r.Dir,
		Env:        r.environment(),
		InheritEnv: r.Spec.MergeBuildEnv,
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
	})
	if err != nil {
		return &Result{
			Status:  db.StatusStepFailed,
			Message: fmt.Sprintf("failed to execute step %d (%s): %s", stepIdx, commandStr, err),
		}
	}
	sklog.Infof("%d %s", stepIdx, commandStr)

	result, exitCode := r.supervise(ctx, p, stepIdx, pollGerrit)
	if result != nil {
		return result
	}
	sklog.Infof("%d %s [%d]", stepIdx, commandStr, exitCode)
	if exitCode != 0 {
		failure := fmt.Sprintf(failureBanner, stepIdx, commandStr, exitCode)
		for _, log := range []io.Writer{r.Stdout, r.Stderr} {
			_, _ = io.WriteString(log, failure)
		}
		return &Result{
			Status:  db.StatusStepFailed,
			Message: fmt.Sprintf("step %d (%s) returned %d", stepIdx, commandStr, exitCode),
		}
	}
	return nil
}

// supervise watches a running step at ~1 Hz until it exits or must be
// killed. Returns a non-nil Result on cancellation, otherwise the step's
// exit code.
func (r *Runner) supervise(ctx context.Context, p exec.Process, stepIdx int, pollGerrit bool) (*Result, int) {
	start := time.Now()
	var lastGerritPoll, lastDBPoll, lastHeartbeat time.Time
	gerritPolls := 0
	gerritPollFailures := 0

	for {
		if done, exitCode := p.Poll(); done {
			return nil, exitCode
		}

		now := time.Now()
		if now.Sub(lastHeartbeat) > r.heartbeatInterval {
			lastHeartbeat = now
			sklog.Debugf("Step %d has been running for %6.2f seconds", stepIdx, now.Sub(start).Seconds())
		}

		if pollGerrit && now.Sub(lastGerritPoll) > r.gerritPollInterval {
			lastGerritPoll = now
			gerritPolls++
			evicted, err := r.evictedChanges(ctx)
			if err != nil {
				gerritPollFailures++
				if gerritPollFailures == 1 {
					sklog.Errorf("Failed to poll changeinfo for merge %d: %s. This is known"+
						" to happen from time to time, so don't be too concerned.", r.MergeRID, err)
				} else {
					sklog.Warningf("Failed to poll changeinfo for merge %d (%d/%d): %s",
						r.MergeRID, gerritPollFailures, gerritPolls, err)
				}
			} else if len(evicted) > 0 {
				sklog.Infof("Merge was canceled on gerrit by score removal: %s", strings.Join(evicted, ", "))
				r.kill(p)
				return &Result{
					Status:  db.StatusCanceled,
					Message: fmt.Sprintf("merge was canceled on gerrit by score removal (%s)", strings.Join(evicted, ", ")),
				}, 0
			}
		}

		if now.Sub(lastDBPoll) > r.dbPollInterval {
			lastDBPoll = now
			cancel, err := r.Store.PeekCancel(r.MergeRID)
			if err != nil {
				sklog.Warningf("Failed to poll cancellations for merge %d: %s", r.MergeRID, err)
			} else if cancel != nil {
				sklog.Infof("Merge was canceled through the webfront by %s on %s", cancel.Who, cancel.When)
				r.kill(p)
				return &Result{
					Status:  db.StatusCanceled,
					Message: fmt.Sprintf("merge was canceled through the webfront by %s", cancel.Who),
				}, 0
			}
		}

		select {
		case <-ctx.Done():
			r.kill(p)
			return &Result{
				Status:  db.StatusCanceled,
				Message: "merge was canceled by daemon shutdown",
			}, 0
		case <-time.After(r.tick):
		}
	}
}

// evictedChanges re-folds each change's queue score upstream and returns the
// ids of changes no longer at +1.
func (r *Runner) evictedChanges(ctx context.Context) ([]string, error) {
	var evicted []string
	for _, id := range r.ChangeIDs {
		change, err := r.Gerrit.GetChange(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, score := gerrit.ResolveMergeQueue(change); score != gerrit.MergeQueueApprove {
			evicted = append(evicted, id)
		}
	}
	return evicted, nil
}

// kill terminates a step: SIGTERM with a grace period, then SIGKILL with
// another. A child surviving both is abandoned.
func (r *Runner) kill(p exec.Process) {
	sklog.Infof("Waiting for build step to die, pid=%d", p.Pid())
	sklog.Infof("Signalling with SIGTERM")
	if r.signalUntilDead(p, syscall.SIGTERM) {
		return
	}
	sklog.Infof("Signalling with SIGKILL")
	if r.signalUntilDead(p, syscall.SIGKILL) {
		return
	}
	sklog.Infof("Build step appears to be zombified. Hopefully it does not affect future merges")
}

// signalUntilDead repeats the given signal every poll interval until the
// child exits or the budget runs out.
func (r *Runner) signalUntilDead(p exec.Process, sig syscall.Signal) bool {
	deadline := time.Now().Add(r.killBudget)
	for {
		_ = p.Signal(sig)
		time.Sleep(r.killPoll)
		if done, _ := p.Poll(); done {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
	}
}
