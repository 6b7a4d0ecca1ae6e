package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cheshirekow/gerrit-mq/go/config"
	"github.com/cheshirekow/gerrit-mq/go/db"
	"github.com/cheshirekow/gerrit-mq/go/footers"
	"github.com/cheshirekow/gerrit-mq/go/gerrit"
	"github.com/cheshirekow/gerrit-mq/go/gerrit/mocks"
	"github.com/cheshirekow/gerrit-mq/go/skerr"
	"github.com/cheshirekow/gerrit-mq/go/steps"
	"github.com/cheshirekow/gerrit-mq/go/testutils/unittest"
	"github.com/cheshirekow/gerrit-mq/go/workspace"
)

// fakeDriver records workspace operations instead of running git.
type fakeDriver struct {
	calls    []string
	stageErr error
}

func (d *fakeDriver) Dir() string                       { return "/ws" }
func (d *fakeDriver) Get(ctx context.Context) error     { d.calls = append(d.calls, "get"); return nil }
func (d *fakeDriver) Fetch(ctx context.Context) error   { d.calls = append(d.calls, "fetch"); return nil }
func (d *fakeDriver) Cleanup(ctx context.Context) error { d.calls = append(d.calls, "cleanup"); return nil }

func (d *fakeDriver) CheckoutAndMerge(ctx context.Context, into, from string) error {
	d.calls = append(d.calls, "merge "+from+" into "+into)
	return nil
}

func (d *fakeDriver) Push(ctx context.Context, refspec string) error {
	d.calls = append(d.calls, "push "+refspec)
	return nil
}

func (d *fakeDriver) DeleteRemote(ctx context.Context, branch string) error {
	d.calls = append(d.calls, "delete "+branch)
	return nil
}

func (d *fakeDriver) StageCoalesced(ctx context.Context, mergeRID int64, branch string, featureBranches []string) (string, error) {
	d.calls = append(d.calls, fmt.Sprintf("stage %d %s [%s]", mergeRID, branch, strings.Join(featureBranches, " ")))
	if d.stageErr != nil {
		return "", d.stageErr
	}
	return workspace.StagingBranch(mergeRID), nil
}

// fakeRunner pops one scripted result per Run call.
type fakeRunner struct {
	results    []steps.Result
	runs       int
	submitRuns [][]string
	submitRes  steps.Result
	changeIDs  [][]string
}

func (r *fakeRunner) Run(ctx context.Context) steps.Result {
	res := r.results[r.runs]
	r.runs++
	return res
}

func (r *fakeRunner) RunOne(ctx context.Context, argv []string) steps.Result {
	r.submitRuns = append(r.submitRuns, argv)
	return r.submitRes
}

func testConfig(t *testing.T, coalesceCount int) *config.Config {
	cfg := &config.Config{
		DBPath:  ":memory:",
		LogPath: t.TempDir(),
		Gerrit: config.GerritConfig{
			Rest: config.RestConfig{URL: "https://gerrit.example.com"},
			SSH:  config.SSHConfig{Username: "mq-daemon", Host: "gerrit.example.com"},
		},
		Webfront: config.WebfrontConfig{URL: "https://mq.example.com"},
		Daemon: config.DaemonConfig{
			Queues:        [][]string{{"toys/smallship", "master"}},
			WorkspacePath: t.TempDir(),
			CoalesceCount: coalesceCount,
		},
		Queues: []*config.QueueSpec{{
			Project:        "toys/smallship",
			Branch:         "master",
			BuildSteps:     [][]string{{"make", "test"}},
			SubmitWithRest: true,
		}},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func testScheduler(t *testing.T, cfg *config.Config, g gerrit.Gerrit, okRuns int) (*Scheduler, *fakeDriver, *fakeRunner) {
	store, err := db.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	s := New(cfg, store, g)
	driver := &fakeDriver{}
	runner := &fakeRunner{submitRes: steps.Result{Status: db.StatusSuccess, Message: "ok"}}
	for i := 0; i < okRuns; i++ {
		runner.results = append(runner.results, steps.Result{Status: db.StatusSuccess, Message: "ok"})
	}
	s.newWorkspace = func(spec *config.QueueSpec) Driver { return driver }
	s.newRunner = func(spec *config.QueueSpec, dir string, changeIDs []string, mergeRID int64, stdout, stderr io.Writer) Runner {
		runner.changeIDs = append(runner.changeIDs, changeIDs)
		return runner
	}
	return s, driver, runner
}

func entry(changeID, feature string, ownerID int64) *db.QueueEntry {
	meta := footers.Meta{}
	if feature != "" {
		meta[footers.FeatureBranch] = feature
	}
	return &db.QueueEntry{
		ChangeInfo: db.ChangeInfo{
			PollID:          1,
			QueueTime:       time.Date(2016, 2, 25, 1, 0, 0, 0, time.UTC),
			Priority:        100,
			ChangeID:        changeID,
			Project:         "toys/smallship",
			Branch:          "master",
			Subject:         "subject of " + changeID,
			CurrentRevision: "rev-" + changeID,
			OwnerID:         ownerID,
			MessageMeta:     meta.ToJSON(),
		},
		Owner: &db.AccountInfo{RID: ownerID, Name: "Dev", Email: "dev@example.com", Username: "dev"},
	}
}

// submittedIDs extracts the change ids of the Submit calls, in order.
func submittedIDs(g *mocks.Gerrit) []string {
	ids := []string{}
	for _, call := range g.Calls {
		if call.Method == "Submit" {
			ids = append(ids, call.Arguments.String(1))
		}
	}
	return ids
}

func TestSerialVerifySuccess(t *testing.T) {
	unittest.SmallTest(t)

	g := &mocks.Gerrit{}
	g.On("SetReview", mock.Anything, "Iaaa", "rev-Iaaa", mock.Anything,
		map[string]int{gerrit.MergeQueueLabel: gerrit.MergeQueueNone}, gerrit.NotifyNone).Return(nil).Once()
	g.On("Submit", mock.Anything, "Iaaa").Return(nil).Once()
	g.On("SetReview", mock.Anything, "Iaaa", "rev-Iaaa", mock.Anything,
		map[string]int{gerrit.MergeQueueLabel: gerrit.MergeQueueApprove}, gerrit.NotifyNone).Return(nil).Once()

	cfg := testConfig(t, 0)
	s, driver, runner := testScheduler(t, cfg, g, 1)

	require.NoError(t, s.Tick(context.Background(), []*db.QueueEntry{entry("Iaaa", "feat/a", 7)}))
	g.AssertExpectations(t)

	require.Equal(t, []string{
		"get",
		"fetch",
		"cleanup",
		"stage 1 master [feat/a]",
		"push feat/a",
		"cleanup",
		"delete mergequeue_000001",
	}, driver.calls)
	require.Equal(t, [][]string{{"Iaaa"}}, runner.changeIDs)

	record, err := s.store.GetMerge(1)
	require.NoError(t, err)
	require.Equal(t, db.StatusSuccess, record.Status)
	require.Len(t, record.Changes, 1)
	require.Equal(t, "feat/a", record.Changes[0].FeatureBranch)
	require.Equal(t, "Dev", record.Changes[0].Owner.Name)

	// Logs were gzipped and the originals truncated to stubs.
	for _, ext := range []string{"log", "stdout", "stderr"} {
		stub, err := os.Stat(logPath(cfg.LogPath, 1, ext))
		require.NoError(t, err)
		require.Equal(t, int64(0), stub.Size())
		gz, err := os.Stat(logPath(cfg.LogPath, 1, ext) + ".gz")
		require.NoError(t, err)
		require.True(t, gz.Size() > 0)
	}
}

func TestCoalescedVerifySuccess(t *testing.T) {
	unittest.SmallTest(t)

	g := &mocks.Gerrit{}
	g.On("SetReview", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything).Return(nil)
	g.On("Submit", mock.Anything, mock.Anything).Return(nil)

	cfg := testConfig(t, 4)
	s, driver, runner := testScheduler(t, cfg, g, 1)

	queue := []*db.QueueEntry{
		entry("Iaaa", "feat/a", 7),
		entry("Ibbb", "feat/b", 8),
		entry("Iccc", "feat/c", 9),
	}
	require.NoError(t, s.Tick(context.Background(), queue))

	// One coalesced verification covering all three, staged in queue order.
	require.Equal(t, 1, runner.runs)
	require.Contains(t, driver.calls, "stage 1 master [feat/a feat/b feat/c]")
	require.Equal(t, []string{"Iaaa", "Ibbb", "Iccc"}, submittedIDs(g))

	record, err := s.store.GetMerge(1)
	require.NoError(t, err)
	require.Equal(t, db.StatusSuccess, record.Status)
	require.Len(t, record.Changes, 3)
}

func TestCoalescedFailureFallsBackToSerial(t *testing.T) {
	unittest.SmallTest(t)

	g := &mocks.Gerrit{}
	g.On("SetReview", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything).Return(nil)
	g.On("Submit", mock.Anything, "Iaaa").Return(nil).Once()

	cfg := testConfig(t, 4)
	s, driver, runner := testScheduler(t, cfg, g, 0)
	runner.results = []steps.Result{
		{Status: db.StatusStepFailed, Message: "step 0 (make test) returned 2"},
		{Status: db.StatusSuccess, Message: "ok"},
	}

	queue := []*db.QueueEntry{
		entry("Iaaa", "feat/a", 7),
		entry("Ibbb", "feat/b", 8),
	}
	require.NoError(t, s.Tick(context.Background(), queue))
	g.AssertExpectations(t)

	// The failed coalesced attempt falls through to a serial verification of
	// the head within the same tick.
	require.Equal(t, 2, runner.runs)
	require.Contains(t, driver.calls, "stage 1 master [feat/a feat/b]")
	require.Contains(t, driver.calls, "stage 2 master [feat/a]")

	coalesced, err := s.store.GetMerge(1)
	require.NoError(t, err)
	require.Equal(t, db.StatusStepFailed, coalesced.Status)
	serial, err := s.store.GetMerge(2)
	require.NoError(t, err)
	require.Equal(t, db.StatusSuccess, serial.Status)

	// Ibbb stays dirty, so the next tick verifies it singly even though the
	// queue still has company behind it.
	runner.results = append(runner.results, steps.Result{Status: db.StatusSuccess, Message: "ok"})
	g.On("Submit", mock.Anything, "Ibbb").Return(nil).Once()
	queue = []*db.QueueEntry{
		entry("Ibbb", "feat/b", 8),
		entry("Iccc", "feat/c", 9),
	}
	require.NoError(t, s.Tick(context.Background(), queue))
	require.Equal(t, 3, runner.runs)
	require.Contains(t, driver.calls, "stage 3 master [feat/b]")
}

func TestSubmitStopsOnFirstFailure(t *testing.T) {
	unittest.SmallTest(t)

	g := &mocks.Gerrit{}
	g.On("SetReview", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything).Return(nil)
	g.On("Submit", mock.Anything, "Iaaa").Return(nil)
	g.On("Submit", mock.Anything, "Ibbb").Return(skerr.Fmt(`Gerrit refused to submit change Ibbb: status "MERGED"`))

	cfg := testConfig(t, 4)
	s, _, _ := testScheduler(t, cfg, g, 2)

	queue := []*db.QueueEntry{
		entry("Iaaa", "feat/a", 7),
		entry("Ibbb", "feat/b", 8),
		entry("Iccc", "feat/c", 9),
	}
	require.NoError(t, s.Tick(context.Background(), queue))

	// Iccc is left unsubmitted once Ibbb is refused.
	g.AssertNotCalled(t, "Submit", mock.Anything, "Iccc")

	record, err := s.store.GetMerge(1)
	require.NoError(t, err)
	require.Equal(t, db.StatusStepFailed, record.Status)
	require.Contains(t, record.Progress, "Ibbb")
}

func TestMissingFeatureBranchFailsBeforeWorkspace(t *testing.T) {
	unittest.SmallTest(t)

	g := &mocks.Gerrit{}
	// Only the result comment goes out, with a -1 for the serial failure.
	g.On("SetReview", mock.Anything, "Iaaa", "rev-Iaaa", mock.Anything,
		map[string]int{gerrit.MergeQueueLabel: gerrit.MergeQueueReject}, "").Return(nil).Once()

	cfg := testConfig(t, 0)
	s, driver, runner := testScheduler(t, cfg, g, 0)

	require.NoError(t, s.Tick(context.Background(), []*db.QueueEntry{entry("Iaaa", "", 7)}))
	g.AssertExpectations(t)

	require.Empty(t, driver.calls)
	require.Equal(t, 0, runner.runs)

	record, err := s.store.GetMerge(1)
	require.NoError(t, err)
	require.Equal(t, db.StatusStepFailed, record.Status)
	require.Contains(t, record.Progress, "Feature-Branch")
}

func TestSubmitCmdPath(t *testing.T) {
	unittest.SmallTest(t)

	g := &mocks.Gerrit{}
	g.On("SetReview", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything).Return(nil)

	cfg := testConfig(t, 0)
	cfg.Queues[0].SubmitWithRest = false
	cfg.Queues[0].SubmitCmd = []string{"tools/land.sh"}
	require.NoError(t, cfg.Queues[0].Validate())

	s, driver, runner := testScheduler(t, cfg, g, 1)

	require.NoError(t, s.Tick(context.Background(), []*db.QueueEntry{entry("Iaaa", "feat/a", 7)}))

	// The change is merged onto the target locally, then the submit command
	// lands it; the REST submit endpoint is never used.
	require.Contains(t, driver.calls, "merge feat/a into master")
	require.Equal(t, [][]string{{"tools/land.sh"}}, runner.submitRuns)
	g.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)

	record, err := s.store.GetMerge(1)
	require.NoError(t, err)
	require.Equal(t, db.StatusSuccess, record.Status)
}

func TestSilentSuppressesReviews(t *testing.T) {
	unittest.SmallTest(t)

	g := &mocks.Gerrit{}
	g.On("Submit", mock.Anything, "Iaaa").Return(nil).Once()

	cfg := testConfig(t, 0)
	cfg.Daemon.Silent = true
	s, driver, _ := testScheduler(t, cfg, g, 1)

	require.NoError(t, s.Tick(context.Background(), []*db.QueueEntry{entry("Iaaa", "feat/a", 7)}))
	g.AssertExpectations(t)

	// Silent mode still submits, but posts no comments and pushes no
	// feature branches.
	g.AssertNotCalled(t, "SetReview", mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything, mock.Anything)
	require.NotContains(t, driver.calls, "push feat/a")
}

func TestNoMatchingQueueDoesNothing(t *testing.T) {
	unittest.SmallTest(t)

	g := &mocks.Gerrit{}
	cfg := testConfig(t, 0)
	s, driver, runner := testScheduler(t, cfg, g, 0)

	other := entry("Izzz", "feat/z", 7)
	other.Project = "toys/bigship"
	require.NoError(t, s.Tick(context.Background(), []*db.QueueEntry{other}))

	require.Empty(t, driver.calls)
	require.Equal(t, 0, runner.runs)
	_, err := s.store.LatestMerge()
	require.Equal(t, db.ErrNotFound, err)
}
