// Package scheduler decides which queued changes to verify next and drives
// each verification end to end: staging the merge, running the build steps,
// submitting on success and reporting the outcome back to the review.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cheshirekow/gerrit-mq/go/config"
	"github.com/cheshirekow/gerrit-mq/go/db"
	"github.com/cheshirekow/gerrit-mq/go/footers"
	"github.com/cheshirekow/gerrit-mq/go/gerrit"
	"github.com/cheshirekow/gerrit-mq/go/metrics2"
	"github.com/cheshirekow/gerrit-mq/go/sklog"
	"github.com/cheshirekow/gerrit-mq/go/steps"
	"github.com/cheshirekow/gerrit-mq/go/workspace"
)

const (
	inSubmissionTpl = `Gerrit Merge-Queue has started to merge this change as merge #%d.
%s/detail.html?merge_id=%d
`
	resultTpl = `Merge #%d %s.
%s/detail.html?merge_id=%d
`
)

// Driver is the slice of the workspace the scheduler drives. Implemented by
// *workspace.Workspace.
type Driver interface {
	Dir() string
	Get(ctx context.Context) error
	Fetch(ctx context.Context) error
	Cleanup(ctx context.Context) error
	CheckoutAndMerge(ctx context.Context, into, from string) error
	Push(ctx context.Context, refspec string) error
	DeleteRemote(ctx context.Context, branch string) error
	StageCoalesced(ctx context.Context, mergeRID int64, branch string, featureBranches []string) (string, error)
}

// Runner runs build steps against a staged workspace. Implemented by
// *steps.Runner.
type Runner interface {
	Run(ctx context.Context) steps.Result
	RunOne(ctx context.Context, argv []string) steps.Result
}

// queueKey identifies one queue spec.
type queueKey struct {
	project string
	name    string
}

// Scheduler holds the per-queue state which survives between ticks.
type Scheduler struct {
	cfg    *config.Config
	store  db.Store
	gerrit gerrit.Gerrit

	// dirty tracks change ids whose last coalesced verification failed and
	// which must therefore be verified singly until they pass.
	dirty map[queueKey]map[string]bool

	workspaces map[queueKey]Driver

	// Construction seams, overridable in tests.
	newWorkspace func(spec *config.QueueSpec) Driver
	newRunner    func(spec *config.QueueSpec, dir string, changeIDs []string, mergeRID int64, stdout, stderr io.Writer) Runner
}

// New returns a Scheduler serving the daemon queues of the given config.
func New(cfg *config.Config, store db.Store, g gerrit.Gerrit) *Scheduler {
	s := &Scheduler{
		cfg:        cfg,
		store:      store,
		gerrit:     g,
		dirty:      map[queueKey]map[string]bool{},
		workspaces: map[queueKey]Driver{},
	}
	s.newWorkspace = func(spec *config.QueueSpec) Driver {
		return workspace.New(spec, cfg.Daemon.WorkspacePath, &cfg.Gerrit.SSH)
	}
	s.newRunner = func(spec *config.QueueSpec, dir string, changeIDs []string, mergeRID int64, stdout, stderr io.Writer) Runner {
		ccacheDir := ""
		if cfg.Daemon.Ccache != nil {
			ccacheDir = cfg.Daemon.Ccache.Path
		}
		return steps.New(spec, dir, changeIDs, mergeRID, stdout, stderr, g, store, ccacheDir)
	}
	return s
}

// workspaceFor returns the cached Driver for the queue, creating it on first
// use.
func (s *Scheduler) workspaceFor(spec *config.QueueSpec) Driver {
	key := queueKey{spec.Project, spec.Name}
	w, ok := s.workspaces[key]
	if !ok {
		w = s.newWorkspace(spec)
		s.workspaces[key] = w
	}
	return w
}

// Tick performs at most one verification against the given queue snapshot.
// One verification per tick keeps the daemon responsive to queue reordering
// and to the offline sentinel.
func (s *Scheduler) Tick(ctx context.Context, queue []*db.QueueEntry) error {
	var spec *config.QueueSpec
	var head *db.QueueEntry
	for _, entry := range queue {
		if q := s.cfg.MatchQueue(entry.Project, entry.Branch); q != nil {
			spec, head = q, entry
			break
		}
	}
	if spec == nil {
		return nil
	}

	requestQueue := []*db.QueueEntry{}
	for _, entry := range queue {
		if entry.Project == head.Project && entry.Branch == head.Branch {
			requestQueue = append(requestQueue, entry)
		}
	}

	key := queueKey{spec.Project, spec.Name}
	dirty := s.dirty[key]
	if dirty == nil {
		dirty = map[string]bool{}
		s.dirty[key] = dirty
	}

	if spec.CoalesceCount > 0 && len(requestQueue) > 1 {
		batch := []*db.QueueEntry{}
		for _, entry := range requestQueue {
			if len(batch) == spec.CoalesceCount || dirty[entry.ChangeID] {
				break
			}
			batch = append(batch, entry)
		}
		if len(batch) > 1 {
			if status := s.verify(ctx, spec, batch, true); status == db.StatusSuccess {
				for _, entry := range batch {
					delete(dirty, entry.ChangeID)
				}
				return nil
			}
			// A failed coalesced batch falls back to verifying the head
			// alone; every member stays dirty until it passes singly.
			for _, entry := range batch {
				dirty[entry.ChangeID] = true
			}
		}
	}

	if status := s.verify(ctx, spec, requestQueue[:1], false); status == db.StatusSuccess {
		delete(dirty, requestQueue[0].ChangeID)
	}
	return nil
}

// verify runs the whole pipeline for one merge attempt and returns its final
// status.
func (s *Scheduler) verify(ctx context.Context, spec *config.QueueSpec, entries []*db.QueueEntry, coalesced bool) int {
	for _, entry := range entries {
		if entry.Owner != nil {
			if err := s.store.UpsertAccount(entry.Owner); err != nil {
				sklog.Warningf("Failed to upsert owner of %s: %s", entry.ChangeID, err)
			}
		}
	}

	rid, err := s.store.CreateMerge(spec.Project, entries[0].Branch, time.Now().UTC())
	if err != nil {
		sklog.Errorf("Failed to create merge record for %s/%s: %s", spec.Project, spec.Name, err)
		return db.StatusStepFailed
	}
	sklog.Infof("Starting merge %d of %d change(s) on %s/%s", rid, len(entries), spec.Project, spec.Name)

	changeIDs := make([]string, 0, len(entries))
	features := make([]string, 0, len(entries))
	missing := []string{}
	for _, entry := range entries {
		meta, err := footers.FromJSON(entry.MessageMeta)
		if err != nil {
			sklog.Warningf("Bad message meta on %s: %s", entry.ChangeID, err)
			meta = footers.Meta{}
		}
		feature := meta.FeatureBranch()
		if feature == "" {
			missing = append(missing, entry.ChangeID)
		}
		changeIDs = append(changeIDs, entry.ChangeID)
		features = append(features, feature)
		if err := s.store.AppendMergeChange(rid, &db.MergeChange{
			ChangeID:      entry.ChangeID,
			OwnerID:       entry.OwnerID,
			FeatureBranch: feature,
			RequestTime:   entry.QueueTime,
			MsgMeta:       entry.MessageMeta,
		}); err != nil {
			sklog.Errorf("Failed to attach change %s to merge %d: %s", entry.ChangeID, rid, err)
		}
	}

	logs, err := openMergeLogs(s.cfg.LogPath, rid)
	if err != nil {
		progress := fmt.Sprintf("failed to open merge logs: %s", err)
		sklog.Errorf("%s", progress)
		s.finish(ctx, spec, entries, rid, coalesced, db.StatusStepFailed, progress, nil)
		return db.StatusStepFailed
	}
	fmt.Fprintf(logs.app, "Merge %d of %s onto %s\n", rid, strings.Join(changeIDs, ", "), entries[0].Branch)

	var status int
	var progress string
	if len(missing) > 0 {
		// Without a Feature-Branch footer there is nothing to stage, so the
		// merge fails before any workspace work.
		status = db.StatusStepFailed
		progress = fmt.Sprintf("no Feature-Branch footer on %s", strings.Join(missing, ", "))
		fmt.Fprintln(logs.app, progress)
	} else {
		status, progress = s.runVerification(ctx, spec, entries, changeIDs, features, rid, logs)
	}

	s.finish(ctx, spec, entries, rid, coalesced, status, progress, logs)
	return status
}

// runVerification performs the workspace and build-step portion of a merge
// attempt. The merge record and logs already exist.
func (s *Scheduler) runVerification(ctx context.Context, spec *config.QueueSpec, entries []*db.QueueEntry, changeIDs, features []string, rid int64, logs *mergeLogs) (int, string) {
	branch := entries[0].Branch

	if !s.cfg.Daemon.Silent {
		for _, entry := range entries {
			message := fmt.Sprintf(inSubmissionTpl, rid, s.cfg.Webfront.URL, rid)
			labels := map[string]int{gerrit.MergeQueueLabel: gerrit.MergeQueueNone}
			if err := s.gerrit.SetReview(ctx, entry.ChangeID, entry.CurrentRevision, message, labels, gerrit.NotifyNone); err != nil {
				sklog.Warningf("Failed to mark change %s as in submission: %s", entry.ChangeID, err)
			}
		}
	}

	w := s.workspaceFor(spec)
	fail := func(stage string, err error) (int, string) {
		progress := fmt.Sprintf("%s: %s", stage, err)
		sklog.Errorf("Merge %d: %s", rid, progress)
		fmt.Fprintln(logs.app, progress)
		if cerr := w.Cleanup(ctx); cerr != nil {
			sklog.Warningf("Failed to clean workspace after merge %d: %s", rid, cerr)
		}
		return db.StatusStepFailed, progress
	}

	if err := w.Get(ctx); err != nil {
		return db.StatusStepFailed, fmt.Sprintf("failed to open workspace: %s", err)
	}
	if err := w.Fetch(ctx); err != nil {
		return fail("failed to fetch from origin", err)
	}
	if err := w.Cleanup(ctx); err != nil {
		return fail("failed to clean the workspace", err)
	}
	staging, err := w.StageCoalesced(ctx, rid, branch, features)
	if err != nil {
		return fail("failed to stage the merge", err)
	}
	if !s.cfg.Daemon.Silent {
		// Keep the feature branches on origin in sync with the merges just
		// staged across them.
		for _, feature := range features {
			if err := w.Push(ctx, feature); err != nil {
				sklog.Warningf("Failed to push feature branch %s: %s", feature, err)
			}
		}
	}

	runner := s.newRunner(spec, w.Dir(), changeIDs, rid, logs.stdout, logs.stderr)
	result := runner.Run(ctx)
	status, progress := result.Status, result.Message

	if status == db.StatusSuccess && spec.SubmitWithRest {
		// First refusal stops the rest; the remainder needs an operator.
		for _, entry := range entries {
			if err := s.gerrit.Submit(ctx, entry.ChangeID); err != nil {
				sklog.Errorf("Merge %d: failed to submit change %s: %s", rid, entry.ChangeID, err)
				status = db.StatusStepFailed
				progress = fmt.Sprintf("failed to submit change %s: %s", entry.ChangeID, err)
				break
			}
		}
	} else if status == db.StatusSuccess {
		for i, entry := range entries {
			if err := w.CheckoutAndMerge(ctx, branch, features[i]); err != nil {
				status = db.StatusStepFailed
				progress = fmt.Sprintf("failed to merge %s for submission: %s", entry.ChangeID, err)
				break
			}
			if res := runner.RunOne(ctx, spec.SubmitCmd); res.Status != db.StatusSuccess {
				status = res.Status
				progress = res.Message
				break
			}
		}
	}

	if err := w.Cleanup(ctx); err != nil {
		sklog.Warningf("Failed to clean workspace after merge %d: %s", rid, err)
	}
	if err := w.DeleteRemote(ctx, staging); err != nil {
		sklog.Warningf("Failed to delete staging branch %s: %s", staging, err)
	}
	return status, progress
}

// finish reports the outcome on each review, finalizes the history row and
// compresses the merge logs.
func (s *Scheduler) finish(ctx context.Context, spec *config.QueueSpec, entries []*db.QueueEntry, rid int64, coalesced bool, status int, progress string, logs *mergeLogs) {
	if !s.cfg.Daemon.Silent {
		message := fmt.Sprintf(resultTpl, rid, resultString(status), s.cfg.Webfront.URL, rid)
		// A coalesced failure leaves the label untouched so the serial
		// fallback can still pick the change up.
		label := gerrit.MergeQueueNone
		notify := ""
		if status == db.StatusSuccess {
			label = gerrit.MergeQueueApprove
			// Gerrit already emails about the submission itself.
			notify = gerrit.NotifyNone
		} else if !coalesced {
			label = gerrit.MergeQueueReject
		}
		for _, entry := range entries {
			labels := map[string]int{gerrit.MergeQueueLabel: label}
			if err := s.gerrit.SetReview(ctx, entry.ChangeID, entry.CurrentRevision, message, labels, notify); err != nil {
				sklog.Warningf("Failed to set result of merge %d on change %s: %s", rid, entry.ChangeID, err)
			}
		}
	}

	if err := s.store.UpdateMergeStatus(rid, status, progress, time.Now().UTC()); err != nil {
		sklog.Errorf("Failed to finalize merge %d: %s", rid, err)
	}
	if logs != nil {
		fmt.Fprintf(logs.app, "Merge %d finished: %s (%s)\n", rid, resultString(status), progress)
		logs.closeAndCompress()
	}
	metrics2.GetCounter("merge_outcome", map[string]string{
		"project": spec.Project,
		"queue":   spec.Name,
		"result":  resultString(status),
	}).Inc(1)
	sklog.Infof("Merge %d finished: %s", rid, resultString(status))
}

// resultString renders a history status for review comments and metrics.
func resultString(status int) string {
	switch status {
	case db.StatusSuccess:
		return "successful"
	case db.StatusCanceled:
		return "canceled"
	case db.StatusTimeout:
		return "timed out"
	default:
		return "failed"
	}
}
