// Package daemon runs the long lived merge loop: poll Gerrit, refresh the
// queue cache, and hand the head of the queue to the scheduler.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheshirekow/gerrit-mq/go/config"
	"github.com/cheshirekow/gerrit-mq/go/db"
	"github.com/cheshirekow/gerrit-mq/go/exec"
	"github.com/cheshirekow/gerrit-mq/go/gerrit"
	"github.com/cheshirekow/gerrit-mq/go/metrics2"
	"github.com/cheshirekow/gerrit-mq/go/poller"
	"github.com/cheshirekow/gerrit-mq/go/scheduler"
	"github.com/cheshirekow/gerrit-mq/go/skerr"
	"github.com/cheshirekow/gerrit-mq/go/sklog"
)

// Daemon owns the main loop of the merge queue backend.
type Daemon struct {
	cfg      *config.Config
	store    db.Store
	manifest *WatchManifest

	// poll and tick are seams for tests.
	poll  func(ctx context.Context) (int, error)
	tick  func(ctx context.Context, queue []*db.QueueEntry) error
	sleep func(ctx context.Context, d time.Duration)
}

// New wires a poller and scheduler into a Daemon. The manifest may be nil,
// in which case the daemon never restarts itself.
func New(cfg *config.Config, store db.Store, g gerrit.Gerrit, manifest *WatchManifest) *Daemon {
	p := poller.New(g, store)
	s := scheduler.New(cfg, store, g)
	return &Daemon{
		cfg:      cfg,
		store:    store,
		manifest: manifest,
		poll:     p.PollOnce,
		tick:     s.Tick,
		sleep:    sleepCtx,
	}
}

// sleepCtx sleeps for the given duration or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// prepCcache creates the compiler cache directory and applies the configured
// size cap. Failure only costs build speed so it is not fatal.
func (d *Daemon) prepCcache(ctx context.Context) {
	cc := d.cfg.Daemon.Ccache
	if cc == nil {
		return
	}
	if err := os.MkdirAll(cc.Path, 0755); err != nil {
		sklog.Warningf("Failed to create ccache dir %s: %s", cc.Path, err)
		return
	}
	err := exec.Run(ctx, &exec.Command{
		Name:       "ccache",
		Args:       []string{"-M", cc.Size},
		Env:        []string{"CCACHE_DIR=" + cc.Path},
		InheritEnv: true,
	})
	if err != nil {
		sklog.Warningf("Failed to size ccache: %s", err)
	}
}

// Run executes the merge loop until the context is canceled or a SIGINT or
// SIGTERM arrives. Only pidfile conflicts and storage errors at startup are
// fatal; per-lap errors are logged and the loop continues.
func (d *Daemon) Run(ctx context.Context) error {
	if err := AcquirePidfile(d.cfg.Daemon.PidfilePath); err != nil {
		return skerr.Wrap(err)
	}
	defer ReleasePidfile(d.cfg.Daemon.PidfilePath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			sklog.Warningf("Caught %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// A merge which was IN_PROGRESS when the previous daemon died will never
	// finish; cancel it so its changes can be retried.
	if n, err := d.store.MarkStaleInProgress(); err != nil {
		return skerr.Wrap(err)
	} else if n > 0 {
		sklog.Warningf("Canceled %d stale in-progress merges", n)
	}
	d.prepCcache(ctx)

	pollPeriod := d.cfg.Daemon.PollPeriod()
	lv := metrics2.NewLiveness("merge_queue_loop", nil)
	paused := false
	for ctx.Err() == nil {
		if d.manifest != nil {
			if err := d.manifest.RestartIfModified(d.cfg.Daemon.PidfilePath); err != nil {
				sklog.Errorf("Failed to restart: %s", err)
			}
		}
		// The sentinel pauses merging but not the restart watchdog, so an
		// upgrade still lands while the queue is held.
		if _, err := os.Stat(d.cfg.Daemon.OfflineSentinelPath); err == nil {
			if !paused {
				sklog.Infof("Offline sentinel exists, bypassing merges")
				paused = true
			}
			d.sleep(ctx, time.Second)
			continue
		}
		if paused {
			sklog.Infof("Offline sentinel removed, continuing")
			paused = false
		}
		lapStart := time.Now()
		if _, err := d.poll(ctx); err != nil {
			sklog.Errorf("Error retrieving merge requests from gerrit: %s", err)
			d.sleep(ctx, pollPeriod)
			continue
		}
		_, queue, err := d.store.GetQueue("", "", 0, 0)
		if err != nil {
			sklog.Errorf("Failed to load queue: %s", err)
			d.sleep(ctx, pollPeriod)
			continue
		}
		if err := d.tick(ctx, queue); err != nil {
			sklog.Errorf("Scheduler tick failed: %s", err)
		}
		lv.Reset()
		// If the lap was faster than the poll period, wait out the remainder
		// to avoid hammering the Gerrit API.
		if rest := pollPeriod - time.Since(lapStart); rest > 0 {
			d.sleep(ctx, rest)
		}
	}
	sklog.Infof("Exiting main loop")
	return nil
}
