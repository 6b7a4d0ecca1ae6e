// mq-fe serves the merge queue inspection API and keeps the local account
// table in sync with Gerrit.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cheshirekow/gerrit-mq/go/accounts"
	"github.com/cheshirekow/gerrit-mq/go/cleanup"
	"github.com/cheshirekow/gerrit-mq/go/common"
	"github.com/cheshirekow/gerrit-mq/go/config"
	"github.com/cheshirekow/gerrit-mq/go/db"
	"github.com/cheshirekow/gerrit-mq/go/gerrit"
	"github.com/cheshirekow/gerrit-mq/go/httputils"
	"github.com/cheshirekow/gerrit-mq/go/sklog"
	"github.com/cheshirekow/gerrit-mq/go/util"
	"github.com/cheshirekow/gerrit-mq/go/webfront"
)

var (
	configPath = flag.String("config", "mergequeue.json", "Path to the merge queue config file.")
	promPort   = flag.String("prom_port", ":20001", "Metrics service address (e.g., ':20001')")
)

const accountSyncPeriod = time.Hour

func main() {
	common.InitWithMust("mq-fe", common.PrometheusOpt(promPort))

	cfg, err := config.Load(*configPath)
	if err != nil {
		sklog.Fatalf("Failed to load config: %s", err)
	}
	store, err := db.New(cfg.DBPath)
	if err != nil {
		sklog.Fatalf("Failed to open store at %s: %s", cfg.DBPath, err)
	}
	defer util.Close(store)

	rc := &cfg.Gerrit.Rest
	var client *http.Client
	if rc.Username != "" {
		client = httputils.AddMetricsToClient(&http.Client{
			Transport: gerrit.NewAuthTransport(rc.Username, rc.Password, http.DefaultTransport),
		})
	} else {
		client = httputils.NewBackOffClient()
	}
	g := gerrit.NewClient(rc.URL, client)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleanup.Repeat(accountSyncPeriod, func() {
		if n, err := accounts.Sync(ctx, g, store); err != nil {
			sklog.Errorf("Account sync failed: %s", err)
		} else {
			sklog.Infof("Synced %d accounts", n)
		}
	}, nil)

	srv := &http.Server{
		Addr:    cfg.Webfront.Listen,
		Handler: webfront.New(cfg, store).Handler(),
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		sklog.Infof("Ready to serve on %s", cfg.Webfront.Listen)
		return srv.ListenAndServe()
	})
	eg.Go(func() error {
		<-egCtx.Done()
		cleanup.Cleanup()
		return srv.Shutdown(context.Background())
	})
	if err := eg.Wait(); err != nil && err != http.ErrServerClosed {
		sklog.Fatal(err)
	}
}
