// mq-be is the merge queue backend: it polls Gerrit for ready changes,
// verifies them one queue at a time and submits the survivors.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"

	"github.com/cheshirekow/gerrit-mq/go/common"
	"github.com/cheshirekow/gerrit-mq/go/config"
	"github.com/cheshirekow/gerrit-mq/go/daemon"
	"github.com/cheshirekow/gerrit-mq/go/db"
	"github.com/cheshirekow/gerrit-mq/go/gerrit"
	"github.com/cheshirekow/gerrit-mq/go/httputils"
	"github.com/cheshirekow/gerrit-mq/go/sklog"
	"github.com/cheshirekow/gerrit-mq/go/util"
)

var (
	configPath = flag.String("config", "mergequeue.json", "Path to the merge queue config file.")
	promPort   = flag.String("prom_port", ":20000", "Metrics service address (e.g., ':20000')")
)

// restClient builds the retrying, digest-authenticated client used against
// the Gerrit REST API.
func restClient(rc *config.RestConfig) *http.Client {
	var base http.RoundTripper = http.DefaultTransport
	if rc.DisableSSLVerification {
		base = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	base = httputils.NewConfiguredBackOffTransport(httputils.DefaultBackOffConfig(), base)
	if rc.Username != "" {
		base = gerrit.NewAuthTransport(rc.Username, rc.Password, base)
	}
	return httputils.AddMetricsToClient(&http.Client{Transport: base})
}

func main() {
	common.InitWithMust("mq-be", common.PrometheusOpt(promPort))

	cfg, err := config.Load(*configPath)
	if err != nil {
		sklog.Fatalf("Failed to load config: %s", err)
	}
	store, err := db.New(cfg.DBPath)
	if err != nil {
		sklog.Fatalf("Failed to open store at %s: %s", cfg.DBPath, err)
	}
	defer util.Close(store)

	g := gerrit.NewClient(cfg.Gerrit.Rest.URL, restClient(&cfg.Gerrit.Rest))
	manifest, err := daemon.NewWatchManifest(*configPath)
	if err != nil {
		sklog.Fatalf("Failed to build watch manifest: %s", err)
	}

	if err := daemon.New(cfg, store, g, manifest).Run(context.Background()); err != nil {
		sklog.Fatal(err)
	}
}
