package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/zrs/internal/pipeline"
	"github.com/estuary/zrs/internal/store"
	"github.com/estuary/zrs/internal/zrsconfig"
)

// Config is the top-level configuration of the zrs-secondary process.
var Config = new(zrsconfig.Config)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	zrsconfig.InitLog(Config.Log)
	log.WithField("config", Config).Info("zrs-secondary configuration")

	if Config.Replication.ReplicateFrom == "" {
		log.Fatal("zrs-secondary requires --replication.from")
	}

	st, err := store.OpenFileStore(filepath.Base(Config.Store.Path), Config.Store.Path)
	if err != nil {
		log.WithField("err", err).Fatal("opening store")
	}

	reg := prometheus.NewRegistry()
	pl, err := pipeline.New(*Config, st, reg)
	if err != nil {
		log.WithField("err", err).Fatal("building replication pipeline")
	}

	if Config.Metrics.Address != "" {
		var mux = http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		var srv = &http.Server{Addr: Config.Metrics.Address, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithField("err", err).Error("metrics server failed")
			}
		}()
	}

	var ctx = context.Background()
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-signalCh
		log.WithField("signal", sig).Info("caught signal")
		if err := pl.Close(); err != nil {
			log.WithField("err", err).Error("closing replication pipeline")
		}
	}()

	log.WithField("addr", Config.Replication.ReplicateFrom).Info("replicating transaction log")
	if err := pl.Run(ctx); err != nil {
		log.WithField("err", err).Fatal("zrs-secondary task failed")
	}
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as a zrs secondary", `
Replicate a primary's transaction log into the local store until signaled
to exit (via SIGTERM or SIGINT). Also serves the replicated log onward to
further secondaries if --replication.to is set, forming a cascade.
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
