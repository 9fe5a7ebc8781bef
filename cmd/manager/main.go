// cmd/manager is the cluster-level executable: a
// stateless-modulo-directory router that accepts WHIP/WHEP, picks a
// node, proxies the SDP exchange, and supervises cascades between
// nodes.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riftcast/sfu/internal/auth"
	"github.com/riftcast/sfu/internal/config"
	"github.com/riftcast/sfu/internal/logging"
	"github.com/riftcast/sfu/internal/manager"
	"github.com/riftcast/sfu/internal/metrics"
)

func main() {
	configPath := flag.String("config", "manager.toml", "path to manager TOML config")
	listen := flag.String("listen", "", "override http.listen from config")
	validateOnly := flag.Bool("validate", false, "validate the config file and exit")
	flag.Parse()

	cfg := config.DefaultManagerConfig()
	var notes []string
	if config.Exists(*configPath) {
		loaded, n, err := config.LoadManager(*configPath)
		if err != nil {
			logging.New("info").Fatalf("config: %v", err)
		}
		cfg, notes = loaded, n
	}
	if *validateOnly {
		os.Exit(0)
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}

	log := logging.New(cfg.Log.Level)
	entry := log.WithField("manager", cfg.HTTP.Listen)
	for _, n := range notes {
		entry.Warn(n)
	}

	m := metrics.New()

	dir, err := manager.OpenDirectory(cfg.DirectoryDSN)
	if err != nil {
		entry.WithError(err).Fatal("failed to open manager directory")
	}
	for _, n := range cfg.Nodes {
		if err := dir.UpsertNode(manager.NodeRecord{
			Alias: n.Alias, URL: n.URL, Auth: n.Auth, PubMax: n.PubMax, SubMax: n.SubMax,
		}); err != nil {
			entry.WithError(err).WithField("node", n.Alias).Fatal("failed to register configured node")
		}
	}
	m.ManagerNodesTotal.Set(float64(len(cfg.Nodes)))

	router := manager.NewRouter(dir, cfg.Cascade, cfg.Auth.Secret, m, entry)
	defer router.Stop()

	authn, err := auth.New(cfg.Auth.Tokens, cfg.Auth.Accounts)
	if err != nil {
		entry.WithError(err).Fatal("invalid auth config")
	}

	srv := manager.NewServer(manager.ServerConfig{Router: router, Dir: dir, Auth: authn, Metr: m, Log: entry, CORS: cfg.HTTP.CORS})

	httpSrv := &http.Server{Addr: cfg.HTTP.Listen, Handler: srv.Engine}
	go func() {
		entry.WithField("addr", cfg.HTTP.Listen).Info("manager listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Fatal("http server failed")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	entry.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		entry.WithError(err).Warn("graceful shutdown did not complete in time")
	}
}
