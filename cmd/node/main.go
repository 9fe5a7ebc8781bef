// cmd/node is the SFU node executable: it owns streams, publishers,
// subscribers, data channels, and outbound cascade clients, and
// exposes the WHIP/WHEP/admin HTTP surface.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/riftcast/sfu/internal/adminfeed"
	"github.com/riftcast/sfu/internal/auth"
	"github.com/riftcast/sfu/internal/cascade"
	"github.com/riftcast/sfu/internal/config"
	"github.com/riftcast/sfu/internal/httpapi"
	"github.com/riftcast/sfu/internal/logging"
	"github.com/riftcast/sfu/internal/metrics"
	"github.com/riftcast/sfu/internal/session"
	"github.com/riftcast/sfu/internal/stream"
	"github.com/riftcast/sfu/internal/transport"
)

func main() {
	configPath := flag.String("config", "node.toml", "path to node TOML config")
	listen := flag.String("listen", "", "override http.listen from config")
	logLevel := flag.String("log-level", "", "override log.level from config")
	validateOnly := flag.Bool("validate", false, "validate the config file and exit")
	flag.Parse()

	cfg := config.DefaultNodeConfig()
	var notes []string
	if config.Exists(*configPath) {
		loaded, n, err := config.LoadNode(*configPath)
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
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log := logging.New(cfg.Log.Level)
	entry := log.WithField("node", cfg.HTTP.Listen)
	for _, n := range notes {
		entry.Warn(n)
	}

	m := metrics.New()

	facade, err := transport.NewFacade(50000, 50100)
	if err != nil {
		entry.WithError(err).Fatal("failed to construct transport facade")
	}

	registry := stream.NewRegistry(facade, m, entry, stream.Limits{
		MaxSubscribersPerStream: cfg.Strategy.EachStreamMaxSub,
		PublisherLeaveGrace:     cfg.PublisherLeaveGrace(),
		LayerSwitchTimeout:      cfg.LayerSwitchTimeout(),
		IdleCheckTick:           cfg.CheckTick(),
	})
	defer registry.Stop()

	sessions := session.NewManager()

	cascadeCtl := cascade.New(registry, facade, cfg.Cascade, cfg.Strategy.CascadePushCloseSub, m, entry)
	defer cascadeCtl.Stop()

	authn, err := auth.New(cfg.Auth.Tokens, cfg.Auth.Accounts)
	if err != nil {
		entry.WithError(err).Fatal("invalid auth config")
	}
	var streamTokens *auth.StreamTokenMinter
	if cfg.Auth.Secret != "" {
		streamTokens = auth.NewStreamTokenMinter(cfg.Auth.Secret)
	}

	feed := adminfeed.NewHub(entry)
	defer feed.Stop()

	srv := httpapi.NewServer(httpapi.Config{
		Registry:     registry,
		Sessions:     sessions,
		Facade:       facade,
		Auth:         authn,
		StreamTokens: streamTokens,
		Cascade:      cascadeCtl,
		Feed:         feed,
		Metrics:      m,
		Log:          entry,
		CORS:         cfg.HTTP.CORS,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})

	httpSrv := &http.Server{Addr: cfg.HTTP.Listen, Handler: srv.Engine}
	go func() {
		entry.WithField("addr", cfg.HTTP.Listen).Info("node listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Fatal("http server failed")
		}
	}()

	waitForShutdown(entry, httpSrv)

	// Close every session by destroying its stream (which closes each
	// attached peer) before the deferred component stops release the
	// background loops.
	for _, snap := range registry.List() {
		_ = registry.Destroy(snap.ID)
	}
}

// waitForShutdown blocks until SIGINT/SIGTERM, then shuts the listener
// down with a short drain window before the deferred component stops
// run.
func waitForShutdown(log *logrus.Entry, httpSrv *http.Server) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("graceful shutdown did not complete in time")
	}
}
