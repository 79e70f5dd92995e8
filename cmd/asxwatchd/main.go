// asxwatchd serves the watch set, the watchlist and the market data proxy over HTTP.
// Settings come from ASXWATCH_* environment variables and an optional .env file.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/johnsiilver/asxwatch/config"
	"github.com/johnsiilver/asxwatch/persist"
	"github.com/johnsiilver/asxwatch/server"
	"github.com/johnsiilver/asxwatch/state/middleware"
	"github.com/johnsiilver/asxwatch/stocks"
	"github.com/johnsiilver/asxwatch/watchlist"
	"github.com/johnsiilver/asxwatch/watchset"
)

var (
	envFile = flag.String("env", ".env", "dotenv file to load before reading the environment")
	addr    = flag.String("addr", "", "listen address, overrides ASXWATCH_LISTEN_ADDR")
	debug   = flag.Bool("debug", false, "write a diff of every watch set change to stderr")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		glog.Exit(err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	kv, closer, err := cfg.OpenKV()
	if err != nil {
		glog.Exitf("opening %s store: %s", cfg.StoreBackend, err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wl := watchlist.Open(ctx, persist.NewSet(kv), persist.WatchlistKey)

	logging := &middleware.Logging{}
	if *debug {
		logging.Debug = os.Stderr
	}

	quotes, company := cfg.Fetchers()
	trending := stocks.Trending(cfg.TrendingCount)
	m, err := watchset.New(watchset.Config{
		Fetcher:         quotes,
		Company:         company,
		Scheduler:       cfg.Scheduler(),
		Backoff:         cfg.Backoff(),
		FetchTimeout:    cfg.FetchTimeout,
		MaxConcurrent:   cfg.MaxConcurrentFetches,
		Trending:        trending,
		Watchlist:       wl,
		IdleThreshold:   cfg.IdleThreshold,
		CleanupInterval: cfg.CleanupInterval,
		RefreshTick:     cfg.RefreshTick,
		Middleware:      logging.Middleware(),
	})
	if err != nil {
		glog.Exit(err)
	}
	defer m.Close()
	m.Start(ctx)

	opts := server.Options{Trending: trending}
	if cfg.QuoteSource == config.SourceAPI {
		opts.UpstreamURL = cfg.APIBaseURL
		opts.APIKey = cfg.APIKey
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(m, wl, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		glog.Infof("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			glog.Errorf("shutdown: %s", err)
		}
	}()

	glog.Infof("watchset %s serving on %s", m.ID(), cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("ListenAndServe: %s", err)
	}
	glog.Flush()
}
