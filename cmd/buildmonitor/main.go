// Command buildmonitor runs the reactive build-monitoring engine:
// polling a ref source, diffing against previously seen commits, and
// dispatching bounded-concurrency builds for anything new.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/refwatch/buildmonitor/internal/build"
	"github.com/refwatch/buildmonitor/internal/buildevent"
	"github.com/refwatch/buildmonitor/internal/clock"
	"github.com/refwatch/buildmonitor/internal/config"
	"github.com/refwatch/buildmonitor/internal/dispatcher"
	"github.com/refwatch/buildmonitor/internal/httpapi"
	"github.com/refwatch/buildmonitor/internal/leader"
	"github.com/refwatch/buildmonitor/internal/logging"
	"github.com/refwatch/buildmonitor/internal/metrics"
	"github.com/refwatch/buildmonitor/internal/refs"
	"github.com/refwatch/buildmonitor/internal/seen"
	"github.com/refwatch/buildmonitor/internal/seenstore"
	"github.com/refwatch/buildmonitor/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Default().Fatal().Err(err).Msg("buildmonitor: fatal startup error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}, os.Stdout)
	log.Info().Str("repo", cfg.RepoOwner+"/"+cfg.RepoName).Int("max_concurrent", cfg.MaxConcurrent).Msg("starting build monitor")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	seenSet := seen.New()

	var durableStore *seenstore.Store
	if cfg.DurableSeenStoreEnabled() {
		durableStore, err = seenstore.Open(ctx, cfg.PostgresDSN, log)
		if err != nil {
			return fmt.Errorf("connecting seen-commit store: %w", err)
		}
		defer durableStore.Close()

		shas, err := durableStore.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("loading persisted seen commits: %w", err)
		}
		seenSet.Seed(shas)
		log.Info().Int("count", len(shas)).Msg("seeded seen-commit memory from Postgres")
	}

	fetcher := refs.NewGitHubFetcher(cfg.GitHubBaseURL, cfg.RepoOwner, cfg.RepoName, cfg.GitHubToken)
	builder := build.NewProcessBuilder()
	builder.MaxBuildDuration = cfg.MaxBuildDuration

	server := httpapi.New(registry, log)

	sinks := []buildevent.Sink{server.Sink()}
	if durableStore != nil {
		store := durableStore
		sinks = append(sinks, buildevent.SinkFunc(func(e buildevent.Event) {
			if e.Kind == buildevent.Queued {
				store.RecordAsync(e.SHA, e.RefName, e.Timestamp)
			}
		}))
	}

	dispch, err := dispatcher.New(cfg.MaxConcurrent, builder, cfg.BuildCommand, seenSet, buildevent.Multi(sinks...), m, clock.New(), log)
	if err != nil {
		return fmt.Errorf("constructing dispatcher: %w", err)
	}

	sup := supervisor.New(clock.New(), cfg.PollInterval, fetcher, dispch, seenSet, m, log)
	server.SetProviders(sup, dispch)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Handler()}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("status HTTP surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("status HTTP server failed")
		}
	}()

	// The Supervisor's own lifecycle (Start/Dispose) tracks this process's
	// lifetime, not leadership: Dispose is terminal and tears the
	// dispatcher down for good, so it must only ever be called once, at
	// actual shutdown. Leadership instead gates each tick via SetLeader,
	// which a Supervisor can toggle freely and repeatedly across
	// failover without ever stopping the clock registration.
	if cfg.LeaderElectionEnabled() {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		hostname, _ := os.Hostname()
		ownerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

		sup.SetLeader(false)

		elector := leader.NewElector(redisClient, "buildmonitor:leader", ownerID, 15*time.Second, m, log)
		elector.OnAcquired(func(leaderCtx context.Context) {
			sup.SetLeader(true)
			<-leaderCtx.Done()
			sup.SetLeader(false)
		})
		elector.Start(ctx)
		defer elector.Stop()
	}
	sup.Start()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	sup.Dispose()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	return nil
}
