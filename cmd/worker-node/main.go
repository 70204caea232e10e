package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"grid-worker-node/internal/admin"
	"grid-worker-node/internal/backoff"
	"grid-worker-node/internal/blob"
	"grid-worker-node/internal/config"
	"grid-worker-node/internal/ctxlog"
	"grid-worker-node/internal/limits"
	"grid-worker-node/internal/nodestate"
	"grid-worker-node/internal/queue"
	"grid-worker-node/internal/ratelimit"
	"grid-worker-node/internal/scheduler"
	"grid-worker-node/internal/store"
	"grid-worker-node/internal/telemetry"
	"grid-worker-node/internal/worker"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "worker-node",
	Short: "Grid worker node: fetches jobs from queue servers and runs them",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker node until it is told to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if h, _ := cmd.Flags().GetString("handler"); h != "" {
			cfg.HandlerName = h
		}
		if err := ctxlog.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
			return err
		}
		code, err := run(cfg)
		if err != nil {
			return err
		}
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		registerHandlers(config.Config{})
		fmt.Println(version)
		fmt.Println("handlers:", strings.Join(worker.RegisteredHandlers(), ", "))
	},
}

func main() {
	runCmd.Flags().String("handler", "", "job handler to run (overrides HANDLER_NAME)")
	rootCmd.AddCommand(runCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func registerHandlers(cfg config.Config) {
	worker.RegisterHandler("sleep", func() worker.Handler { return worker.NewSleepHandler() })
	worker.RegisterHandler("image-resize", func() worker.Handler {
		return worker.NewImageHandler(worker.ImageOptions{
			Width:  cfg.ImageWidth,
			Height: cfg.ImageHeight,
			Scaler: cfg.ImageScaler,
		})
	})
}

func newThrottle(cfg config.Config) ratelimit.Throttle {
	if cfg.ThrottleBackend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Servers[0],
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return ratelimit.NewTokenBucket(client, "progress:", cfg.ProgressBurst, cfg.ProgressRate, time.Hour)
	}
	return ratelimit.NewLocalThrottle(cfg.ProgressRate, cfg.ProgressBurst)
}

// run starts the node and blocks until it has shut down. The returned code
// is the process exit code.
func run(cfg config.Config) (int, error) {
	session := uuid.New().String()
	logger := ctxlog.Root().WithFields(logrus.Fields{"Node": session, "Queue": cfg.QueueName})
	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), logger))
	defer cancel()

	state := nodestate.New()

	// Bind the control port first so a second node on the same host
	// fails before touching any queue.
	ln, err := admin.Listen(cfg.ControlAddr)
	if err != nil {
		return 0, err
	}

	blobs, err := blob.FromConfig(ctx, cfg)
	if err != nil {
		return 0, fmt.Errorf("blob store: %w", err)
	}

	registerHandlers(cfg)
	factory, err := worker.LookupHandler(cfg.HandlerName)
	if err != nil {
		return 0, err
	}
	pool, err := worker.NewPool(state, factory, worker.Options{
		MaxThreads:             cfg.MaxThreads,
		CommitExpiration:       cfg.CommitExpiration,
		CommitRetry:            backoff.Policy{Initial: cfg.CommitRetryInitial, Max: cfg.CommitRetryMax},
		JobStatusCheckInterval: cfg.JobStatusCheckInterval,
		InlineOutputThreshold:  cfg.InlineOutputThreshold,
	}, worker.Deps{Throttle: newThrottle(cfg), Blobs: blobs})
	if err != nil {
		return 0, err
	}
	telemetry.Register()
	pool.AddWatcher(telemetry.Watcher{})

	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return 0, err
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			return 0, fmt.Errorf("migrations: %w", err)
		}
		journal := store.NewJournal(logger, st, session, 1024)
		go journal.Run(ctx)
		pool.AddWatcher(journal)
		defer func() {
			closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelClose()
			if err := journal.Close(closeCtx); err != nil {
				logger.WithError(err).Warn("journal not flushed")
			}
		}()
	}
	pool.Start(ctx)

	qopts := queue.Options{
		QueueName:    cfg.QueueName,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		LeaseTimeout: cfg.LeaseTimeout,
		Session:      session,
	}
	var sched *scheduler.Scheduler
	connector := newRedisConnector(ctx, logger, qopts, cfg.ReapInterval, func(server string) { sched.Notify(server) })
	defer connector.Close()

	var discovery queue.Discovery = queue.StaticDiscovery(cfg.Servers)
	if cfg.DiscoveryKey != "" {
		seed := queue.NewRedisQueue(cfg.DiscoveryKey, qopts)
		defer seed.Close()
		discovery = queue.NewRedisDiscovery(seed, cfg.Servers)
	}

	sched = scheduler.New(state, discovery, connector, pool, scheduler.Options{
		Affinities:        cfg.AffinityList,
		AnyAffinity:       cfg.AnyAffinity,
		QueueTimeout:      cfg.QueueTimeout,
		DiscoveryInterval: cfg.DiscoveryInterval,
		RetryInterval:     scheduler.BackoffInterval(backoff.Policy{Initial: cfg.RetryInitial, Max: cfg.RetryMax}),
	})

	adminSrv := admin.New(logger, state, sched, pool, cfg.AdminHosts)
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	go func() {
		if err := adminSrv.Serve(serveCtx, ln); err != nil {
			logger.WithError(err).Error("control port stopped")
		}
	}()

	var monitor *limits.Monitor
	if sampler, err := limits.NewProcessSampler(); err != nil {
		logger.WithError(err).Warn("resource limits disabled")
	} else {
		monitor = limits.NewMonitor(state, sampler, limits.Options{
			MemoryLimit: cfg.TotalMemoryLimit,
			TimeLimit:   cfg.TotalTimeLimit,
			Interval:    cfg.LimitCheckInterval,
		})
		go monitor.Run(ctx)
	}

	go handleSignals(ctx, logger, state)
	go exitOnDie(ctx, logger, state, pool, os.Exit)

	logger.WithFields(logrus.Fields{
		"Handler":    cfg.HandlerName,
		"MaxThreads": cfg.MaxThreads,
		"Control":    ln.Addr().String(),
	}).Info("worker node started")

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scheduler stopped")
	}

	drain(logger, state, pool, cfg.ShutdownGrace)
	logger.Info("worker node stopped")

	if monitor != nil && monitor.RestartRequested() {
		return limits.RestartExitCode, nil
	}
	return 0, nil
}

// drain waits for running jobs and queued commits. If they outlast the
// grace period the level is raised to Immediate and the node waits once
// more.
func drain(logger logrus.FieldLogger, state *nodestate.NodeState, pool *worker.Pool, grace time.Duration) {
	for _, lvl := range []nodestate.ShutdownLevel{nodestate.Normal, nodestate.Immediate} {
		state.RequestShutdown(lvl)
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		err := pool.Shutdown(ctx)
		cancel()
		if err == nil {
			return
		}
		logger.WithFields(logrus.Fields{"Level": lvl, "Running": pool.Running(), "PendingCommits": pool.PendingCommits()}).Warn("jobs still running after the grace period")
	}
}

// handleSignals escalates the shutdown level with every SIGINT or SIGTERM:
// normal, then immediate, then die.
func handleSignals(ctx context.Context, logger logrus.FieldLogger, state *nodestate.NodeState) {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)
	for {
		select {
		case sig := <-ch:
			next := state.ShutdownLevel() + 1
			if next > nodestate.Die {
				next = nodestate.Die
			}
			state.RequestShutdown(next)
			logger.WithFields(logrus.Fields{"Signal": sig.String(), "Level": next}).Warn("shutdown requested")
		case <-ctx.Done():
			return
		}
	}
}

type hardExiter interface {
	HardExit()
}

// exitOnDie ends the process once the level reaches Die, whoever asked
// for it. Running jobs and the cleanup goroutine are not waited for.
func exitOnDie(ctx context.Context, logger logrus.FieldLogger, state *nodestate.NodeState, pool hardExiter, exit func(code int)) {
	select {
	case <-state.Done(nodestate.Die):
		logger.Error("shutdown level die, exiting without waiting for jobs")
		pool.HardExit()
		exit(1)
	case <-ctx.Done():
	}
}
