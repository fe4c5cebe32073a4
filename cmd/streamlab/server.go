package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/streamlab/redis-patterns/internal/config"
	"github.com/streamlab/redis-patterns/internal/dlq"
	"github.com/streamlab/redis-patterns/internal/events"
	"github.com/streamlab/redis-patterns/internal/logging"
	"github.com/streamlab/redis-patterns/internal/perkey"
	"github.com/streamlab/redis-patterns/internal/redisx"
	"github.com/streamlab/redis-patterns/internal/reqreply"
	"github.com/streamlab/redis-patterns/internal/scheduler"
	"github.com/streamlab/redis-patterns/internal/scripts"
	"github.com/streamlab/redis-patterns/internal/server"
	"github.com/streamlab/redis-patterns/internal/tailer"
	"github.com/streamlab/redis-patterns/internal/tokenbucket"
	"github.com/streamlab/redis-patterns/internal/topic"
	"github.com/streamlab/redis-patterns/internal/worker"
	"go.uber.org/zap"
)

var serverEnvFile string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the streamlab server",
	Long:  `Start the HTTP/WebSocket server and every pattern's background workers.`,
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVar(&serverEnvFile, "env", ".env", "Path to .env file")
}

func runServer(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(serverEnvFile); err == nil {
		if err := godotenv.Load(serverEnvFile); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error loading %s: %v\n", serverEnvFile, err)
		}
	}

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// Everything below runs until this context dies.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := redisx.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	engine := scripts.NewEngine(client, logger)
	if err := engine.Load(ctx); err != nil {
		// The engine cannot run without its scripts.
		return err
	}

	broadcaster := events.NewBroadcaster(logger)
	defer broadcaster.Close()

	rules := topic.NewStore(client, topic.Exchange, logger)
	if err := rules.EnsureDefaults(ctx); err != nil {
		return err
	}
	router := topic.NewRouter(engine, rules)

	dlqService := dlq.NewService(client, engine, broadcaster, dlq.Config{
		MaxDeliveries: cfg.DLQMaxDeliveries,
		MinIdle:       cfg.DLQMinIdle,
	}, logger)

	bucketStore := tokenbucket.NewStore(client)
	if err := bucketStore.EnsureDefaults(ctx); err != nil {
		return err
	}

	var background sync.WaitGroup

	workQueue := worker.NewWorkQueuePool(client, engine, broadcaster, worker.WorkQueueConfig{
		Workers:         cfg.WorkQueueWorkers,
		MinIdle:         cfg.DLQMinIdle,
		MaxDeliveries:   cfg.DLQMaxDeliveries,
		PollInterval:    cfg.PollInterval,
		ErrorBackoff:    cfg.ErrorBackoff,
		ProcessingDelay: cfg.ProcessingDelay,
	}, logger)
	workQueue.Start(ctx)

	fanout := worker.NewFanoutPool(client, engine, broadcaster, worker.FanoutConfig{
		Workers:         cfg.FanoutWorkers,
		MinIdle:         cfg.DLQMinIdle,
		MaxDeliveries:   cfg.DLQMaxDeliveries,
		PollInterval:    cfg.PollInterval,
		ErrorBackoff:    cfg.ErrorBackoff,
		ProcessingDelay: cfg.ProcessingDelay,
	}, logger)
	fanout.Start(ctx)

	requester := reqreply.NewRequester(engine, cfg.RequestTimeoutSec, logger)
	reqWorkers := worker.NewPool(
		reqreply.NewInventoryWorker(client, engine, broadcaster, reqreply.InventoryConfig{
			MinIdle:       cfg.DLQMinIdle,
			MaxDeliveries: cfg.DLQMaxDeliveries,
			PollInterval:  cfg.PollInterval,
			ErrorBackoff:  cfg.ErrorBackoff,
		}, logger),
		reqreply.NewResponseListener(client, engine, broadcaster, reqreply.ListenerConfig{
			MinIdle:      cfg.DLQMinIdle,
			PollInterval: cfg.PollInterval,
			ErrorBackoff: cfg.ErrorBackoff,
		}, logger),
	)
	reqWorkers.Start(ctx)

	expiry := reqreply.NewExpiryObserver(client, engine, broadcaster, logger)
	background.Add(1)
	go func() {
		defer background.Done()
		expiry.Run(ctx)
	}()

	perKeyPool := perkey.NewPool(client, broadcaster, perkey.Config{
		Workers:         cfg.PerKeyWorkers,
		LockTTL:         cfg.PerKeyLockTTL,
		MinIdle:         cfg.PerKeyMinIdle,
		ReadWait:        cfg.PerKeyReadWait,
		ProcessingDelay: cfg.ProcessingDelay,
		ErrorBackoff:    cfg.ErrorBackoff,
	}, logger)
	if err := perKeyPool.Start(ctx); err != nil {
		return err
	}

	bucketPool := tokenbucket.NewPool(client, engine, bucketStore, broadcaster, tokenbucket.Config{
		Workers:      cfg.TokenBucketWorkers,
		MinIdle:      cfg.PerKeyMinIdle,
		ReadWait:     cfg.PerKeyReadWait,
		ErrorBackoff: cfg.ErrorBackoff,
	}, logger)
	if err := bucketPool.Start(ctx); err != nil {
		return err
	}

	sched := scheduler.New(client, broadcaster, cfg.SchedulerPollInterval, cfg.SchedulerBatchSize, logger)
	background.Add(1)
	go func() {
		defer background.Done()
		sched.Run(ctx)
	}()

	tail := tailer.New(client, broadcaster, tailer.Config{
		Block:      cfg.TailerBlock,
		ReadCount:  cfg.TailerReadCount,
		ErrorSleep: cfg.TailerErrorSleep,
	}, logger)
	tail.Watch(ctx, initialTailStreams(ctx, cfg, router, logger)...)

	srv := server.NewServer(ctx, cfg, server.Deps{
		Client:      client,
		Broadcaster: broadcaster,
		Tailer:      tail,
		DLQ:         dlqService,
		Rules:       rules,
		Router:      router,
		Requester:   requester,
		PerKey:      perKeyPool,
		Bucket:      bucketPool,
		BucketStore: bucketStore,
		Scheduler:   sched,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		cancel()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	cancel()
	tail.Stop()
	workQueue.Wait()
	fanout.Wait()
	reqWorkers.Wait()
	perKeyPool.Wait()
	bucketPool.Wait()
	background.Wait()

	logger.Info("shutdown complete")
	return nil
}

// initialTailStreams is the built-in set of observable streams: every demo's
// streams plus whatever the current rule table routes to, plus any extras
// from configuration. Streams created later (demo streams, new rule
// destinations) are added by the handlers as they appear.
func initialTailStreams(ctx context.Context, cfg *config.Config, router *topic.Router, logger *zap.Logger) []string {
	streams := []string{server.DefaultDemoStream, dlq.DLQStream(server.DefaultDemoStream)}
	streams = append(streams, worker.WorkQueueStreams(cfg.WorkQueueWorkers)...)
	streams = append(streams, worker.FanoutStreams(cfg.FanoutWorkers)...)
	streams = append(streams, reqreply.Streams()...)
	streams = append(streams, perkey.Streams(cfg.PerKeyWorkers)...)
	streams = append(streams, tokenbucket.Streams()...)
	streams = append(streams, scheduler.TargetStream)
	streams = append(streams, cfg.ExtraTailStreams...)

	topicStreams, err := router.DestinationStreams(ctx)
	if err != nil {
		logger.Warn("could not list topic destinations for tailing", zap.Error(err))
	} else {
		streams = append(streams, topicStreams...)
	}
	return streams
}
