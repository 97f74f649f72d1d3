package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nzbcore/nzbcore/internal/config"
	"github.com/nzbcore/nzbcore/internal/database"
	"github.com/nzbcore/nzbcore/internal/eventbus"
	"github.com/nzbcore/nzbcore/internal/ingest"
	"github.com/nzbcore/nzbcore/internal/pool"
	"github.com/nzbcore/nzbcore/internal/queue"
	"github.com/nzbcore/nzbcore/internal/slogutil"
	"github.com/nzbcore/nzbcore/internal/streaming"
	"github.com/nzbcore/nzbcore/internal/usenetclient"
)

// jobBudget bounds how long QueueManager spends parsing and indexing a
// single QueueItem before it gives up and records the job Failed.
const jobBudget = 30 * time.Minute

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest queue and streaming core until interrupted",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)
}

// app holds every wired component so shutdown can close them in reverse
// construction order.
type app struct {
	cfg       *config.Manager
	db        *database.DB
	pool      *pool.ConnectionPool
	client    *usenetclient.Client
	streaming *streaming.Service
	bus       *eventbus.Bus
	queueMgr  *queue.Manager
	ingest    *ingest.Service
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgManager, err := config.Load(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "err", err)
		return err
	}
	cfg := cfgManager.GetConfig()

	logger, leveler := slogutil.SetupLogRotationDynamic(cfg.Log)
	slog.SetDefault(logger)

	a, err := buildApp(cfgManager)
	if err != nil {
		logger.Error("failed to build application", "err", err)
		return err
	}
	defer a.close()

	cfgManager.OnConfigChange(func(_, newCfg *config.Config) {
		leveler.SetLevel(slogutil.ParseLevel(newCfg.Log.Level))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.logEvents(ctx)

	logger.Info("starting queue manager",
		"providers", len(cfg.Providers),
		"prefetch", cfg.Streaming.Prefetch(),
		"database", cfg.Database.Path)
	go a.queueMgr.Run(ctx)
	a.queueMgr.Wake()

	waitForShutdown(ctx)
	logger.Info("shutting down")
	return nil
}

func buildApp(cfgManager *config.Manager) (*app, error) {
	cfg := cfgManager.GetConfig()

	db, err := database.New(database.Config{DatabasePath: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	cp, err := pool.New(context.Background(), cfg.Providers)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dial providers: %w", err)
	}

	client := usenetclient.New(cp, db.Stats, cfg.Providers, cfg.Streaming.ArticleTimeout(), cfg.Streaming.ArticleCache())
	streamSvc := streaming.New(db, client, cfg.Streaming.Prefetch())
	bus := eventbus.New()
	queueMgr := queue.New(db, client, jobBudget, bus)
	ingestSvc := ingest.New(db, queueMgr, bus)

	cfgManager.OnConfigChange(func(oldCfg, newCfg *config.Config) {
		slog.Default().Info("configuration reloaded",
			"old_provider_count", len(oldCfg.Providers),
			"new_provider_count", len(newCfg.Providers))
	})

	return &app{
		cfg:       cfgManager,
		db:        db,
		pool:      cp,
		client:    client,
		streaming: streamSvc,
		bus:       bus,
		queueMgr:  queueMgr,
		ingest:    ingestSvc,
	}, nil
}

// logEvents subscribes to every EventBus topic and logs occurrences,
// standing in for the out-of-scope UI layer's WebSocket/SSE subscriber so
// nothing silently disappears when no client is attached.
func (a *app) logEvents(ctx context.Context) {
	ch, unsubscribe := a.bus.Subscribe(
		eventbus.TopicQueueItemAdded,
		eventbus.TopicQueueItemRemoved,
		eventbus.TopicQueueItemPriorityChanged,
		eventbus.TopicHistoryItemAdded,
		eventbus.TopicHistoryItemRemoved,
		eventbus.TopicProgress,
	)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				slog.Default().Debug("event", "topic", ev.Topic, "payload", ev.Payload)
			}
		}
	}()
}

func (a *app) close() {
	if err := a.pool.Close(); err != nil {
		slog.Default().Error("failed to close connection pool", "err", err)
	}
	if err := a.db.Close(); err != nil {
		slog.Default().Error("failed to close database", "err", err)
	}
}

func waitForShutdown(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-sigCh:
	}
}
