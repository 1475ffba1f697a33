package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mathgame-leaderboard/internal/config"
	"github.com/mathgame-leaderboard/internal/domain"
	"github.com/mathgame-leaderboard/internal/handler"
	"github.com/mathgame-leaderboard/internal/kafka"
	"github.com/mathgame-leaderboard/internal/lock"
	"github.com/mathgame-leaderboard/internal/memstore"
	"github.com/mathgame-leaderboard/internal/obslog"
	"github.com/mathgame-leaderboard/internal/postgres"
	"github.com/mathgame-leaderboard/internal/redis"
	"github.com/mathgame-leaderboard/internal/service"
	"github.com/mathgame-leaderboard/internal/worker"
)

// aggregateStore is what every store driver offers the rest of the service
type aggregateStore interface {
	service.AggregateStore
	service.RankingSource
	worker.RankedSource
	handler.Pinger
}

// userDirectory is a directory that can be seeded at startup
type userDirectory interface {
	domain.UserDirectory
	seed(ctx context.Context, users []domain.UserAccount) error
}

type memoryDirectory struct{ *memstore.Directory }

func (d memoryDirectory) seed(ctx context.Context, users []domain.UserAccount) error {
	for _, u := range users {
		d.Put(u)
	}
	return nil
}

type postgresDirectory struct{ *postgres.Repository }

func (d postgresDirectory) seed(ctx context.Context, users []domain.UserAccount) error {
	return d.UpsertUsers(ctx, users)
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, found, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obslog.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if !found {
		logger.Warn("config file not found, using defaults", zap.String("path", *configPath))
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, users, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := seedUsers(ctx, cfg, users, logger); err != nil {
		return err
	}

	var (
		locker      service.Locker = lock.NewKeyedMutex()
		source      service.RankingSource = store
		ledgerOpts  []service.LedgerOption
		handlerOpts []handler.Option
		syncWorker  *worker.SyncWorker
	)

	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", zap.String("addr", cfg.Redis.Addr))
		client, err := redis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		logger.Info("connected to Redis")

		ranking := redis.NewRanking(client, cfg.Redis.KeyPrefix, logger)
		locker = redis.NewLocker(client, cfg.Redis.KeyPrefix, cfg.Lock.TTL, cfg.Lock.RetryInterval, logger)
		ledgerOpts = append(ledgerOpts, service.WithRanking(ranking))
		if cfg.Leaderboard.Source == config.LeaderboardSourceRedis {
			source = ranking
		}
		if cfg.RateLimit.Enabled {
			limiter := redis.NewRateLimiter(client, cfg.Redis.KeyPrefix, cfg.RateLimit.Requests, cfg.RateLimit.Window)
			handlerOpts = append(handlerOpts, handler.WithRateLimiter(limiter))
		}

		syncWorker = worker.NewSyncWorker(store, ranking, &cfg.Sync, logger)
		logger.Info("rebuilding ranking cache from store")
		if err := syncWorker.SyncAll(ctx); err != nil {
			logger.Warn("failed to rebuild ranking on startup", zap.Error(err))
		}
		if cfg.Sync.Enabled {
			if err := syncWorker.Start(ctx); err != nil {
				return fmt.Errorf("starting sync worker: %w", err)
			}
			defer func() {
				if err := syncWorker.Stop(); err != nil {
					logger.Error("failed to stop sync worker", zap.Error(err))
				}
			}()
		}
	}

	ledger := service.NewScoreLedger(store, users, locker, &cfg.Game, logger, ledgerOpts...)
	leaderboard := service.NewLeaderboardQuery(source, users, &cfg.Leaderboard, logger)

	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
		consumer, err := kafka.NewConsumer(&cfg.Kafka, ledger, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", zap.Error(err))
		} else if err := consumer.Start(ctx); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", zap.Error(err))
			_ = consumer.Stop()
		} else {
			defer func() {
				if err := consumer.Stop(); err != nil {
					logger.Error("failed to stop Kafka consumer", zap.Error(err))
				}
			}()
		}
	}

	httpHandler := handler.NewHandler(ledger, leaderboard, store, logger, handlerOpts...)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting HTTP server", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (aggregateStore, userDirectory, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory aggregate store; data is lost on restart")
		return memstore.NewAggregateStore(), memoryDirectory{memstore.NewDirectory()}, func() {}, nil

	default:
		logger.Info("connecting to PostgreSQL",
			zap.String("host", cfg.Postgres.Host),
			zap.String("database", cfg.Postgres.Database),
		)
		repo, err := postgres.NewRepository(ctx, &cfg.Postgres, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("connected to PostgreSQL")

		if !cfg.Store.SkipMigrate {
			if err := repo.RunMigrations(ctx); err != nil {
				repo.Close()
				return nil, nil, nil, fmt.Errorf("running migrations: %w", err)
			}
		}
		return repo, postgresDirectory{repo}, repo.Close, nil
	}
}

func seedUsers(ctx context.Context, cfg *config.Config, users userDirectory, logger *zap.Logger) error {
	accounts := domain.DemoAccounts(cfg.Store.DemoPlayers)
	for _, u := range cfg.Store.SeedUsers {
		id, ok := domain.NormalizeUserID(u.ID)
		if !ok {
			return fmt.Errorf("seed user %q: %w", u.ID, domain.ErrInvalidUser)
		}
		accounts = append(accounts, domain.UserAccount{ID: id, Username: u.Username, AvatarURL: u.AvatarURL})
	}
	if len(accounts) == 0 {
		return nil
	}

	if err := users.seed(ctx, accounts); err != nil {
		return fmt.Errorf("seeding users: %w", err)
	}
	logger.Info("seeded user directory", zap.Int("users", len(accounts)))
	return nil
}
