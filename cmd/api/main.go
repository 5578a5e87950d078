package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/events"
	"escrowflow/lock"
	"escrowflow/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("ESCROW_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stdout)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrow api stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var (
		store  escrow.Store
		source events.Source
		ping   func(context.Context) error
	)
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.Database.DSN, db.PoolOptions{
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("bootstrap database pool: %w", err)
		}
		defer pool.Close()

		if cfg.Database.RunMigrations {
			if err := db.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
		}
		store = escrow.NewPGStore(pool)
		source = events.NewPGSource(pool, time.Minute)
		ping = pool.Ping
	default:
		mem := escrow.NewMemoryStore()
		store = mem
		source = mem.Outbox()
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	var challenges auth.Repository = auth.NewMemoryRepository()
	var locker lock.Locker = lock.NewLocalLocker()
	if rdb != nil {
		challenges = auth.NewRedisRepository(rdb, "escrow:auth")
		locker = lock.NewRedisLocker(rdb, cfg.Redis.LockPrefix)
	}

	authService, err := auth.NewService(challenges, auth.Options{
		Secret:       cfg.Auth.JWTSecret,
		Issuer:       cfg.Auth.Issuer,
		TokenTTL:     cfg.Auth.TokenTTL,
		ChallengeTTL: cfg.Auth.ChallengeTTL,
	})
	if err != nil {
		return fmt.Errorf("build auth service: %w", err)
	}

	publisher, err := newPublisher(cfg, rdb)
	if err != nil {
		return fmt.Errorf("build publisher: %w", err)
	}
	defer publisher.Close()

	escrowService := escrow.NewService(store).WithLogger(logging.Named(logger, "escrow"))

	relay := events.NewRelay(source, publisher,
		events.WithBatch(cfg.Outbox.Batch),
		events.WithInterval(cfg.Outbox.Interval),
		events.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		events.WithLogger(logging.Named(logger, "outbox")),
	)

	server := &Server{
		escrowService: escrowService,
		authService:   authService,
		logger:        logging.Named(logger, "http"),
		ping:          ping,
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("escrow api listening", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver, "publisher", cfg.Outbox.Publisher)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	if cfg.Sweeper.Enabled {
		sweeper := escrow.NewSweeper(escrowService, cfg.Sweeper.Interval, cfg.Sweeper.Batch).
			WithLocker(locker).
			WithLogger(logging.Named(logger, "sweeper"))
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("escrow api stopped cleanly")
	return nil
}

func newPublisher(cfg *config.Config, rdb *redis.Client) (events.Publisher, error) {
	switch cfg.Outbox.Publisher {
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis publisher needs redis.addr")
		}
		return events.NewRedisPublisher(rdb, cfg.Redis.ChannelPrefix), nil
	case "rabbitmq":
		return events.NewRabbitPublisher(events.RabbitConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
		})
	default:
		return events.NopPublisher{}, nil
	}
}
