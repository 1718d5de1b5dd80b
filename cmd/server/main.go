// cmd/server/main.go

// 本服務提供帳戶開立、查詢、關閉與轉帳的 RESTful API。
// 此檔案依設定組裝各模組（儲存、帳戶鎖、冪等、事件發佈），
// 啟動 HTTP 伺服器，並在收到 SIGINT/SIGTERM 時優雅關閉。

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bankledger/internal/bank"
	"bankledger/internal/config"
	"bankledger/internal/events"
	"bankledger/internal/idempotency"
	"bankledger/internal/lock"
	"bankledger/internal/logging"
	"bankledger/internal/server"
	"bankledger/internal/storage"
	"bankledger/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

// backend 為組裝好的儲存層。
type backend struct {
	accounts bank.AccountStore
	ledger   bank.Ledger
	tx       bank.TxManager
	persist  func() error // 只有記憶體後端需要
	close    func()
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openStorage(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer be.close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			if cfg.Lock.Driver == config.LockRedis {
				return fmt.Errorf("redis: %w", err)
			}
			log.Warn().Err(err).Msg("redis unreachable, idempotency disabled")
			rdb = nil
		} else {
			log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
		}
	}

	var guard bank.Guard = bank.NewLocalGuard()
	if cfg.Lock.Driver == config.LockRedis {
		guard = lock.NewRedisGuard(rdb, lock.WithLogger(log))
	}

	bankOpts := []bank.Option{bank.WithLogger(log), bank.WithLockTimeout(cfg.Lock.Timeout)}
	srvOpts := []server.Option{server.WithLogger(log)}
	if cfg.Events.RabbitURL != "" {
		pub, closeRabbit, err := openPublisher(cfg.Events, log)
		if err != nil {
			return err
		}
		defer closeRabbit()
		bankOpts = append(bankOpts, bank.WithPublisher(pub))
		srvOpts = append(srvOpts, server.WithHealthCheck("events", pub.Check))
	}
	b := bank.New(be.accounts, be.ledger, be.tx, guard, bankOpts...)

	if be.persist != nil {
		srvOpts = append(srvOpts, server.WithPersist(be.persist))
	}
	if rdb != nil {
		srvOpts = append(srvOpts, server.WithHealthCheck("redis", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return rdb.Ping(ctx).Err()
		}))
		store := idempotency.NewRedisStore(rdb)
		srvOpts = append(srvOpts, server.WithIdempotency(idempotency.Middleware(store, cfg.Redis.IdempotencyTTL, log)))
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.NewServer(b, srvOpts...).Router(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).
			Str("storage", cfg.Storage.Driver).
			Str("lock", cfg.Lock.Driver).
			Msg("bank server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if be.persist != nil {
		if err := be.persist(); err != nil {
			return fmt.Errorf("final snapshot: %w", err)
		}
	}
	return nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (backend, error) {
	switch cfg.Driver {
	case config.StoragePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return backend{}, fmt.Errorf("postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return backend{}, fmt.Errorf("postgres ping: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return backend{}, err
		}
		log.Info().Msg("connected to postgres")
		s := postgres.NewStore(pool)
		return backend{accounts: s.Accounts(), ledger: s.Ledger(), tx: s, close: pool.Close}, nil

	default:
		s := storage.NewMemStore()
		be := backend{accounts: s.Accounts(), ledger: s.Ledger(), tx: s, close: func() {}}
		if cfg.SnapshotPath == "" {
			return be, nil
		}
		snap, err := storage.LoadSnapshot(cfg.SnapshotPath)
		switch {
		case err == nil:
			s.Restore(snap)
			log.Info().Str("path", cfg.SnapshotPath).
				Int("accounts", len(snap.Accounts)).
				Int("transactions", len(snap.Transactions)).
				Msg("snapshot restored")
		case errors.Is(err, os.ErrNotExist):
			if err := os.MkdirAll(filepath.Dir(cfg.SnapshotPath), 0o755); err != nil {
				return backend{}, fmt.Errorf("snapshot dir: %w", err)
			}
		default:
			return backend{}, err
		}
		var mu sync.Mutex
		be.persist = func() error {
			mu.Lock()
			defer mu.Unlock()
			return storage.SaveSnapshot(cfg.SnapshotPath, s.Snapshot())
		}
		return be, nil
	}
}

func openPublisher(cfg config.EventsConfig, log zerolog.Logger) (*events.Publisher, func(), error) {
	conn, err := amqp.DialConfig(cfg.RabbitURL, amqp.Config{
		Properties: amqp.Table{"connection_name": "bank-ledger-api"},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := events.DeclareExchange(ch, cfg.Exchange); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	log.Info().Str("exchange", cfg.Exchange).Msg("connected to rabbitmq")

	pub := events.NewPublisher(ch, events.BreakerSettings{OpenTimeout: 30 * time.Second},
		events.WithExchange(cfg.Exchange), events.WithTimeout(cfg.PublishTimeout), events.WithLogger(log))
	return pub, func() {
		if err := ch.Close(); err != nil {
			log.Warn().Err(err).Msg("close rabbitmq channel")
		}
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Msg("close rabbitmq connection")
		}
	}, nil
}
