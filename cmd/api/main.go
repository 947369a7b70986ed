package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"escrowflow/account"
	"escrowflow/agreement"
	"escrowflow/auth"
	"escrowflow/clock"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/logger"
	"escrowflow/memstore"
	"escrowflow/migrations"
	"escrowflow/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Sync()

	if cfg.LogMode == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("escrowflow stopped", "error", err)
		lg.Sync()
		os.Exit(1)
	}
}

// stores groups the persistence backends selected by STORE_DRIVER.
type stores struct {
	uow        agreement.UnitOfWork
	accounts   account.Store
	disputes   dispute.Lister
	outbox     outbox.Source
	principals auth.Repository
	close      func()
}

func openStores(ctx context.Context, cfg config.Config, lg *logger.Logger) (stores, error) {
	if cfg.StoreDriver == config.StoreMemory {
		mem := memstore.New()
		lg.Warn("using in-memory store; state is lost on exit")
		return stores{
			uow:        mem,
			accounts:   mem,
			disputes:   mem,
			outbox:     mem,
			principals: memstore.NewPrincipals(),
			close:      func() {},
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DB)
	if err != nil {
		return stores{}, err
	}
	if cfg.Migrate {
		if err := db.Migrate(ctx, pool, migrations.Files); err != nil {
			pool.Close()
			return stores{}, err
		}
		lg.Info("migrations applied")
	}
	return stores{
		uow:        db.NewUnitOfWork(pool),
		accounts:   account.NewRepository(pool),
		disputes:   dispute.NewRepository(pool),
		outbox:     outbox.NewPostgresSource(pool, outbox.DefaultMaxAttempts),
		principals: auth.NewRepository(pool),
		close:      pool.Close,
	}, nil
}

func openClock(ctx context.Context, cfg config.Config) (clock.Clock, func(), error) {
	if cfg.ClockSource == clock.SourceBlock {
		b, err := clock.DialBlock(ctx, cfg.EthRPCURL)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	}
	return clock.NewWall(), func() {}, nil
}

func openPublisher(ctx context.Context, cfg config.Config, lg *logger.Logger) (outbox.Publisher, error) {
	switch cfg.OutboxPublisher {
	case config.PublisherRedis:
		return outbox.NewRedisPublisher(ctx, outbox.RedisConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.RedisStream,
		})
	case config.PublisherRabbitMQ:
		return outbox.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue)
	default:
		return outbox.NewLogPublisher(lg), nil
	}
}

func run(ctx context.Context, cfg config.Config, lg *logger.Logger) error {
	st, err := openStores(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer st.close()

	clk, closeClock, err := openClock(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeClock()

	pub, err := openPublisher(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer pub.Close()

	agreements := agreement.NewService(st.uow, clk, agreement.Config{
		Admin:         cfg.AdminPrincipal,
		EscrowAccount: cfg.EscrowAccount,
		DisputeWindow: cfg.DisputeWindow,
	}, lg)
	authSvc := auth.NewService(st.principals, cfg.JWTSecret, cfg.AdminPrincipal, cfg.EscrowAccount)
	if err := authSvc.EnsureAdmin(ctx, cfg.AdminPassword); err != nil {
		return fmt.Errorf("provision administrator: %w", err)
	}
	server := NewServer(
		agreements,
		dispute.NewService(st.disputes, cfg.AdminPrincipal),
		account.NewService(st.accounts),
		authSvc,
		lg,
	)
	relay := outbox.NewRelay(st.outbox, pub, cfg.RelayInterval, lg)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("http server listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver, "clock", cfg.ClockSource)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})

	return g.Wait()
}
