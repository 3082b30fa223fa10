// Package main implements poold, the quarry pool front-end. It accepts miner
// connections over QUIC, authenticates them against PostgreSQL, pushes job
// templates from the configured feed and judges submissions.
package main

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/quarry/internal/accounts"
	"github.com/bardlex/quarry/internal/config"
	"github.com/bardlex/quarry/internal/database"
	"github.com/bardlex/quarry/internal/database/influx"
	"github.com/bardlex/quarry/internal/database/postgres"
	"github.com/bardlex/quarry/internal/database/redis"
	"github.com/bardlex/quarry/internal/feed"
	"github.com/bardlex/quarry/internal/messaging"
	"github.com/bardlex/quarry/internal/migrate"
	"github.com/bardlex/quarry/internal/protocol"
	"github.com/bardlex/quarry/internal/transport"
	"github.com/bardlex/quarry/internal/validation"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/log"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.Service.Name, cfg.Service.Version, cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting poold",
		"version", cfg.Service.Version,
		"listen_addr", cfg.Transport.ListenAddr,
		"feed", cfg.Feed.Source,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("poold failed")
		os.Exit(1)
	}
	logger.Info("poold stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	db, err := database.NewManager(ctx, databaseConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("connect databases: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("database close failed")
		}
	}()

	if err := migrate.Up(ctx, db.Postgres.DB()); err != nil {
		return err
	}

	kafkaClient := messaging.NewKafkaClient(cfg.Kafka.Brokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Warn("kafka close failed")
		}
	}()

	broadcaster := feed.NewBroadcaster(cfg.Feed.Window, logger)
	defer broadcaster.Close()
	restoreTemplate(ctx, db, broadcaster, logger)

	tlsConf, err := serverTLS(cfg.Transport, logger)
	if err != nil {
		return err
	}
	listener, err := transport.Listen(cfg.Transport.ListenAddr, tlsConf, transport.Options{
		IdleTimeout:     cfg.Transport.IdleTimeout,
		KeepAlivePeriod: cfg.Transport.KeepAlive,
	})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Transport.ListenAddr, err)
	}

	validator := validation.NewSubmissionValidator(broadcaster, db)
	handlers := protocol.ServerHandlers{
		Auth:      accounts.NewAuthenticator(db, db, kafkaClient, logger),
		Devices:   accounts.NewDeviceRegistry(db, logger),
		Templates: broadcaster,
		Submissions: accounts.NewSubmissionSink(validator, db, accounts.SinkOptions{
			Limiter: db,
			Rate:    accounts.RateLimit{Limit: cfg.Pool.SubmitLimit, Window: cfg.Pool.SubmitWindow},
			Events:  kafkaClient,
		}, logger),
	}
	server := protocol.NewServer(listener, handlers, protocol.SessionConfig{
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
	}, logger)

	db.StartPeriodicTasks(ctx, cfg.Service.Name, server.SessionCount)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runFeed(gctx, cfg, kafkaClient, broadcaster, logger) })
	g.Go(func() error { return persistTemplates(gctx, broadcaster, db, logger) })
	g.Go(func() error { return server.Serve(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Transport.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down", "sessions", server.SessionCount())
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func databaseConfig(cfg *config.Config) *database.Config {
	dbCfg := &database.Config{
		Postgres: &postgres.Config{
			Host:         cfg.Postgres.Host,
			Port:         cfg.Postgres.Port,
			Database:     cfg.Postgres.Database,
			User:         cfg.Postgres.User,
			Password:     cfg.Postgres.Password,
			SSLMode:      cfg.Postgres.SSLMode,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Postgres.MaxIdleConns,
			MaxLifetime:  cfg.Postgres.MaxLifetime,
		},
		Redis: &redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		ShareTTL: cfg.Pool.ShareTTL,
	}
	if cfg.Influx.URL != "" {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}
	}
	return dbCfg
}

// serverTLS loads the configured key pair, or generates a self-signed
// certificate when none is configured.
func serverTLS(cfg config.TransportConfig, logger *log.Logger) (*tls.Config, error) {
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		return transport.ServerTLS(cfg.CertFile, cfg.KeyFile)
	}
	logger.Warn("no TLS certificate configured, using a self-signed development certificate")
	cert, _, err := transport.SelfSigned(transport.ServerName, "localhost")
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	return transport.ServerTLSFromCert(cert), nil
}

// feedRunner is satisfied by KafkaFeed and ZMQFeed.
type feedRunner interface {
	Run(ctx context.Context) error
}

func runFeed(ctx context.Context, cfg *config.Config, kafkaClient *messaging.KafkaClient, b *feed.Broadcaster, logger *log.Logger) error {
	var runner feedRunner
	switch cfg.Feed.Source {
	case config.FeedKafka:
		runner = feed.NewKafkaFeed(kafkaClient, b, cfg.Kafka.GroupID, logger)
	case config.FeedZMQ:
		z, err := feed.NewZMQFeed(cfg.Feed.ZMQEndpoint, b, logger)
		if err != nil {
			return err
		}
		defer func() { _ = z.Close() }()
		if err := z.Connect(); err != nil {
			return err
		}
		runner = z
	default:
		logger.Warn("template feed disabled; sessions only receive the restored template")
		<-ctx.Done()
		return ctx.Err()
	}
	return runner.Run(ctx)
}

// templateStore persists the current template across restarts.
type templateStore interface {
	SaveTemplate(ctx context.Context, encoded []byte) error
	LoadTemplate(ctx context.Context) ([]byte, error)
}

// restoreTemplate seeds b with the template saved by a previous run.
func restoreTemplate(ctx context.Context, store templateStore, b *feed.Broadcaster, logger *log.Logger) {
	encoded, err := store.LoadTemplate(ctx)
	if err != nil {
		if !stderrors.Is(err, redis.ErrNotFound) {
			logger.WithError(err).Warn("saved template unavailable")
		}
		return
	}
	tmpl, err := wire.UnmarshalJobTemplate(encoded)
	if err != nil {
		logger.WithError(err).Warn("discarding undecodable saved template")
		return
	}
	b.Publish(tmpl)
}

// persistTemplates saves every new template until ctx is done.
func persistTemplates(ctx context.Context, b *feed.Broadcaster, store templateStore, logger *log.Logger) error {
	current := b.Current()
	for {
		next, err := b.Next(ctx, current)
		if err != nil {
			return err
		}
		if err := store.SaveTemplate(ctx, next.AppendTo(nil)); err != nil {
			logger.WithError(err).Warn("template not saved")
		}
		current = next
	}
}
