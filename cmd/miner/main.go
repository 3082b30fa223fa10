// Package main implements the quarry miner. It resolves a mining key,
// connects to a pool over QUIC, mines the templates it is sent and submits
// solutions, reconnecting with backoff whenever the session ends.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/quarry/internal/config"
	"github.com/bardlex/quarry/internal/credential"
	"github.com/bardlex/quarry/internal/device"
	"github.com/bardlex/quarry/internal/miner"
	"github.com/bardlex/quarry/internal/protocol"
	"github.com/bardlex/quarry/internal/supervisor"
	"github.com/bardlex/quarry/internal/transport"
	"github.com/bardlex/quarry/internal/watch"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/log"
	"github.com/bardlex/quarry/pkg/retry"
)

// options are the command-line flags.
type options struct {
	configPath   string
	insecure     bool
	clearKey     bool
	key          string
	accountToken string
	server       string
	threads      int
	networkOnly  bool
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("miner", flag.ContinueOnError)
	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "path to a YAML configuration file")
	fs.BoolVar(&o.insecure, "insecure", false, "skip server certificate verification (development only)")
	fs.BoolVar(&o.clearKey, "clear-key", false, "delete the stored mining key and exit")
	fs.StringVar(&o.key, "key", "", "mining key to authenticate with")
	fs.StringVar(&o.accountToken, "account-token", "", "account token to exchange for a mining key")
	fs.StringVar(&o.server, "server", "", "pool address (host:port)")
	fs.IntVar(&o.threads, "threads", 0, "maximum worker threads (0 = automatic)")
	fs.BoolVar(&o.networkOnly, "network-only", false, "submit only network-target solutions")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

// apply overrides cfg with every flag that was set.
func (o *options) apply(cfg *config.Config) {
	if o.insecure {
		cfg.Client.Insecure = true
	}
	if o.key != "" {
		cfg.Client.MiningKey = o.key
	}
	if o.accountToken != "" {
		cfg.Client.AccountToken = o.accountToken
	}
	if o.server != "" {
		cfg.Client.ServerAddr = o.server
	}
	if o.threads > 0 {
		cfg.Client.Threads = o.threads
	}
	if o.networkOnly {
		cfg.Client.NetworkOnly = true
	}
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	opts.apply(cfg)

	logger := log.New("miner", cfg.Service.Version, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys, err := credentialManager(cfg.Client, logger)
	if err != nil {
		logger.WithError(err).Error("credential store unavailable")
		os.Exit(1)
	}

	if opts.clearKey {
		if err := keys.Clear(); err != nil {
			logger.WithError(err).Error("failed to clear mining key")
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, keys, logger); err != nil {
		logger.WithError(err).Error("miner failed")
		os.Exit(1)
	}
	logger.Info("miner stopped")
}

func credentialManager(cfg config.ClientConfig, logger *log.Logger) (*credential.Manager, error) {
	store := credential.NewStore(cfg.KeyDir)
	if cfg.KeyDir == "" {
		var err error
		if store, err = credential.DefaultStore(); err != nil {
			return nil, err
		}
	}
	return credential.NewManager(store, credential.NewExchanger(cfg.APIURL, nil), logger), nil
}

func run(ctx context.Context, cfg *config.Config, keys *credential.Manager, logger *log.Logger) error {
	credOpts := credential.Options{Key: cfg.Client.MiningKey, AccountToken: cfg.Client.AccountToken, APIURL: cfg.Client.APIURL}
	if credOpts.Key != "" && credOpts.AccountToken != "" {
		return credOpts.Validate()
	}
	key, err := keys.Resolve(ctx, credOpts)
	if err != nil {
		return err
	}

	dev := device.Describe(ctx)
	threads := miner.Threads(device.LogicalCores(ctx), cfg.Client.Threads)
	logger.Info("starting miner",
		"server", cfg.Client.ServerAddr,
		"os", dev.OS, "cpu", dev.CPUModel, "ram_gb", dev.RAMCapacityGB,
		"threads", threads, "network_only", cfg.Client.NetworkOnly,
	)
	if cfg.Client.Insecure {
		logger.Warn("server certificate verification is DISABLED; use only against a development pool")
	}

	templates := watch.New(wire.JobTemplate{})
	submissions := watch.New(wire.Submission{})
	engine := miner.NewEngine(miner.HashSolver{}, templates.Subscribe(), submissions,
		miner.Config{Threads: threads, NetworkOnly: cfg.Client.NetworkOnly}, logger)

	source := miner.NewSubmissionSource(submissions, templates, logger)
	responses := miner.NewResponseLogger(logger)
	handlers := protocol.ClientHandlers{
		Templates:   miner.NewTemplateSink(templates),
		Submissions: source,
		Responses:   responses,
	}
	session := supervisor.ClientSessions(protocol.ClientConfig{
		Credential:       key,
		Device:           dev,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
	}, handlers, logger)

	sup := supervisor.New(dialer(cfg), session, supervisor.Config{
		Backoff:       backoff(cfg.Client),
		UnwindTimeout: cfg.Client.UnwindTimeout,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		defer templates.Close()
		return sup.Run(gctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	stats := engine.Stats()
	accepted, rejected := responses.Totals()
	logger.Info("mining summary",
		"attempts", stats.Attempts, "found", stats.Found, "published", stats.Published,
		"stale", stats.Stale+source.Stale(), "filtered", stats.Filtered,
		"accepted", accepted, "rejected", rejected, "sessions", sup.Attempts())
	return nil
}

func dialer(cfg *config.Config) *transport.QUICDialer {
	return &transport.QUICDialer{
		ServerAddr: cfg.Client.ServerAddr,
		LocalAddr:  cfg.Client.LocalAddr,
		TLS:        transport.ClientTLS(cfg.Client.ServerName, nil, cfg.Client.Insecure),
		Options: transport.Options{
			IdleTimeout:     cfg.Transport.IdleTimeout,
			KeepAlivePeriod: cfg.Transport.KeepAlive,
		},
	}
}

func backoff(cfg config.ClientConfig) *retry.Config {
	r := retry.ReconnectConfig()
	r.BaseDelay = cfg.BackoffBase
	r.MaxDelay = cfg.BackoffMax
	return r
}
