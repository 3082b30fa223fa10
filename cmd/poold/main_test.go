package main

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/quarry/internal/config"
	"github.com/bardlex/quarry/internal/database/redis"
	"github.com/bardlex/quarry/internal/feed"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/log"
)

func TestDatabaseConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Postgres.Host = "db.internal"
	cfg.Redis.Addr = "cache:6379"

	dbCfg := databaseConfig(cfg)
	if dbCfg.Postgres.Host != "db.internal" || dbCfg.Redis.Addr != "cache:6379" {
		t.Errorf("connection settings not carried: %+v %+v", dbCfg.Postgres, dbCfg.Redis)
	}
	if dbCfg.Influx != nil {
		t.Error("metrics enabled without an Influx URL")
	}
	if dbCfg.ShareTTL != cfg.Pool.ShareTTL {
		t.Errorf("ShareTTL = %v", dbCfg.ShareTTL)
	}

	cfg.Influx.URL = "http://influx:8086"
	if databaseConfig(cfg).Influx == nil {
		t.Error("Influx URL ignored")
	}
}

func TestServerTLS_SelfSigned(t *testing.T) {
	conf, err := serverTLS(config.TransportConfig{}, log.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if len(conf.Certificates) != 1 || len(conf.NextProtos) == 0 {
		t.Errorf("tls config = %+v", conf)
	}
}

func TestServerTLS_MissingFiles(t *testing.T) {
	if _, err := serverTLS(config.TransportConfig{CertFile: "/nonexistent.pem", KeyFile: "/nonexistent.key"}, log.Discard()); err == nil {
		t.Error("serverTLS() accepted missing key pair")
	}
}

type memTemplates struct {
	mu    sync.Mutex
	saved [][]byte
	saves chan struct{}
}

func (m *memTemplates) SaveTemplate(_ context.Context, encoded []byte) error {
	m.mu.Lock()
	m.saved = append(m.saved, encoded)
	m.mu.Unlock()
	m.saves <- struct{}{}
	return nil
}

func (m *memTemplates) LoadTemplate(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return nil, redis.ErrNotFound
	}
	return m.saved[len(m.saved)-1], nil
}

func TestTemplatesSurviveRestart(t *testing.T) {
	store := &memTemplates{saves: make(chan struct{}, 4)}
	first := feed.NewBroadcaster(4, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- persistTemplates(ctx, first, store, log.Discard()) }()

	tmpl := wire.JobTemplate{Version: []byte{2}, Commit: []byte("restart"), PoolTarget: []byte{0x0f}}
	first.Publish(tmpl)
	select {
	case <-store.saves:
	case <-time.After(3 * time.Second):
		t.Fatal("template was not saved")
	}
	cancel()
	if err := <-done; !stderrors.Is(err, context.Canceled) {
		t.Errorf("persistTemplates() = %v", err)
	}

	second := feed.NewBroadcaster(4, log.Discard())
	restoreTemplate(context.Background(), store, second, log.Discard())
	if got := second.Current(); !got.Equal(tmpl) {
		t.Errorf("restored %+v", got)
	}
}

func TestRestoreTemplate_NothingSaved(t *testing.T) {
	b := feed.NewBroadcaster(4, log.Discard())
	restoreTemplate(context.Background(), &memTemplates{}, b, log.Discard())
	if !b.Current().IsPlaceholder() {
		t.Error("broadcaster seeded from an empty store")
	}
}

func TestRunFeed_Disabled(t *testing.T) {
	cfg := config.Default()
	cfg.Feed.Source = config.FeedNone

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := runFeed(ctx, cfg, nil, feed.NewBroadcaster(1, log.Discard()), log.Discard())
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("runFeed() = %v", err)
	}
}
