// Package app holds the process bootstrap shared by the ingest and worker
// binaries.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/db"
	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/store"
	"github.com/austindbirch/harbor_dispatch/internal/store/postgres"
	"github.com/austindbirch/harbor_dispatch/internal/store/sqlite"
)

// NewLogger writes JSON lines to stdout at the configured level.
func NewLogger(service string, cfg config.Config) *logging.Logger {
	return logging.NewWithWriter(service, logging.ParseLevel(cfg.Log.Level), os.Stdout)
}

// OpenStore connects the configured backend and applies its schema.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			return nil, err
		}
		s := postgres.New(pool)
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// NewFeed returns the attempt feed and a stop func. With NSQ disabled the
// feed is nil, which publishes nothing.
func NewFeed(cfg config.NSQ) (*delivery.Feed, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	prod, err := nsq.NewProducer(cfg.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("nsq producer: %w", err)
	}
	return delivery.NewFeed(prod, cfg.AttemptsTopic, cfg.DLQTopic), prod.Stop, nil
}
