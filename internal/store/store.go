package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/store/memory"
	"github.com/JakeFAU/media-harvester/internal/store/postgres"
	"github.com/JakeFAU/media-harvester/internal/store/sqlite"
)

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Driver          string
	SQLitePath      string
	PostgresDSN     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Open builds the backend named by cfg.Driver and applies pending migrations.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (harvest.RecordStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case DriverMemory:
		logger.Info("using in-memory record store")
		return memory.New(), nil
	case DriverSQLite, "":
		rs, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("opened sqlite record store", zap.String("path", cfg.SQLitePath))
		return rs, nil
	case DriverPostgres:
		rs, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.PostgresDSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		logger.Info("opened postgres record store")
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// Locked serializes every Update of rs behind locker. Reads pass through.
func Locked(rs harvest.RecordStore, locker sync.Locker) harvest.RecordStore {
	if locker == nil {
		locker = &sync.Mutex{}
	}
	return &lockedStore{RecordStore: rs, locker: locker}
}

type lockedStore struct {
	harvest.RecordStore
	locker sync.Locker
}

func (s *lockedStore) Update(ctx context.Context, fn func(tx harvest.Tx) error) error {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.RecordStore.Update(ctx, fn)
}
