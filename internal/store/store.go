package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/EgorLis/Fishbot/internal/parser"
	"github.com/EgorLis/Fishbot/internal/registry"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultSQLitePath = "data/fishbot.db"
)

// ErrOutOfRange — цена или запас не помещаются в BIGINT.
var ErrOutOfRange = errors.New("value exceeds int64 range")

// shopNumbers переводит цену и запас в знаковые колонки без переполнения.
func shopNumbers(it parser.ShopItem) (price int64, stock *int64, err error) {
	if it.Price > math.MaxInt64 {
		return 0, nil, fmt.Errorf("price %d: %w", it.Price, ErrOutOfRange)
	}
	if it.Stock != nil {
		if *it.Stock > math.MaxInt64 {
			return 0, nil, fmt.Errorf("stock %d: %w", *it.Stock, ErrOutOfRange)
		}
		n := int64(*it.Stock)
		stock = &n
	}
	return int64(it.Price), stock, nil
}

type Config struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// Store — всё, что бот пишет в базу. Обе реализации идемпотентны по
// ключам сущностей: повторный upsert заменяет запись.
type Store interface {
	UpsertShopItem(ctx context.Context, it parser.ShopItem) error
	UpsertGenericEntity(ctx context.Context, e parser.GenericEntity) error
	RecordCommandExecution(ctx context.Context, name string, at time.Time, success bool) error
	SaveCommand(ctx context.Context, e registry.Entry) error
	LogCatch(ctx context.Context, c parser.Catch, at time.Time) error
	LogCooldown(ctx context.Context, wait time.Duration, at time.Time) error

	ShopItems(ctx context.Context) ([]parser.ShopItem, error)
	Commands(ctx context.Context) ([]registry.Entry, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Postgres)(nil)
)

// Stats — счётчики для !status и /status.
type Stats struct {
	ShopItems  int64 `json:"shop_items"`
	Entities   int64 `json:"entities"`
	Executions int64 `json:"executions"`
	Catches    int64 `json:"catches"`
}

// Open выбирает реализацию по cfg.Driver (по умолчанию sqlite).
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSQLite:
		path := cfg.DSN
		if path == "" {
			path = DefaultSQLitePath
		}
		if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		return OpenSQLite(ctx, path)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store: postgres requires dsn")
		}
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
