package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/EgorLis/Fishbot/internal/parser"
	"github.com/EgorLis/Fishbot/internal/registry"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS shop_items (
		name        TEXT    NOT NULL,
		shop_type   TEXT    NOT NULL,
		price       INTEGER NOT NULL,
		currency    TEXT    NOT NULL,
		description TEXT,
		stock       INTEGER,
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (name, shop_type)
	)`,
	`CREATE TABLE IF NOT EXISTS entities (
		entity_type TEXT    NOT NULL,
		name        TEXT    NOT NULL,
		details     TEXT    NOT NULL,
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (entity_type, name)
	)`,
	`CREATE TABLE IF NOT EXISTS command_executions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT    NOT NULL,
		executed_at INTEGER NOT NULL,
		success     INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS commands (
		name                 TEXT PRIMARY KEY,
		command_id           TEXT    NOT NULL,
		version              TEXT    NOT NULL,
		source               TEXT    NOT NULL,
		definition           TEXT    NOT NULL,
		stale                INTEGER NOT NULL,
		consecutive_failures INTEGER NOT NULL,
		default_subcommand   TEXT    NOT NULL,
		last_discovered_at   INTEGER NOT NULL,
		last_executed_at     INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS catches (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		fish      TEXT    NOT NULL,
		xp        INTEGER NOT NULL,
		caught_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cooldowns (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		wait_ms     INTEGER NOT NULL,
		observed_at INTEGER NOT NULL
	)`,
}

// SQLite — хранилище в одном файле (modernc.org/sqlite, без cgo).
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// один писатель, иначе SQLITE_BUSY под нагрузкой
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("sqlite pragma: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) UpsertShopItem(ctx context.Context, it parser.ShopItem) error {
	price, n, err := shopNumbers(it)
	if err != nil {
		return fmt.Errorf("upsert shop item %q: %w", it.Name, err)
	}
	var stock sql.NullInt64
	if n != nil {
		stock = sql.NullInt64{Int64: *n, Valid: true}
	}
	var desc sql.NullString
	if it.Description != nil {
		desc = sql.NullString{String: *it.Description, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shop_items (name, shop_type, price, currency, description, stock, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, shop_type) DO UPDATE SET
			price = excluded.price,
			currency = excluded.currency,
			description = excluded.description,
			stock = excluded.stock,
			updated_at = excluded.updated_at`,
		it.Name, it.ShopType, price, it.Currency, desc, stock, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert shop item %q: %w", it.Name, err)
	}
	return nil
}

func (s *SQLite) UpsertGenericEntity(ctx context.Context, e parser.GenericEntity) error {
	details, err := encodeDetails(e.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (entity_type, name, details, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_type, name) DO UPDATE SET
			details = excluded.details,
			updated_at = excluded.updated_at`,
		e.EntityType, e.Name, details, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert entity %q: %w", e.Name, err)
	}
	return nil
}

func (s *SQLite) RecordCommandExecution(ctx context.Context, name string, at time.Time, success bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_executions (name, executed_at, success) VALUES (?, ?, ?)`,
		name, unixMilli(at), success)
	if err != nil {
		return fmt.Errorf("record execution %q: %w", name, err)
	}
	return nil
}

func (s *SQLite) SaveCommand(ctx context.Context, e registry.Entry) error {
	def, err := encodeDoc(e.Definition)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commands (name, command_id, version, source, definition, stale,
			consecutive_failures, default_subcommand, last_discovered_at, last_executed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			command_id = excluded.command_id,
			version = excluded.version,
			source = excluded.source,
			definition = excluded.definition,
			stale = excluded.stale,
			consecutive_failures = excluded.consecutive_failures,
			default_subcommand = excluded.default_subcommand,
			last_discovered_at = excluded.last_discovered_at,
			last_executed_at = excluded.last_executed_at,
			updated_at = excluded.updated_at`,
		e.Name(), e.Definition.ID, e.Definition.Version, string(e.Source), def, e.Stale,
		e.ConsecutiveFailures, e.DefaultSubcommand, unixMilli(e.LastDiscoveredAt),
		unixMilli(e.LastExecutedAt), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save command %q: %w", e.Name(), err)
	}
	return nil
}

func (s *SQLite) LogCatch(ctx context.Context, c parser.Catch, at time.Time) error {
	fish, err := encodeDoc(c)
	if err != nil {
		return fmt.Errorf("encode catch: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO catches (fish, xp, caught_at) VALUES (?, ?, ?)`, fish, c.XP, unixMilli(at))
	if err != nil {
		return fmt.Errorf("log catch: %w", err)
	}
	return nil
}

func (s *SQLite) LogCooldown(ctx context.Context, wait time.Duration, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cooldowns (wait_ms, observed_at) VALUES (?, ?)`, wait.Milliseconds(), unixMilli(at))
	if err != nil {
		return fmt.Errorf("log cooldown: %w", err)
	}
	return nil
}

func (s *SQLite) ShopItems(ctx context.Context) ([]parser.ShopItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, shop_type, price, currency, description, stock FROM shop_items ORDER BY shop_type, name`)
	if err != nil {
		return nil, fmt.Errorf("query shop items: %w", err)
	}
	defer rows.Close()

	var out []parser.ShopItem
	for rows.Next() {
		var (
			it    parser.ShopItem
			price int64
			desc  sql.NullString
			stock sql.NullInt64
		)
		if err := rows.Scan(&it.Name, &it.ShopType, &price, &it.Currency, &desc, &stock); err != nil {
			return nil, err
		}
		it.Price = uint64(price)
		if desc.Valid {
			d := desc.String
			it.Description = &d
		}
		if stock.Valid {
			n := uint64(stock.Int64)
			it.Stock = &n
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLite) Commands(ctx context.Context) ([]registry.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, definition, stale, consecutive_failures, default_subcommand,
			last_discovered_at, last_executed_at
		FROM commands ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var out []registry.Entry
	for rows.Next() {
		var (
			e                registry.Entry
			source, def      string
			discovered, exec int64
		)
		if err := rows.Scan(&source, &def, &e.Stale, &e.ConsecutiveFailures, &e.DefaultSubcommand, &discovered, &exec); err != nil {
			return nil, err
		}
		if err := decodeDoc(def, &e.Definition); err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}
		e.Source = registry.Source(source)
		e.LastDiscoveredAt = fromUnixMilli(discovered)
		e.LastExecutedAt = fromUnixMilli(exec)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM shop_items),
			(SELECT COUNT(*) FROM entities),
			(SELECT COUNT(*) FROM command_executions),
			(SELECT COUNT(*) FROM catches)`).
		Scan(&st.ShopItems, &st.Entities, &st.Executions, &st.Catches)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// Entity читает одну сущность по ключу.
func (s *SQLite) Entity(ctx context.Context, entityType, name string) (parser.GenericEntity, error) {
	var details string
	err := s.db.QueryRowContext(ctx,
		`SELECT details FROM entities WHERE entity_type = ? AND name = ?`, entityType, name).Scan(&details)
	if err != nil {
		return parser.GenericEntity{}, err
	}
	d, err := decodeDetails(details)
	if err != nil {
		return parser.GenericEntity{}, err
	}
	return parser.GenericEntity{EntityType: entityType, Name: name, Details: d}, nil
}
