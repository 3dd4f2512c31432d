package store

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EgorLis/Fishbot/internal/parser"
	"github.com/EgorLis/Fishbot/internal/registry"
)

func ptr[T any](v T) *T { return &v }

func openSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "fishbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// requirePostgres — интеграционные тесты идут только с живой базой.
func requirePostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("FISHBOT_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("FISHBOT_TEST_PG_DSN is required for postgres integration test")
	}
	p, err := OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, p.db.Exec("TRUNCATE shop_items, entities, command_executions, commands, catches, cooldowns").Error)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

var backends = map[string]func(t *testing.T) Store{
	"sqlite":   func(t *testing.T) Store { return openSQLite(t) },
	"postgres": func(t *testing.T) Store { return requirePostgres(t) },
}

func TestUpsertShopItemIsIdempotent(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			first := parser.ShopItem{Name: "Lucky Bait", ShopType: "shop", Price: 50, Currency: "coins",
				Description: ptr("Increases catch rate"), Stock: ptr(uint64(10))}
			require.NoError(t, s.UpsertShopItem(ctx, first))

			second := first
			second.Price = 65
			second.Stock = nil
			require.NoError(t, s.UpsertShopItem(ctx, second))
			require.NoError(t, s.UpsertShopItem(ctx, parser.ShopItem{Name: "Lucky Bait", ShopType: "clan", Price: 5, Currency: "tokens"}))

			items, err := s.ShopItems(ctx)
			require.NoError(t, err)
			require.Len(t, items, 2)

			assert.Equal(t, "clan", items[0].ShopType)
			got := items[1]
			assert.Equal(t, uint64(65), got.Price)
			assert.Nil(t, got.Stock)
			require.NotNil(t, got.Description)
			assert.Equal(t, "Increases catch rate", *got.Description)
		})
	}
}

func TestUpsertShopItemRejectsOverflow(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			err := s.UpsertShopItem(ctx, parser.ShopItem{Name: "Rod", ShopType: "shop", Price: math.MaxUint64, Currency: "coins"})
			require.ErrorIs(t, err, ErrOutOfRange)
			err = s.UpsertShopItem(ctx, parser.ShopItem{Name: "Rod", ShopType: "shop", Price: 1, Currency: "coins", Stock: ptr(uint64(math.MaxInt64) + 1)})
			require.ErrorIs(t, err, ErrOutOfRange)

			items, err := s.ShopItems(ctx)
			require.NoError(t, err)
			assert.Empty(t, items, "nothing wrapped into a negative value")
		})
	}
}

func TestUpsertGenericEntity(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	e := parser.GenericEntity{EntityType: "biome", Name: "River", Details: map[string]string{"level": "1"}}
	require.NoError(t, s.UpsertGenericEntity(ctx, e))
	e.Details = map[string]string{"level": "5", "fish": "Salmon"}
	require.NoError(t, s.UpsertGenericEntity(ctx, e))

	got, err := s.Entity(ctx, "biome", "River")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"level": "5", "fish": "Salmon"}, got.Details)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Entities)
}

func TestSaveCommandRoundTrip(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.UnixMilli(time.Now().UnixMilli())

			e := registry.Entry{
				Definition: registry.CommandDefinition{
					Name:    "shop",
					ID:      "3",
					Version: "5",
					Subcommands: []registry.Subcommand{{
						Name:    "view",
						Options: []registry.Option{{Name: "page", Kind: registry.KindInteger, Choices: []registry.Choice{{Name: "one", Value: 1}}}},
					}},
				},
				Source:            registry.SourceDiscovered,
				LastDiscoveredAt:  now,
				DefaultSubcommand: "view",
			}
			require.NoError(t, s.SaveCommand(ctx, e))

			e.ConsecutiveFailures = 3
			e.Stale = true
			require.NoError(t, s.SaveCommand(ctx, e))

			cmds, err := s.Commands(ctx)
			require.NoError(t, err)
			require.Len(t, cmds, 1)
			got := cmds[0]
			assert.Equal(t, "shop", got.Name())
			assert.True(t, got.Stale)
			assert.Equal(t, 3, got.ConsecutiveFailures)
			assert.Equal(t, registry.SourceDiscovered, got.Source)
			assert.Equal(t, "view", got.DefaultSubcommand)
			assert.True(t, now.Equal(got.LastDiscoveredAt))
			assert.True(t, got.LastExecutedAt.IsZero())

			opts, ok := got.Definition.Resolve([]string{"view"})
			require.True(t, ok)
			require.Len(t, opts, 1)
			assert.Equal(t, registry.KindInteger, opts[0].Kind)
			assert.EqualValues(t, 1, opts[0].Choices[0].Value)
		})
	}
}

func TestLogsAndStats(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.RecordCommandExecution(ctx, "shop", now, true))
	require.NoError(t, s.RecordCommandExecution(ctx, "shop", now, false))
	require.NoError(t, s.LogCatch(ctx, parser.Catch{Fish: []parser.FishCount{{Name: "Cod", Count: 2}}, XP: 40}, now))
	require.NoError(t, s.LogCooldown(ctx, 3500*time.Millisecond, now))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Executions: 2, Catches: 1}, st)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(context.Background(), Config{DSN: filepath.Join(dir, "nested", "bot.db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.FileExists(t, filepath.Join(dir, "nested", "bot.db"))

	_, err = Open(context.Background(), Config{Driver: "mongo"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: DriverPostgres})
	assert.Error(t, err)
}

func TestCodecKeepsOnlyObjects(t *testing.T) {
	_, err := encodeDoc([]int{1, 2})
	assert.Error(t, err)

	s, err := encodeDetails(nil)
	require.NoError(t, err)
	got, err := decodeDetails(s)
	require.NoError(t, err)
	assert.Empty(t, got)
}
