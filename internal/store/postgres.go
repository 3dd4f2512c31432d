package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/EgorLis/Fishbot/internal/parser"
	"github.com/EgorLis/Fishbot/internal/registry"
)

type shopItemRow struct {
	Name        string `gorm:"primaryKey"`
	ShopType    string `gorm:"primaryKey"`
	Price       int64
	Currency    string
	Description *string
	Stock       *int64
	UpdatedAt   time.Time
}

func (shopItemRow) TableName() string { return "shop_items" }

type entityRow struct {
	EntityType string `gorm:"primaryKey"`
	Name       string `gorm:"primaryKey"`
	Details    string
	UpdatedAt  time.Time
}

func (entityRow) TableName() string { return "entities" }

type executionRow struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	Name       string
	ExecutedAt time.Time
	Success    bool
}

func (executionRow) TableName() string { return "command_executions" }

type commandRow struct {
	Name                string `gorm:"primaryKey"`
	CommandID           string
	Version             string
	Source              string
	Definition          string
	Stale               bool
	ConsecutiveFailures int
	DefaultSubcommand   string
	LastDiscoveredAt    *time.Time
	LastExecutedAt      *time.Time
	UpdatedAt           time.Time
}

func (commandRow) TableName() string { return "commands" }

type catchRow struct {
	ID       int64 `gorm:"primaryKey;autoIncrement"`
	Fish     string
	XP       int64
	CaughtAt time.Time
}

func (catchRow) TableName() string { return "catches" }

type cooldownRow struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	WaitMs     int64
	ObservedAt time.Time
}

func (cooldownRow) TableName() string { return "cooldowns" }

// Postgres — та же схема поверх gorm.
type Postgres struct {
	db *gorm.DB
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(
		&shopItemRow{}, &entityRow{}, &executionRow{}, &commandRow{}, &catchRow{}, &cooldownRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Postgres) UpsertShopItem(ctx context.Context, it parser.ShopItem) error {
	price, stock, err := shopNumbers(it)
	if err != nil {
		return fmt.Errorf("upsert shop item %q: %w", it.Name, err)
	}
	row := shopItemRow{
		Name:        it.Name,
		ShopType:    it.ShopType,
		Price:       price,
		Currency:    it.Currency,
		Description: it.Description,
		Stock:       stock,
		UpdatedAt:   time.Now().UTC(),
	}
	err = p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}, {Name: "shop_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"price", "currency", "description", "stock", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert shop item %q: %w", it.Name, err)
	}
	return nil
}

func (p *Postgres) UpsertGenericEntity(ctx context.Context, e parser.GenericEntity) error {
	details, err := encodeDetails(e.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	row := entityRow{EntityType: e.EntityType, Name: e.Name, Details: details, UpdatedAt: time.Now().UTC()}
	err = p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_type"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"details", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert entity %q: %w", e.Name, err)
	}
	return nil
}

func (p *Postgres) RecordCommandExecution(ctx context.Context, name string, at time.Time, success bool) error {
	row := executionRow{Name: name, ExecutedAt: at.UTC(), Success: success}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record execution %q: %w", name, err)
	}
	return nil
}

func (p *Postgres) SaveCommand(ctx context.Context, e registry.Entry) error {
	def, err := encodeDoc(e.Definition)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	row := commandRow{
		Name:                e.Name(),
		CommandID:           e.Definition.ID,
		Version:             e.Definition.Version,
		Source:              string(e.Source),
		Definition:          def,
		Stale:               e.Stale,
		ConsecutiveFailures: e.ConsecutiveFailures,
		DefaultSubcommand:   e.DefaultSubcommand,
		LastDiscoveredAt:    timePtr(e.LastDiscoveredAt),
		LastExecutedAt:      timePtr(e.LastExecutedAt),
		UpdatedAt:           time.Now().UTC(),
	}
	err = p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save command %q: %w", e.Name(), err)
	}
	return nil
}

func (p *Postgres) LogCatch(ctx context.Context, c parser.Catch, at time.Time) error {
	fish, err := encodeDoc(c)
	if err != nil {
		return fmt.Errorf("encode catch: %w", err)
	}
	if err := p.db.WithContext(ctx).Create(&catchRow{Fish: fish, XP: c.XP, CaughtAt: at.UTC()}).Error; err != nil {
		return fmt.Errorf("log catch: %w", err)
	}
	return nil
}

func (p *Postgres) LogCooldown(ctx context.Context, wait time.Duration, at time.Time) error {
	row := cooldownRow{WaitMs: wait.Milliseconds(), ObservedAt: at.UTC()}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("log cooldown: %w", err)
	}
	return nil
}

func (p *Postgres) ShopItems(ctx context.Context) ([]parser.ShopItem, error) {
	var rows []shopItemRow
	if err := p.db.WithContext(ctx).Order("shop_type, name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query shop items: %w", err)
	}
	out := make([]parser.ShopItem, 0, len(rows))
	for _, r := range rows {
		it := parser.ShopItem{
			Name:        r.Name,
			ShopType:    r.ShopType,
			Price:       uint64(r.Price),
			Currency:    r.Currency,
			Description: r.Description,
		}
		if r.Stock != nil {
			n := uint64(*r.Stock)
			it.Stock = &n
		}
		out = append(out, it)
	}
	return out, nil
}

func (p *Postgres) Commands(ctx context.Context) ([]registry.Entry, error) {
	var rows []commandRow
	if err := p.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	out := make([]registry.Entry, 0, len(rows))
	for _, r := range rows {
		e := registry.Entry{
			Source:              registry.Source(r.Source),
			Stale:               r.Stale,
			ConsecutiveFailures: r.ConsecutiveFailures,
			DefaultSubcommand:   r.DefaultSubcommand,
		}
		if err := decodeDoc(r.Definition, &e.Definition); err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}
		if r.LastDiscoveredAt != nil {
			e.LastDiscoveredAt = *r.LastDiscoveredAt
		}
		if r.LastExecutedAt != nil {
			e.LastExecutedAt = *r.LastExecutedAt
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := p.db.WithContext(ctx)
	counts := []struct {
		model any
		dst   *int64
	}{
		{&shopItemRow{}, &st.ShopItems},
		{&entityRow{}, &st.Entities},
		{&executionRow{}, &st.Executions},
		{&catchRow{}, &st.Catches},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Count(c.dst).Error; err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
