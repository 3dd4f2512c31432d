package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/EgorLis/Fishbot/internal/correlator"
	"github.com/EgorLis/Fishbot/internal/discord"
	"github.com/EgorLis/Fishbot/internal/explorer"
	"github.com/EgorLis/Fishbot/internal/fishing"
	"github.com/EgorLis/Fishbot/internal/governor"
	"github.com/EgorLis/Fishbot/internal/logging"
	"github.com/EgorLis/Fishbot/internal/ocr"
	"github.com/EgorLis/Fishbot/internal/registry"
	"github.com/EgorLis/Fishbot/internal/scheduler"
	"github.com/EgorLis/Fishbot/internal/store"
)

const (
	DefaultPath = "conf/fishbot.yaml"
	EnvPrefix   = "FISHBOT_"

	// Virtual Fisher.
	DefaultGameAppID = "574652751745777665"
)

type CaptchaConfig struct {
	OCR ocr.Config `yaml:"ocr"`
	// AutoSolve — сразу отправлять распознанный код командой VerifyCommand.
	AutoSolve     bool   `yaml:"auto_solve" env:"CAPTCHA_AUTO_SOLVE"`
	Sound         string `yaml:"sound" env:"CAPTCHA_SOUND"` // "none", "bell" или файл (относительно ./sounds)
	VerifyCommand string `yaml:"verify_command"`
}

type AdminConfig struct {
	// Addr пустой — HTTP выключен.
	Addr string `yaml:"addr" env:"ADDR"`
}

type Config struct {
	Discord     discord.Config    `yaml:"discord"`
	Rate        governor.Config   `yaml:"rate"`
	Correlation correlator.Config `yaml:"correlation"`
	Explorer    explorer.Config   `yaml:"explorer"`
	Fishing     fishing.Config    `yaml:"fishing"`
	Schedule    scheduler.Config  `yaml:"schedule"`
	Captcha     CaptchaConfig     `yaml:"captcha"`
	Store       store.Config      `yaml:"store"`
	Admin       AdminConfig       `yaml:"admin"`
	Log         logging.Config    `yaml:"log"`
}

// Default — то, что пишется в файл при первом запуске.
func Default() Config {
	return Config{
		Rate: governor.Config{
			Tokens:         5,
			RefillInterval: 5 * time.Second,
			MinInterval:    1500 * time.Millisecond,
			CooldownOn429:  10 * time.Second,
		},
		Correlation: correlator.Config{
			GameAppID:   DefaultGameAppID,
			ClockSkew:   2 * time.Second,
			ConsumedCap: 1024,
		},
		Explorer: explorer.Config{
			Targets: []string{
				"shop", "fishdex", "buffs", "boosters",
				"prestige shop", "clan shop", "daily", "quests",
			},
			DefaultCooldown: 10 * time.Minute,
			StaleThreshold:  3,
			TickInterval:    15 * time.Second,
			ReplyTimeout:    15 * time.Second,
			DefaultSubcommands: map[string]string{
				"shop": "view",
			},
			Fallback: defaultFallback(),
		},
		Fishing: fishing.Config{
			Enabled:      true,
			Command:      "fish",
			BaseCooldown: 3 * time.Second,
			ReplyTimeout: 15 * time.Second,
		},
		Schedule: scheduler.Config{
			Tick: 30 * time.Second,
			Tasks: []scheduler.Task{
				{Command: "daily", Every: 24 * time.Hour},
				{Command: "clan claim", Every: 4 * time.Hour},
				{Command: "profile", Every: 30 * time.Minute},
			},
		},
		Captcha: CaptchaConfig{
			OCR:           ocr.Config{Endpoint: ocr.DefaultEndpoint},
			Sound:         "none",
			VerifyCommand: "verify",
		},
		Store: store.Config{Driver: store.DriverSQLite, DSN: store.DefaultSQLitePath},
		Log:   logging.Config{Level: "info"},
	}
}

// Известные команды игры на случай, когда discovery упёрся в лимит.
func defaultFallback() []registry.CommandDefinition {
	cmd := func(name string, subs ...string) registry.CommandDefinition {
		d := registry.CommandDefinition{Name: name, ID: "0", Version: "1"}
		for _, s := range subs {
			d.Subcommands = append(d.Subcommands, registry.Subcommand{Name: s})
		}
		return d
	}
	verify := cmd("verify")
	verify.Options = []registry.Option{{Name: "answer", Kind: registry.KindString, Required: true}}
	return []registry.CommandDefinition{
		cmd("fish"),
		verify,
		cmd("shop", "view"),
		cmd("fishdex"),
		cmd("buffs"),
		cmd("boosters"),
		cmd("daily"),
		cmd("profile"),
		cmd("quests"),
		cmd("prestige", "shop"),
		cmd("clan", "claim", "shop"),
	}
}

// Store держит путь к файлу и загруженный конфиг.
type Store struct {
	mu   sync.Mutex
	path string
	data Config
}

func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath
	}
	return &Store{path: path, data: Default()}
}

// Load читает .env, YAML-файл (если его нет — создаёт с дефолтами)
// и накладывает переменные окружения FISHBOT_*.
func (s *Store) Load() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	b, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.save(); err != nil {
			return Config{}, err
		}
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		cfg := Default()
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", s.path, err)
		}
		s.data = cfg
	}

	if err := applyEnv(&s.data); err != nil {
		return Config{}, err
	}
	s.data.Explorer.ChannelID = s.data.Discord.ChannelID
	s.data.Fishing.ChannelID = s.data.Discord.ChannelID
	if s.data.Discord.ApplicationID == "" {
		s.data.Discord.ApplicationID = s.data.Correlation.GameAppID
	}
	return s.data, nil
}

// Save пишет текущий конфиг обратно в файл.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("config dir: %w", err)
	}
	b, err := yaml.Marshal(&s.data)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o600)
}

// Секции разбираются по отдельности: explorer и rate задаются только файлом.
func applyEnv(c *Config) error {
	sections := []struct {
		v      any
		prefix string
	}{
		{&c.Discord, EnvPrefix},
		{&c.Captcha, EnvPrefix},
		{&c.Fishing, EnvPrefix + "FISHING_"},
		{&c.Schedule, EnvPrefix + "SCHEDULE_"},
		{&c.Store, EnvPrefix + "STORE_"},
		{&c.Admin, EnvPrefix + "ADMIN_"},
		{&c.Log, EnvPrefix + "LOG_"},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.v, env.Options{Prefix: s.prefix}); err != nil {
			return fmt.Errorf("env overrides: %w", err)
		}
	}
	return nil
}

// Validate проверяет то, без чего бот не стартует.
func (c Config) Validate() error {
	var errs []error
	if c.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required (FISHBOT_TOKEN)"))
	}
	if c.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required (FISHBOT_GUILD_ID)"))
	}
	if c.Discord.ChannelID == "" {
		errs = append(errs, errors.New("discord.channel_id is required (FISHBOT_CHANNEL_ID)"))
	}
	if c.Rate.Tokens <= 0 {
		errs = append(errs, errors.New("rate.tokens must be positive"))
	}
	switch c.Store.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	return errors.Join(errs...)
}
