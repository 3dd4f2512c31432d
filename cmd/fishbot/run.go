package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/EgorLis/Fishbot/internal/admin"
	"github.com/EgorLis/Fishbot/internal/bot"
	"github.com/EgorLis/Fishbot/internal/config"
	"github.com/EgorLis/Fishbot/internal/discord"
	"github.com/EgorLis/Fishbot/internal/explorer"
	"github.com/EgorLis/Fishbot/internal/logging"
	"github.com/EgorLis/Fishbot/internal/registry"
	"github.com/EgorLis/Fishbot/internal/store"
)

// setup — общее для run и discover: конфиг, логгер, база, клиент платформы.
func setup(ctx context.Context, flags rootFlags) (config.Config, *zap.Logger, store.Store, *discord.Client, error) {
	cfg, err := config.NewStore(flags.config).Load()
	if err != nil {
		return cfg, nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, nil, nil, fmt.Errorf("config %s: %w", flags.config, err)
	}

	log, err := logging.New(cfg.Log, flags.verbose)
	if err != nil {
		return cfg, nil, nil, nil, err
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		_ = log.Sync()
		return cfg, nil, nil, nil, fmt.Errorf("store: %w", err)
	}

	client, err := discord.New(cfg.Discord, log.Named("gateway"))
	if err != nil {
		_ = st.Close()
		_ = log.Sync()
		return cfg, nil, nil, nil, err
	}
	return cfg, log, st, client, nil
}

func runBot(ctx context.Context, flags rootFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, st, client, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	defer st.Close()

	b := bot.New(cfg, client, st, log)
	if err := b.Start(ctx); err != nil {
		return err
	}

	adminErr := make(chan error, 1)
	if cfg.Admin.Addr != "" {
		go func() {
			adminErr <- admin.Serve(ctx, cfg.Admin.Addr, admin.Handler{Bot: b, Log: log.Named("admin")})
		}()
	}

	log.Info("running… press Ctrl+C to stop")
	select {
	case <-ctx.Done():
	case <-b.Done():
	case err := <-adminErr:
		if err != nil {
			log.Error("admin server failed", zap.Error(err))
		}
	}
	stop()

	if err := b.Stop(); err != nil {
		return err
	}
	log.Info("bye")
	return nil
}

// runDiscover: одно discovery без gateway, результат — YAML реестра.
func runDiscover(ctx context.Context, flags rootFlags, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, log, st, client, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	defer st.Close()

	reg := registry.New()
	ex := explorer.New(cfg.Explorer, explorer.Deps{
		Registry:   reg,
		Discoverer: client,
		Store:      st,
		Log:        log.Named("explorer"),
	})
	if _, err := ex.Discover(ctx); err != nil {
		var de *explorer.DiscoveryError
		if !errors.As(err, &de) || de.Kind != explorer.DiscoveryRateLimited {
			return err
		}
		log.Warn("discovery rate limited, printing fallback definitions")
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(map[string]any{"commands": reg.All()})
}
