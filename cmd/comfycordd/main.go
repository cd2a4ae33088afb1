package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/comfycord/comfycord/pkg/api"
	"github.com/comfycord/comfycord/pkg/comfy"
	"github.com/comfycord/comfycord/pkg/config"
	"github.com/comfycord/comfycord/pkg/engine"
	"github.com/comfycord/comfycord/pkg/monitor"
	"github.com/comfycord/comfycord/pkg/prompt"
	"github.com/comfycord/comfycord/pkg/queue"
	"github.com/comfycord/comfycord/pkg/service"
	"github.com/comfycord/comfycord/pkg/store"
	"github.com/comfycord/comfycord/pkg/workflow"
)

var GitCommit string

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
}

func main() {
	var configpath string
	var conffilename string
	flag.StringVar(&configpath, "confpath", "./configs", "configurate file path")
	flag.StringVar(&conffilename, "conf", "config.toml", "configurate file name")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load(configpath, conffilename)
	if err != nil {
		cfg = config.Default()
		l := newLogger(cfg.Log_level)
		l.Warn().Err(err).Msg("config load failed, using defaults")
	}
	logger := newLogger(cfg.Log_level)
	logger.Info().Str("version", GitCommit).Str("backend", cfg.Comfyui_url).Msg("comfycordd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := comfy.NewClient(cfg.Comfyui_url, cfg.PollInterval(), logger)
	mon := monitor.New(client, cfg.Vram_threshold_gb, cfg.VramInterval(), logger)
	gate := queue.NewGate(int(cfg.Max_concurrent), logger)
	cache := workflow.NewCache(cfg.Workflows_path, logger)
	options := prompt.NewOptions(cfg.Prompts_path, logger)

	prefs, err := store.LoadPreferences(cfg.Preferences_file, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("preference store load failed")
	}
	stats, err := store.OpenStats(cfg.Db_path, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("stats store open failed")
	}
	defer stats.Close()
	admins, err := store.LoadAdmins(cfg.Admins_file, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("admin list load failed")
	}

	builder := workflow.NewBuilder(cache, prefs, cfg, logger)
	eng := engine.New(cfg, builder, client, gate, mon, stats, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gate.Run(ctx) })
	g.Go(func() error { return cache.Watch(ctx) })

	started := false
	for _, svc := range cfg.Service {
		name := svc["name"]
		if strings.HasPrefix(name, "discord") == false {
			logger.Warn().Str("service", name).Msg("unknown service type, skipping")
			continue
		}
		token := os.Getenv("DISCORD_BOT_TOKEN")
		if token == "" {
			token = svc["token"]
		}
		if token == "" {
			logger.Fatal().Str("service", name).Msg("no discord token configured")
		}
		prefix := svc["prefix"]
		if prefix == "" {
			prefix = "!"
		}
		d := service.NewDiscordService(token, prefix, cfg, eng, cache, options, stats, admins, stop, logger)
		g.Go(func() error { return d.Start(ctx) })
		started = true
	}
	if cfg.Api_listen != "" {
		g.Go(func() error { return api.StartApiServer(ctx, cfg.Jwt_secret, cfg.Api_listen, eng, logger) })
		started = true
	}
	if started == false {
		logger.Fatal().Msg("no service configured, nothing to do")
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("comfycordd exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("comfycordd stopped")
}
