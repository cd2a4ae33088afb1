package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	progressbar "github.com/schollz/progressbar/v3"

	"github.com/comfycord/comfycord/pkg/comfy"
	"github.com/comfycord/comfycord/pkg/config"
	"github.com/comfycord/comfycord/pkg/engine"
	"github.com/comfycord/comfycord/pkg/monitor"
	"github.com/comfycord/comfycord/pkg/queue"
	"github.com/comfycord/comfycord/pkg/store"
	"github.com/comfycord/comfycord/pkg/workflow"
)

// comfygen runs one generation from the terminal and writes the artifacts
// to disk. Useful for testing templates without a chat session.
func main() {
	var configpath string
	var conffilename string
	var feature string
	var text string
	var imagepath string
	var maskpath string
	var outdir string
	flag.StringVar(&configpath, "confpath", "./configs", "configurate file path")
	flag.StringVar(&conffilename, "conf", "config.toml", "configurate file name")
	flag.StringVar(&feature, "feature", engine.FeatureText2Image, "txt2img, img2img, upscale, inpaint, depth or animate")
	flag.StringVar(&text, "text", "", "prompt text with key:value parameters")
	flag.StringVar(&imagepath, "image", "", "source image file")
	flag.StringVar(&maskpath, "mask", "", "mask image file (inpaint)")
	flag.StringVar(&outdir, "out", ".", "output directory")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load(configpath, conffilename)
	if err != nil {
		cfg = config.Default()
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	client := comfy.NewClient(cfg.Comfyui_url, cfg.PollInterval(), logger)
	mon := monitor.New(client, cfg.Vram_threshold_gb, cfg.VramInterval(), logger)
	gate := queue.NewGate(int(cfg.Max_concurrent), logger)
	cache := workflow.NewCache(cfg.Workflows_path, logger)
	prefs, err := store.LoadPreferences(cfg.Preferences_file, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("preference store load failed")
	}

	builder := workflow.NewBuilder(cache, prefs, cfg, logger)
	eng := engine.New(cfg, builder, client, gate, mon, nil, logger)

	req := engine.Request{Feature: feature, UserId: "comfygen", Username: "comfygen", Text: text}
	if imagepath != "" {
		if req.Image, err = os.ReadFile(imagepath); err != nil {
			logger.Fatal().Err(err).Str("file", imagepath).Msg("source image unreadable")
		}
	}
	if maskpath != "" {
		if req.Mask, err = os.ReadFile(maskpath); err != nil {
			logger.Fatal().Err(err).Str("file", maskpath).Msg("mask image unreadable")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gate.Run(ctx)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("generating"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWriter(os.Stderr),
	)
	spinning := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-spinning:
				return
			case <-ticker.C:
				bar.Add(1)
			}
		}
	}()

	result, err := eng.Generate(ctx, req)
	close(spinning)
	bar.Finish()
	if err != nil {
		logger.Fatal().Err(err).Msg("generation failed")
	}

	for _, artifact := range result.Images {
		path := filepath.Join(outdir, artifact.Filename)
		if err := os.WriteFile(path, artifact.Data, 0644); err != nil {
			logger.Fatal().Err(err).Str("file", path).Msg("write failed")
		}
		os.Stdout.WriteString(path + "\n")
	}
	logger.Info().Str("model", result.Model).Dur("elapsed", result.Elapsed).Msg("done")
}
