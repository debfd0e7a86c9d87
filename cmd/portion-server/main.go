package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	foodportion "github.com/menta2k/food-portion"
	"github.com/menta2k/food-portion/internal/config"
)

func main() {
	var configPath, envFile, addr string
	var debug, initConfig bool

	flag.StringVar(&configPath, "config", "", "JSON config file (optional)")
	flag.StringVar(&envFile, "env", ".env", "dotenv file to load before reading the environment")
	flag.StringVar(&addr, "addr", "", "listen address, overrides config and PORTION_HTTP_ADDR")
	flag.BoolVar(&debug, "debug", false, "development logging")
	flag.BoolVar(&initConfig, "init-config", false, "write the effective configuration to the config path and exit")
	flag.Parse()

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if initConfig {
		path := configPath
		if path == "" {
			path = config.GetConfigPath()
		}
		if err := cfg.SaveToFile(path); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		log.Printf("wrote %s", path)
		return
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	zl, err := newLogger(debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	estimator, err := foodportion.New(cfg, logger)
	if err != nil {
		logger.Fatalw("failed to initialize", "error", err)
	}

	logger.Infow("food portion server",
		"version", foodportion.GetVersion(),
		"addr", cfg.Server.Addr,
		"llm_backend", cfg.LLM.Backend,
		"vision_model", cfg.LLM.VisionModel,
		"text_model", cfg.LLM.TextModel,
		"segmentation_version", cfg.Segmentation.ModelVersion,
		"plate_diameter_cm", cfg.Plate.DiameterCm,
		"assumed_height_cm", cfg.Plate.HeightCm)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := estimator.Server().ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		logger.Fatalw("server failed", "error", err)
	}
	logger.Infow("server stopped")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
