package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	foodportion "github.com/menta2k/food-portion"
	"github.com/menta2k/food-portion/internal/config"
	"github.com/menta2k/food-portion/internal/utils"
	"github.com/menta2k/food-portion/pkg/types"
)

func main() {
	var in, out, configPath, envFile string
	var backend, llmURL, visionModel, textModel string
	var plateDiameter, height float64
	var timeout time.Duration
	var verbose bool

	flag.StringVar(&in, "in", "", "input photo path or URL (jpg/png/webp)")
	flag.StringVar(&out, "out", "", "write the JSON result to this file instead of stdout")
	flag.StringVar(&configPath, "config", "", "JSON config file (optional)")
	flag.StringVar(&envFile, "env", ".env", "dotenv file to load before reading the environment")

	flag.StringVar(&backend, "backend", "", "LLM backend: ollama, llamacpp or openai")
	flag.StringVar(&llmURL, "url", "", "LLM server URL")
	flag.StringVar(&visionModel, "vision-model", "", "model used to name the food")
	flag.StringVar(&textModel, "text-model", "", "model used to estimate density")

	flag.Float64Var(&plateDiameter, "plate", 0, "plate diameter in cm (default from config)")
	flag.Float64Var(&height, "height", 0, "assumed food height in cm (default from config)")
	flag.DurationVar(&timeout, "timeout", 3*time.Minute, "overall deadline for one estimate")
	flag.BoolVar(&verbose, "v", false, "log pipeline progress to stderr")

	flag.Parse()
	if in == "" {
		log.Fatalf("usage: %s -in plate.jpg|URL [-backend ollama|llamacpp|openai] [-url server_url] [-plate 25] [-height 2.5] [-out result.json]", filepath.Base(os.Args[0]))
	}

	if out != "" && utils.GetFileExtension(out) != "json" {
		log.Fatalf("-out must name a .json file, got %s", out)
	}

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	applyFlags(cfg, backend, llmURL, visionModel, textModel, plateDiameter, height)

	logger := zap.NewNop().Sugar()
	if verbose {
		zl, err := zap.NewDevelopment()
		if err != nil {
			log.Fatalf("Failed to create logger: %v", err)
		}
		defer zl.Sync()
		logger = zl.Sugar()
	}

	estimator, err := foodportion.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	run, err := estimator.EstimateFile(ctx, in)
	if err != nil {
		if errors.Is(err, types.ErrNoMask) {
			log.Printf("hint: %s", types.Guidance)
		}
		if run != nil {
			log.Printf("run %s stopped after %v", run.ID, run.Trail)
		}
		log.Fatal(err)
	}

	res := run.Result()
	log.Printf("food=%q fraction=%.4f volume=%.2fml density=%.2fg/ml -> %.1fg",
		res.FoodName, res.PixelFraction, res.EstimatedVolumeMl, res.DensityGPerMl, res.PortionEstimateG)
	if run.Density != nil && run.Density.Fallback {
		log.Printf("density fell back to %.1f g/ml", run.Density.GramsPerMilliliter)
	}

	js, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	if out == "" {
		fmt.Println(string(js))
		return
	}
	if err := os.WriteFile(out, js, 0o644); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %s", out)
}

func applyFlags(cfg *config.Config, backend, llmURL, visionModel, textModel string, plateDiameter, height float64) {
	if backend != "" {
		cfg.LLM.Backend = backend
	}
	if llmURL != "" {
		cfg.LLM.URL = llmURL
	}
	if visionModel != "" {
		cfg.LLM.VisionModel = visionModel
	}
	if textModel != "" {
		cfg.LLM.TextModel = textModel
	}
	if plateDiameter > 0 {
		cfg.Plate.DiameterCm = plateDiameter
	}
	if height > 0 {
		cfg.Plate.HeightCm = height
	}
}
