// Package foodportion estimates the mass of a single food item from one photo.
//
// A vision model names the dish, a hosted segmentation model returns a mask of
// the food region, the mask's share of the displayed image is converted to a
// volume under a fixed plate geometry, and a language model supplies the
// density that turns volume into grams.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		foodportion "github.com/menta2k/food-portion"
//		"github.com/menta2k/food-portion/internal/config"
//	)
//
//	func main() {
//		cfg, err := config.Load("")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		estimator, err := foodportion.New(cfg, nil)
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		run, err := estimator.EstimateFile(context.Background(), "plate.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		res := run.Result()
//		fmt.Printf("%s: %.1f g\n", res.FoodName, res.PortionEstimateG)
//	}
//
// The package wires these components:
//
// 1. Identify (pkg/identify): vision model prompt and name cleanup
// 2. Segmentation (pkg/segmentation): create-and-poll prediction client
// 3. Fraction (pkg/fraction): pixel fraction of a mask over the display grid
// 4. Density (pkg/density): text model prompt with a 1.0 g/ml fallback
// 5. Portion (pkg/portion): plate geometry and grams
// 6. Pipeline (pkg/pipeline): sequencing, state trail and metrics
//
// Estimates are rough. The plate diameter and food height are fixed
// assumptions, not measurements.
package foodportion

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/menta2k/food-portion/internal/config"
	"github.com/menta2k/food-portion/internal/metrics"
	"github.com/menta2k/food-portion/internal/server"
	"github.com/menta2k/food-portion/pkg/client"
	"github.com/menta2k/food-portion/pkg/density"
	"github.com/menta2k/food-portion/pkg/identify"
	"github.com/menta2k/food-portion/pkg/llamacpp"
	"github.com/menta2k/food-portion/pkg/ollama"
	"github.com/menta2k/food-portion/pkg/photo"
	"github.com/menta2k/food-portion/pkg/pipeline"
	"github.com/menta2k/food-portion/pkg/portion"
	"github.com/menta2k/food-portion/pkg/processing"
	"github.com/menta2k/food-portion/pkg/segmentation"
)

// Version of the food portion library
const Version = "1.0.0"

// Estimator provides a high-level interface over the estimation pipeline
type Estimator struct {
	config   *config.Config
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	photos   *photo.Loader
	logger   *zap.SugaredLogger
}

// New wires every component from cfg. A nil logger discards output.
func New(cfg *config.Config, logger *zap.SugaredLogger) (*Estimator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Segmentation.ModelVersion == "" {
		return nil, fmt.Errorf("segmentation.model_version is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	llm, err := NewLLMClient(cfg.LLM)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	processor := processing.NewProcessor()
	segmenter := segmentation.New(segmentation.Config{
		BaseURL:      cfg.Segmentation.APIURL,
		Token:        cfg.Segmentation.APIToken,
		ModelVersion: cfg.Segmentation.ModelVersion,
	}, segmentation.WithLogger(logger.Named("segmentation")))

	p := pipeline.New(pipeline.Deps{
		Identifier: identify.New(llm, cfg.LLM.VisionModel),
		Segmenter:  segmenter,
		Density:    density.New(llm, cfg.LLM.TextModel, logger.Named("density")),
		Processor:  processor,
		Logger:     logger.Named("pipeline"),
		Metrics:    m,
	}, pipeline.Options{
		Plate: portion.PlateOptions{
			PlateDiameterCm: cfg.Plate.DiameterCm,
			AssumedHeightCm: cfg.Plate.HeightCm,
		},
		DisplayMaxDim: cfg.Measurement.DisplayMaxDim,
		SendMaxDim:    cfg.LLM.SendMaxDim,
	})

	return &Estimator{
		config:   cfg,
		pipeline: p,
		metrics:  m,
		photos:   photo.NewWithConfig(photo.DefaultConfig(), processor),
		logger:   logger,
	}, nil
}

// NewLLMClient creates the vision and text client for the configured backend.
// The openai backend speaks the same chat completions protocol as llama.cpp.
func NewLLMClient(cfg config.LLMConfig) (client.LLMClient, error) {
	switch cfg.Backend {
	case "ollama":
		c, err := ollama.NewClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return c, nil
	case "llamacpp", "openai":
		c, err := llamacpp.NewClient(cfg.URL, cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s client: %w", cfg.Backend, err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown backend: %s (use ollama, llamacpp or openai)", cfg.Backend)
	}
}

// Pipeline returns the wired pipeline
func (e *Estimator) Pipeline() *pipeline.Pipeline {
	return e.pipeline
}

// Metrics returns the collectors the pipeline reports to
func (e *Estimator) Metrics() *metrics.Metrics {
	return e.metrics
}

// Server builds the HTTP surface over the pipeline
func (e *Estimator) Server() *server.Server {
	return server.New(e.pipeline, e.metrics, e.logger.Named("http"), e.config.Server.AllowedOrigins)
}

// EstimateFile loads a photo from a path or URL and runs the whole pipeline
func (e *Estimator) EstimateFile(ctx context.Context, src string) (*pipeline.Run, error) {
	in, err := e.photos.Load(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("failed to load photo: %w", err)
	}
	return e.pipeline.Run(ctx, in)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
