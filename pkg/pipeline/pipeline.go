// Package pipeline sequences identification, segmentation, measurement and
// portion estimation for one photo. Runs share no mutable state; every call
// owns its own Run.
package pipeline

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/food-portion/internal/metrics"
	"github.com/menta2k/food-portion/pkg/fraction"
	"github.com/menta2k/food-portion/pkg/portion"
	"github.com/menta2k/food-portion/pkg/processing"
	"github.com/menta2k/food-portion/pkg/types"
)

// Identifier names the dish in an image
type Identifier interface {
	Identify(ctx context.Context, imageB64 string) (types.FoodIdentification, error)
}

// Segmenter produces a segmentation result for an image
type Segmenter interface {
	Invoke(ctx context.Context, in types.ImageInput) (*types.SegmentationResult, error)
}

// DensityEstimator never fails; it falls back to a default density
type DensityEstimator interface {
	Estimate(ctx context.Context, foodName string) types.DensityEstimate
}

// MaskLoader resolves a mask reference to an image
type MaskLoader interface {
	LoadMask(ctx context.Context, ref string) (image.Image, error)
}

// Options are the per-process knobs of a Pipeline
type Options struct {
	Plate         portion.PlateOptions
	DisplayMaxDim int
	SendMaxDim    int
}

// Pipeline wires the collaborators together
type Pipeline struct {
	identifier Identifier
	segmenter  Segmenter
	density    DensityEstimator
	loader     MaskLoader
	processor  *processing.Processor
	meter      *fraction.Meter
	opts       Options
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
}

// Deps are the collaborators of a Pipeline. Loader defaults to Processor.
type Deps struct {
	Identifier Identifier
	Segmenter  Segmenter
	Density    DensityEstimator
	Loader     MaskLoader
	Processor  *processing.Processor
	Logger     *zap.SugaredLogger
	Metrics    *metrics.Metrics
}

// New creates a Pipeline
func New(deps Deps, opts Options) *Pipeline {
	if deps.Processor == nil {
		deps.Processor = processing.NewProcessor()
	}
	if deps.Loader == nil {
		deps.Loader = deps.Processor
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	return &Pipeline{
		identifier: deps.Identifier,
		segmenter:  deps.Segmenter,
		density:    deps.Density,
		loader:     deps.Loader,
		processor:  deps.Processor,
		meter:      fraction.New(deps.Processor),
		opts:       opts,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
	}
}

// Run executes every stage for one image. On failure the returned Run holds
// the state trail and the reason but no numbers.
func (p *Pipeline) Run(ctx context.Context, in types.ImageInput) (*Run, error) {
	run := newRun(uuid.NewString())
	log := p.logger.With("run", run.ID)
	log.Infow("pipeline started", "bytes", len(in.Data), "media_type", in.MediaType)

	refW, refH, err := p.referenceSize(in)
	if err != nil {
		return run.fail(err), err
	}

	ident, err := p.Identify(ctx, in)
	if err != nil {
		log.Warnw("identification failed", "error", err)
		return run.fail(err), err
	}
	run.Identification = &ident
	run.advance(StateIdentified)
	log.Infow("food identified", "food", ident.FoodName)

	// density depends only on the food name, so it runs alongside the
	// segmentation chain
	var dens types.DensityEstimate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dens = p.Density(gctx, ident.FoodName)
		return nil
	})
	g.Go(func() error {
		seg, err := p.Segment(gctx, in)
		if err != nil {
			return err
		}
		run.Segmentation = seg
		if !seg.HasMask() {
			return &types.NoMaskFoundError{PredictionID: seg.ID}
		}
		run.advance(StateSegmented)

		frac, err := p.measureRef(gctx, *seg.MaskURL, refW, refH)
		if err != nil {
			return err
		}
		if err := portion.ValidateFraction(frac); err != nil {
			return err
		}
		run.PixelFraction = frac
		run.advance(StateMeasured)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Warnw("pipeline halted", "state", run.State, "error", err)
		return run.fail(err), err
	}
	run.Density = &dens

	start := time.Now()
	est, err := portion.Estimate(run.PixelFraction, dens.GramsPerMilliliter, p.opts.Plate)
	if err != nil {
		p.metrics.ObserveStage("estimate", outcome(err), time.Since(start))
		return run.fail(err), err
	}
	est.FoodName = ident.FoodName
	run.Estimate = &est
	run.advance(StateEstimated)
	p.metrics.ObserveStage("estimate", "ok", time.Since(start))
	p.metrics.ObservePortion(est.PortionGrams)

	log.Infow("portion estimated",
		"food", est.FoodName,
		"fraction", est.PixelFraction,
		"volume_ml", est.EstimatedVolumeMl,
		"density", est.DensityGPerMl,
		"grams", est.PortionGrams)
	return run, nil
}

// Identify runs the identification stage alone
func (p *Pipeline) Identify(ctx context.Context, in types.ImageInput) (types.FoodIdentification, error) {
	start := time.Now()
	b64 := p.processor.PrepareInputForModel(in, p.opts.SendMaxDim)
	ident, err := p.identifier.Identify(ctx, b64)
	p.metrics.ObserveStage("identify", outcome(err), time.Since(start))
	return ident, err
}

// Segment runs the segmentation stage alone. A result without mask is not an error here.
func (p *Pipeline) Segment(ctx context.Context, in types.ImageInput) (*types.SegmentationResult, error) {
	start := time.Now()
	seg, err := p.segmenter.Invoke(ctx, in)
	if err != nil {
		p.metrics.ObserveStage("segment", outcome(err), time.Since(start))
		return nil, err
	}
	p.metrics.ObservePolls(seg.Polls)
	if !seg.HasMask() {
		p.metrics.ObserveStage("segment", "no_mask", time.Since(start))
		p.logger.Warnw("segmentation returned no mask", "prediction", seg.ID, "hint", types.Guidance)
		return seg, nil
	}
	p.metrics.ObserveStage("segment", "ok", time.Since(start))
	return seg, nil
}

// Density runs the density stage alone
func (p *Pipeline) Density(ctx context.Context, foodName string) types.DensityEstimate {
	start := time.Now()
	d := p.density.Estimate(ctx, foodName)
	if d.Fallback {
		p.metrics.DensityFallback()
		p.metrics.ObserveStage("density", "fallback", time.Since(start))
	} else {
		p.metrics.ObserveStage("density", "ok", time.Since(start))
	}
	return d
}

// Measurement is the result of measuring a mask against an image
type Measurement struct {
	PixelFraction float64 `json:"pixelFraction"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	Valid         bool    `json:"valid"`
}

// Measure computes the pixel fraction of maskRef over the displayed grid of in
func (p *Pipeline) Measure(ctx context.Context, in types.ImageInput, maskRef string) (Measurement, error) {
	refW, refH, err := p.referenceSize(in)
	if err != nil {
		return Measurement{}, err
	}
	frac, err := p.measureRef(ctx, maskRef, refW, refH)
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{
		PixelFraction: frac,
		Width:         refW,
		Height:        refH,
		Valid:         portion.ValidateFraction(frac) == nil,
	}, nil
}

// EstimatePortion serves the estimatePortion contract: the caller has
// already measured the fraction, only density and arithmetic remain
func (p *Pipeline) EstimatePortion(ctx context.Context, req types.EstimateRequest) (types.PortionEstimate, error) {
	if err := req.Validate(); err != nil {
		return types.PortionEstimate{}, err
	}
	if err := portion.ValidateFraction(*req.PixelFraction); err != nil {
		return types.PortionEstimate{}, err
	}
	if _, err := types.ImageFromBase64(req.ImageBase64); err != nil {
		return types.PortionEstimate{}, err
	}

	dens := p.Density(ctx, req.FoodName)
	start := time.Now()
	est, err := portion.Estimate(*req.PixelFraction, dens.GramsPerMilliliter, p.opts.Plate)
	p.metrics.ObserveStage("estimate", outcome(err), time.Since(start))
	if err != nil {
		return types.PortionEstimate{}, err
	}
	est.FoodName = req.FoodName
	p.metrics.ObservePortion(est.PortionGrams)
	return est, nil
}

func (p *Pipeline) measureRef(ctx context.Context, ref string, refW, refH int) (float64, error) {
	start := time.Now()
	mask, err := p.loader.LoadMask(ctx, ref)
	if err != nil {
		p.metrics.ObserveStage("measure", outcome(err), time.Since(start))
		return 0, err
	}
	frac, err := p.meter.Measure(mask, refW, refH)
	p.metrics.ObserveStage("measure", outcome(err), time.Since(start))
	return frac, err
}

func (p *Pipeline) referenceSize(in types.ImageInput) (int, int, error) {
	if len(in.Data) == 0 {
		return 0, 0, types.NewInputError("image", "required")
	}
	w, h, err := p.processor.ImageSize(in.Data)
	if err != nil {
		return 0, 0, types.NewInputError("image", "not a decodable png, jpeg or webp")
	}
	dw, dh := processing.DisplaySize(w, h, p.opts.DisplayMaxDim)
	return dw, dh, nil
}

// outcome labels an error for metrics
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, types.ErrInput):
		return "input_error"
	case errors.Is(err, types.ErrNoMask):
		return "no_mask"
	case errors.Is(err, types.ErrInvalidMeasurement):
		return "invalid_measurement"
	case errors.Is(err, types.ErrLoad):
		return "load_error"
	case errors.Is(err, types.ErrUpstream):
		var ue *types.UpstreamError
		if errors.As(err, &ue) && ue.Timeout {
			return "timeout"
		}
		return "upstream_error"
	default:
		return "error"
	}
}
