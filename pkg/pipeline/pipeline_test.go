package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/menta2k/food-portion/internal/metrics"
	"github.com/menta2k/food-portion/pkg/portion"
	"github.com/menta2k/food-portion/pkg/types"
)

type fakeIdentifier struct {
	name  string
	err   error
	calls int
}

func (f *fakeIdentifier) Identify(ctx context.Context, imageB64 string) (types.FoodIdentification, error) {
	f.calls++
	if f.err != nil {
		return types.FoodIdentification{}, f.err
	}
	return types.FoodIdentification{FoodName: f.name}, nil
}

type fakeSegmenter struct {
	maskURL *string
	err     error
	calls   int
}

func (f *fakeSegmenter) Invoke(ctx context.Context, in types.ImageInput) (*types.SegmentationResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &types.SegmentationResult{ID: "pred-1", Status: "succeeded", MaskURL: f.maskURL, Polls: 2}, nil
}

type fakeDensity struct {
	value    float64
	fallback bool
	foods    []string
}

func (f *fakeDensity) Estimate(ctx context.Context, foodName string) types.DensityEstimate {
	f.foods = append(f.foods, foodName)
	return types.DensityEstimate{GramsPerMilliliter: f.value, Fallback: f.fallback}
}

type fakeLoader struct {
	mask image.Image
	err  error
	refs []string
}

func (f *fakeLoader) LoadMask(ctx context.Context, ref string) (image.Image, error) {
	f.refs = append(f.refs, ref)
	if f.err != nil {
		return nil, f.err
	}
	return f.mask, nil
}

// createTestImage encodes a solid photo-like png
func createTestImage(t *testing.T, width, height int) types.ImageInput {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{200, 180, 120, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return types.ImageInput{Data: buf.Bytes(), MediaType: "image/png"}
}

// createHalfMask colors the left half of the mask red, leaving the rest transparent
func createHalfMask(width, height int) image.Image {
	m := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width/2; x++ {
			m.Set(x, y, color.NRGBA{255, 0, 0, 255})
		}
	}
	return m
}

type fixture struct {
	identifier *fakeIdentifier
	segmenter  *fakeSegmenter
	density    *fakeDensity
	loader     *fakeLoader
	metrics    *metrics.Metrics
	pipeline   *Pipeline
}

func newFixture() *fixture {
	maskURL := "https://cdn.example.com/mask.png"
	f := &fixture{
		identifier: &fakeIdentifier{name: "white rice"},
		segmenter:  &fakeSegmenter{maskURL: &maskURL},
		density:    &fakeDensity{value: 0.9},
		loader:     &fakeLoader{mask: createHalfMask(100, 100)},
		metrics:    metrics.New(),
	}
	f.pipeline = New(Deps{
		Identifier: f.identifier,
		Segmenter:  f.segmenter,
		Density:    f.density,
		Loader:     f.loader,
		Metrics:    f.metrics,
	}, Options{
		Plate:         portion.PlateOptions{PlateDiameterCm: 25, AssumedHeightCm: 2.5},
		DisplayMaxDim: 1024,
		SendMaxDim:    1024,
	})
	return f
}

// stageCount reads the stage outcome counter from the fixture registry
func (f *fixture) stageCount(t *testing.T, stage, outcome string) float64 {
	t.Helper()
	families, err := f.metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != "food_portion_stage_outcomes_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["stage"] == stage && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture()
	run, err := f.pipeline.Run(context.Background(), createTestImage(t, 100, 100))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantTrail := []State{StateIdle, StateIdentified, StateSegmented, StateMeasured, StateEstimated}
	if diff := cmp.Diff(wantTrail, run.Trail); diff != "" {
		t.Errorf("unexpected trail (-want +got):\n%s", diff)
	}
	if run.ID == "" {
		t.Error("expected a run id")
	}
	if run.PixelFraction != 0.5 {
		t.Errorf("Expected fraction 0.5, got %v", run.PixelFraction)
	}
	if diff := cmp.Diff([]string{"white rice"}, f.density.foods); diff != "" {
		t.Errorf("density called with wrong food (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"https://cdn.example.com/mask.png"}, f.loader.refs); diff != "" {
		t.Errorf("loader called with wrong ref (-want +got):\n%s", diff)
	}

	// 0.5 * pi * 12.5^2 * 2.5 * 0.9
	wantGrams := 0.5 * math.Pi * 12.5 * 12.5 * 2.5 * 0.9
	if math.Abs(run.Estimate.PortionGrams-wantGrams) > 1e-9 {
		t.Errorf("Expected %v grams, got %v", wantGrams, run.Estimate.PortionGrams)
	}
	res := run.Result()
	if res == nil || res.FoodName != "white rice" || res.PortionEstimateG != types.Round(wantGrams, 1) {
		t.Errorf("unexpected display result %+v", res)
	}
	if got := f.stageCount(t, "estimate", "ok"); got != 1 {
		t.Errorf("Expected 1 estimate outcome, got %v", got)
	}
}

func TestRunIdentificationFailureStopsPipeline(t *testing.T) {
	f := newFixture()
	f.identifier.err = &types.UpstreamError{Service: "identification", Status: "HTTP 500"}

	run, err := f.pipeline.Run(context.Background(), createTestImage(t, 50, 50))
	if !errors.Is(err, types.ErrUpstream) {
		t.Fatalf("Expected upstream error, got %v", err)
	}
	if f.segmenter.calls != 0 || len(f.density.foods) != 0 {
		t.Error("no later stage should run after identification fails")
	}
	if diff := cmp.Diff([]State{StateIdle, StateFailed}, run.Trail); diff != "" {
		t.Errorf("unexpected trail (-want +got):\n%s", diff)
	}
	if run.Result() != nil {
		t.Error("failed run must not carry a result")
	}
}

func TestRunNoMask(t *testing.T) {
	f := newFixture()
	f.segmenter.maskURL = nil

	run, err := f.pipeline.Run(context.Background(), createTestImage(t, 50, 50))
	var nm *types.NoMaskFoundError
	if !errors.As(err, &nm) {
		t.Fatalf("Expected NoMaskFoundError, got %v", err)
	}
	if nm.PredictionID != "pred-1" {
		t.Errorf("Expected prediction id pred-1, got %q", nm.PredictionID)
	}
	if len(f.loader.refs) != 0 {
		t.Error("mask must not be loaded without a reference")
	}
	if run.State != StateFailed || run.Segmentation == nil {
		t.Errorf("expected failed run with raw segmentation kept, got %+v", run)
	}
	if run.Density != nil || run.Estimate != nil || run.PixelFraction != 0 {
		t.Error("failed run must not carry numbers")
	}
}

func TestRunEmptyMaskIsInvalidMeasurement(t *testing.T) {
	f := newFixture()
	f.loader.mask = image.NewNRGBA(image.Rect(0, 0, 100, 100))

	run, err := f.pipeline.Run(context.Background(), createTestImage(t, 100, 100))
	if !errors.Is(err, types.ErrInvalidMeasurement) {
		t.Fatalf("Expected invalid measurement, got %v", err)
	}
	wantTrail := []State{StateIdle, StateIdentified, StateSegmented, StateFailed}
	if diff := cmp.Diff(wantTrail, run.Trail); diff != "" {
		t.Errorf("unexpected trail (-want +got):\n%s", diff)
	}
}

func TestRunSegmentationFailure(t *testing.T) {
	f := newFixture()
	f.segmenter.err = &types.UpstreamError{Service: "segmentation", Timeout: true}

	_, err := f.pipeline.Run(context.Background(), createTestImage(t, 50, 50))
	var ue *types.UpstreamError
	if !errors.As(err, &ue) || !ue.Timeout {
		t.Fatalf("Expected timeout upstream error, got %v", err)
	}
	if got := f.stageCount(t, "segment", "timeout"); got != 1 {
		t.Errorf("Expected 1 timeout outcome, got %v", got)
	}
}

func TestRunMaskLoadFailure(t *testing.T) {
	f := newFixture()
	f.loader.err = &types.LoadError{Source: "mask", Err: errors.New("404")}

	_, err := f.pipeline.Run(context.Background(), createTestImage(t, 50, 50))
	if !errors.Is(err, types.ErrLoad) {
		t.Fatalf("Expected load error, got %v", err)
	}
}

func TestRunRejectsUndecodableImage(t *testing.T) {
	f := newFixture()
	_, err := f.pipeline.Run(context.Background(), types.ImageInput{Data: []byte("not an image")})
	if !errors.Is(err, types.ErrInput) {
		t.Fatalf("Expected input error, got %v", err)
	}
	if f.identifier.calls != 0 {
		t.Error("identifier must not be called for an undecodable image")
	}
}

func TestRunDensityFallbackStillEstimates(t *testing.T) {
	f := newFixture()
	f.density.value = 1.0
	f.density.fallback = true

	run, err := f.pipeline.Run(context.Background(), createTestImage(t, 100, 100))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !run.Density.Fallback || run.Estimate.DensityGPerMl != 1.0 {
		t.Errorf("expected fallback density 1.0, got %+v", run.Density)
	}
	if got := f.stageCount(t, "density", "fallback"); got != 1 {
		t.Errorf("Expected 1 fallback outcome, got %v", got)
	}
}

func TestEstimatePortionRiceScenario(t *testing.T) {
	f := newFixture()
	f.pipeline.opts.Plate.AssumedHeightCm = 1
	frac := 0.3

	est, err := f.pipeline.EstimatePortion(context.Background(), types.EstimateRequest{
		ImageBase64:   "data:image/png;base64," + createTestImage(t, 10, 10).Base64(),
		MaskURL:       "https://cdn.example.com/mask.png",
		FoodName:      "white rice",
		PixelFraction: &frac,
	})
	if err != nil {
		t.Fatalf("EstimatePortion failed: %v", err)
	}
	got := est.Rounded()
	if got.PlateAssumptions.PlateAreaCm2 != 490.87 || got.EstimatedVolumeMl != 147.26 || got.PortionEstimateG != 132.5 {
		t.Errorf("unexpected estimate %+v", got)
	}
}

func TestEstimatePortionValidation(t *testing.T) {
	f := newFixture()
	zero := 0.0
	half := 0.5
	img := createTestImage(t, 10, 10).Base64()

	cases := map[string]struct {
		req  types.EstimateRequest
		want error
	}{
		"missing food":  {types.EstimateRequest{ImageBase64: img, MaskURL: "m", PixelFraction: &half}, types.ErrInput},
		"missing frac":  {types.EstimateRequest{ImageBase64: img, MaskURL: "m", FoodName: "rice"}, types.ErrInput},
		"zero fraction": {types.EstimateRequest{ImageBase64: img, MaskURL: "m", FoodName: "rice", PixelFraction: &zero}, types.ErrInvalidMeasurement},
		"bad base64":    {types.EstimateRequest{ImageBase64: "%%%", MaskURL: "m", FoodName: "rice", PixelFraction: &half}, types.ErrInput},
	}
	for name, c := range cases {
		if _, err := f.pipeline.EstimatePortion(context.Background(), c.req); !errors.Is(err, c.want) {
			t.Errorf("%s: expected %v, got %v", name, c.want, err)
		}
	}
	if len(f.density.foods) != 0 {
		t.Error("density must not be queried for invalid requests")
	}
}

func TestMeasure(t *testing.T) {
	f := newFixture()
	f.pipeline.opts.DisplayMaxDim = 50

	m, err := f.pipeline.Measure(context.Background(), createTestImage(t, 200, 100), "https://cdn.example.com/mask.png")
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if m.Width != 50 || m.Height != 25 {
		t.Errorf("Expected 50x25 grid, got %dx%d", m.Width, m.Height)
	}
	if math.Abs(m.PixelFraction-0.5) > 0.05 || !m.Valid {
		t.Errorf("Expected valid fraction near 0.5, got %+v", m)
	}
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		"ok":                  nil,
		"input_error":         types.NewInputError("image", "required"),
		"no_mask":             &types.NoMaskFoundError{},
		"invalid_measurement": &types.InvalidMeasurementError{Value: 0},
		"timeout":             &types.UpstreamError{Timeout: true},
		"upstream_error":      &types.UpstreamError{},
		"error":               errors.New("boom"),
	}
	for want, err := range cases {
		if got := outcome(err); got != want {
			t.Errorf("outcome(%v) = %q, want %q", err, got, want)
		}
	}
}

func BenchmarkRun(b *testing.B) {
	f := newFixture()
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	var buf bytes.Buffer
	png.Encode(&buf, img)
	in := types.ImageInput{Data: buf.Bytes(), MediaType: "image/png"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.pipeline.Run(context.Background(), in)
	}
}
