package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/menta2k/food-portion/internal/metrics"
	"github.com/menta2k/food-portion/pkg/pipeline"
	"github.com/menta2k/food-portion/pkg/types"
)

type fakeService struct {
	run     *pipeline.Run
	runErr  error
	ident   types.FoodIdentification
	seg     *types.SegmentationResult
	err     error
	measure pipeline.Measurement
	est     types.PortionEstimate
	gotIn   types.ImageInput
	gotReq  types.EstimateRequest
	gotMask string
}

func (f *fakeService) Run(ctx context.Context, in types.ImageInput) (*pipeline.Run, error) {
	f.gotIn = in
	return f.run, f.runErr
}

func (f *fakeService) Identify(ctx context.Context, in types.ImageInput) (types.FoodIdentification, error) {
	f.gotIn = in
	return f.ident, f.err
}

func (f *fakeService) Segment(ctx context.Context, in types.ImageInput) (*types.SegmentationResult, error) {
	f.gotIn = in
	return f.seg, f.err
}

func (f *fakeService) Measure(ctx context.Context, in types.ImageInput, maskRef string) (pipeline.Measurement, error) {
	f.gotIn = in
	f.gotMask = maskRef
	return f.measure, f.err
}

func (f *fakeService) EstimatePortion(ctx context.Context, req types.EstimateRequest) (types.PortionEstimate, error) {
	f.gotReq = req
	return f.est, f.err
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func multipartImage(t *testing.T, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", "plate.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write(data)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func do(t *testing.T, s *Server, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	s := New(&fakeService{}, nil, nil, nil)
	rec, body := do(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("unexpected health response %d %v", rec.Code, body)
	}
}

func TestIdentifyMultipart(t *testing.T) {
	svc := &fakeService{ident: types.FoodIdentification{FoodName: "Caesar salad"}}
	s := New(svc, nil, nil, nil)

	buf, ct := multipartImage(t, pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/api/identify", buf)
	req.Header.Set("Content-Type", ct)
	rec, body := do(t, s, req)

	if rec.Code != http.StatusOK || body["foodName"] != "Caesar salad" {
		t.Errorf("unexpected response %d %v", rec.Code, body)
	}
	if !bytes.Equal(svc.gotIn.Data, pngHeader) {
		t.Error("image bytes not forwarded")
	}
	if svc.gotIn.MediaType != "image/png" {
		t.Errorf("Expected sniffed image/png, got %q", svc.gotIn.MediaType)
	}
}

func TestIdentifyMissingImage(t *testing.T) {
	s := New(&fakeService{}, nil, nil, nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "no image here")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/identify", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec, body := do(t, s, req)
	if rec.Code != http.StatusBadRequest || body["kind"] != "input" {
		t.Errorf("unexpected response %d %v", rec.Code, body)
	}
}

func TestSegmentJSONBody(t *testing.T) {
	mask := "https://cdn.example.com/m.png"
	svc := &fakeService{seg: &types.SegmentationResult{
		Prediction: json.RawMessage(`{"output":"https://cdn.example.com/m.png"}`),
		MaskURL:    &mask,
	}}
	s := New(svc, nil, nil, nil)

	payload := `{"imageBase64":"data:image/png;base64,` + base64.StdEncoding.EncodeToString(pngHeader) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/segment", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec, body := do(t, s, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	seg := body["segResult"].(map[string]any)
	if seg["maskUrl"] != mask {
		t.Errorf("Expected maskUrl %q, got %v", mask, seg["maskUrl"])
	}
	if _, ok := body["guidance"]; ok {
		t.Error("guidance only applies when no mask was found")
	}
	if svc.gotIn.MediaType != "image/png" {
		t.Errorf("Expected image/png, got %q", svc.gotIn.MediaType)
	}
}

func TestSegmentNoMaskCarriesGuidance(t *testing.T) {
	svc := &fakeService{seg: &types.SegmentationResult{Prediction: json.RawMessage(`{"output":null}`)}}
	s := New(svc, nil, nil, nil)

	buf, ct := multipartImage(t, pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/api/segment", buf)
	req.Header.Set("Content-Type", ct)
	rec, body := do(t, s, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	seg := body["segResult"].(map[string]any)
	if seg["maskUrl"] != nil {
		t.Errorf("Expected null maskUrl, got %v", seg["maskUrl"])
	}
	if body["guidance"] != types.Guidance {
		t.Errorf("Expected guidance, got %v", body["guidance"])
	}
}

func TestEstimatePortion(t *testing.T) {
	svc := &fakeService{est: types.PortionEstimate{
		FoodName:          "white rice",
		PixelFraction:     0.3,
		Plate:             types.PlateAssumptions{PlateDiameterCm: 25, AssumedHeightCm: 1, PlateAreaCm2: 490.8738521234052},
		EstimatedVolumeMl: 147.26215563702155,
		DensityGPerMl:     0.9,
		PortionGrams:      132.5359400733194,
	}}
	s := New(svc, nil, nil, nil)

	payload := `{"imageBase64":"aGVsbG8=","maskUrl":"https://cdn.example.com/m.png","foodName":"white rice","pixelFraction":0.3}`
	rec, body := do(t, s, httptest.NewRequest(http.MethodPost, "/api/estimate-portion", strings.NewReader(payload)))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	want := map[string]any{
		"foodName":      "white rice",
		"pixelFraction": 0.3,
		"plateAssumptions": map[string]any{
			"plateDiameterCm": 25.0,
			"assumedHeightCm": 1.0,
			"plateAreaCm2":    490.87,
		},
		"estimatedVolumeMl": 147.26,
		"density_g_per_ml":  0.9,
		"portionEstimate_g": 132.5,
	}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Errorf("unexpected payload (-want +got):\n%s", diff)
	}
	if svc.gotReq.PixelFraction == nil || *svc.gotReq.PixelFraction != 0.3 {
		t.Error("pixel fraction not forwarded")
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{types.NewInputError("foodName", "required"), http.StatusBadRequest, "input"},
		{&types.InvalidMeasurementError{Value: 0}, http.StatusBadRequest, "invalid_measurement"},
		{&types.NoMaskFoundError{PredictionID: "p"}, http.StatusUnprocessableEntity, "no_mask"},
		{&types.UpstreamError{Service: "density"}, http.StatusBadGateway, "upstream"},
		{&types.UpstreamError{Service: "segmentation", Timeout: true}, http.StatusGatewayTimeout, "timeout"},
		{&types.LoadError{Source: "mask", Err: errors.New("404")}, http.StatusBadGateway, "load"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, c := range cases {
		s := New(&fakeService{err: c.err}, nil, nil, nil)
		payload := `{"imageBase64":"aGVsbG8=","maskUrl":"m","foodName":"rice","pixelFraction":0.5}`
		rec, body := do(t, s, httptest.NewRequest(http.MethodPost, "/api/estimate-portion", strings.NewReader(payload)))
		if rec.Code != c.status || body["kind"] != c.kind {
			t.Errorf("%v: expected %d/%s, got %d/%v", c.err, c.status, c.kind, rec.Code, body["kind"])
		}
		if body["error"] == "" {
			t.Errorf("%v: expected error message", c.err)
		}
	}
}

func TestEstimatePortionBadJSON(t *testing.T) {
	s := New(&fakeService{}, nil, nil, nil)
	rec, body := do(t, s, httptest.NewRequest(http.MethodPost, "/api/estimate-portion", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest || body["kind"] != "input" {
		t.Errorf("unexpected response %d %v", rec.Code, body)
	}
}

func TestMeasure(t *testing.T) {
	svc := &fakeService{measure: pipeline.Measurement{PixelFraction: 0.25, Width: 800, Height: 600, Valid: true}}
	s := New(svc, nil, nil, nil)

	payload := `{"imageBase64":"aGVsbG8=","maskUrl":"https://cdn.example.com/m.png"}`
	rec, body := do(t, s, httptest.NewRequest(http.MethodPost, "/api/measure", strings.NewReader(payload)))
	if rec.Code != http.StatusOK || body["pixelFraction"] != 0.25 || body["width"] != 800.0 {
		t.Errorf("unexpected response %d %v", rec.Code, body)
	}
	if svc.gotMask != "https://cdn.example.com/m.png" {
		t.Errorf("mask not forwarded, got %q", svc.gotMask)
	}

	rec, body = do(t, s, httptest.NewRequest(http.MethodPost, "/api/measure", strings.NewReader(`{"imageBase64":"aGVsbG8="}`)))
	if rec.Code != http.StatusBadRequest || body["kind"] != "input" {
		t.Errorf("missing mask should be rejected, got %d %v", rec.Code, body)
	}
}

func TestAnalyzeFailureIncludesTrail(t *testing.T) {
	svc := &fakeService{
		run: &pipeline.Run{
			ID:    "run-1",
			State: pipeline.StateFailed,
			Trail: []pipeline.State{pipeline.StateIdle, pipeline.StateIdentified, pipeline.StateFailed},
		},
		runErr: &types.NoMaskFoundError{PredictionID: "p1"},
	}
	s := New(svc, nil, nil, nil)

	buf, ct := multipartImage(t, pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/api/analyze", buf)
	req.Header.Set("Content-Type", ct)
	rec, body := do(t, s, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", rec.Code)
	}
	if body["runId"] != "run-1" || body["guidance"] != types.Guidance {
		t.Errorf("unexpected body %v", body)
	}
	want := []any{"idle", "identified", "failed"}
	if diff := cmp.Diff(want, body["trail"]); diff != "" {
		t.Errorf("unexpected trail (-want +got):\n%s", diff)
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	est := types.PortionEstimate{FoodName: "rice", PixelFraction: 0.5, PortionGrams: 100.04}
	svc := &fakeService{run: &pipeline.Run{
		ID:             "run-2",
		State:          pipeline.StateEstimated,
		Trail:          []pipeline.State{pipeline.StateIdle, pipeline.StateEstimated},
		Identification: &types.FoodIdentification{FoodName: "rice"},
		Estimate:       &est,
	}}
	s := New(svc, nil, nil, nil)

	buf, ct := multipartImage(t, pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/api/analyze", buf)
	req.Header.Set("Content-Type", ct)
	rec, body := do(t, s, req)

	if rec.Code != http.StatusOK || body["state"] != "estimated" {
		t.Fatalf("unexpected response %d %v", rec.Code, body)
	}
	estimate := body["estimate"].(map[string]any)
	if estimate["portionEstimate_g"] != 100.0 {
		t.Errorf("Expected rounded 100.0 g, got %v", estimate["portionEstimate_g"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.ObservePortion(120)
	s := New(&fakeService{}, m, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "food_portion_portion_grams") {
		t.Errorf("unexpected metrics response %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	s := New(&fakeService{}, nil, nil, []string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Expected allowed origin echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS header for unknown origin, got %q", got)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s := New(&fakeService{}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
}
