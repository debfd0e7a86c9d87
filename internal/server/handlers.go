package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/menta2k/food-portion/pkg/pipeline"
	"github.com/menta2k/food-portion/pkg/types"
)

type errorResponse struct {
	Error    string                    `json:"error"`
	Kind     string                    `json:"kind"`
	Guidance string                    `json:"guidance,omitempty"`
	RunID    string                    `json:"runId,omitempty"`
	Trail    []pipeline.State          `json:"trail,omitempty"`
	Segment  *types.SegmentationResult `json:"segResult,omitempty"`
}

type segmentResponse struct {
	SegResult *types.SegmentationResult `json:"segResult"`
	Guidance  string                    `json:"guidance,omitempty"`
}

type analyzeResponse struct {
	RunID          string                    `json:"runId"`
	State          pipeline.State            `json:"state"`
	Trail          []pipeline.State          `json:"trail"`
	Identification *types.FoodIdentification `json:"identification"`
	SegResult      *types.SegmentationResult `json:"segResult"`
	Density        *types.DensityEstimate    `json:"density"`
	Estimate       *types.EstimateResponse   `json:"estimate"`
}

type measureRequest struct {
	ImageBase64 string `json:"imageBase64"`
	MaskURL     string `json:"maskUrl"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	in, err := readImage(w, r)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	ident, err := s.svc.Identify(r.Context(), in)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	in, err := readImage(w, r)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	seg, err := s.svc.Segment(r.Context(), in)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	resp := segmentResponse{SegResult: seg}
	if !seg.HasMask() {
		resp.Guidance = types.Guidance
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEstimatePortion(w http.ResponseWriter, r *http.Request) {
	var req types.EstimateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err, nil)
		return
	}
	est, err := s.svc.EstimatePortion(r.Context(), req)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, est.Rounded())
}

func (s *Server) handleMeasure(w http.ResponseWriter, r *http.Request) {
	var req measureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err, nil)
		return
	}
	if strings.TrimSpace(req.MaskURL) == "" {
		s.writeError(w, types.NewInputError("maskUrl", "required"), nil)
		return
	}
	in, err := types.ImageFromBase64(req.ImageBase64)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	m, err := s.svc.Measure(r.Context(), in, req.MaskURL)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	in, err := readImage(w, r)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	run, err := s.svc.Run(r.Context(), in)
	if err != nil {
		s.writeError(w, err, run)
		return
	}
	writeJSON(w, http.StatusOK, analyzeResponse{
		RunID:          run.ID,
		State:          run.State,
		Trail:          run.Trail,
		Identification: run.Identification,
		SegResult:      run.Segmentation,
		Density:        run.Density,
		Estimate:       run.Result(),
	})
}

// readImage accepts a multipart "image" part or a JSON {imageBase64} body
func readImage(w http.ResponseWriter, r *http.Request) (types.ImageInput, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "multipart/") {
		var body struct {
			ImageBase64 string `json:"imageBase64"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			return types.ImageInput{}, err
		}
		if strings.TrimSpace(body.ImageBase64) == "" {
			return types.ImageInput{}, types.NewInputError("image", "required")
		}
		in, err := types.ImageFromBase64(body.ImageBase64)
		if err != nil {
			return types.ImageInput{}, err
		}
		if in.MediaType == "" {
			in.MediaType = http.DetectContentType(in.Data)
		}
		return in, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		return types.ImageInput{}, types.NewInputError("image", fmt.Sprintf("malformed upload: %v", err))
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		return types.ImageInput{}, types.NewInputError("image", "required")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return types.ImageInput{}, types.NewInputError("image", fmt.Sprintf("failed to read upload: %v", err))
	}
	if len(data) == 0 {
		return types.ImageInput{}, types.NewInputError("image", "empty upload")
	}

	media := header.Header.Get("Content-Type")
	if media == "" || media == "application/octet-stream" {
		media = http.DetectContentType(data)
	}
	return types.ImageInput{Data: data, MediaType: media}, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return types.NewInputError("body", fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}

// classify maps the error taxonomy onto a status code and kind
func classify(err error) (int, string) {
	var ue *types.UpstreamError
	switch {
	case errors.Is(err, types.ErrInput):
		return http.StatusBadRequest, "input"
	case errors.Is(err, types.ErrInvalidMeasurement):
		return http.StatusBadRequest, "invalid_measurement"
	case errors.Is(err, types.ErrNoMask):
		return http.StatusUnprocessableEntity, "no_mask"
	case errors.As(err, &ue) && ue.Timeout:
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, types.ErrUpstream):
		return http.StatusBadGateway, "upstream"
	case errors.Is(err, types.ErrLoad):
		return http.StatusBadGateway, "load"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error, run *pipeline.Run) {
	status, kind := classify(err)
	resp := errorResponse{Error: err.Error(), Kind: kind}
	if kind == "no_mask" {
		resp.Guidance = types.Guidance
	}
	if run != nil {
		resp.RunID = run.ID
		resp.Trail = run.Trail
		resp.Segment = run.Segmentation
	}

	if status >= http.StatusInternalServerError {
		s.logger.Errorw("request failed", "kind", kind, "error", err)
	} else {
		s.logger.Infow("request rejected", "kind", kind, "error", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
