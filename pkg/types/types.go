package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// ImageInput is a single user-supplied photograph. It is never persisted.
type ImageInput struct {
	Data      []byte
	MediaType string
}

// DataURI renders the image as an inline data URI
func (in ImageInput) DataURI() string {
	mt := in.MediaType
	if mt == "" {
		mt = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mt, base64.StdEncoding.EncodeToString(in.Data))
}

// Base64 returns the raw image bytes base64 encoded
func (in ImageInput) Base64() string {
	return base64.StdEncoding.EncodeToString(in.Data)
}

// ImageFromBase64 accepts either bare base64 or a data URI
func ImageFromBase64(s string) (ImageInput, error) {
	s = strings.TrimSpace(s)
	mediaType := ""
	if strings.HasPrefix(s, "data:") {
		comma := strings.Index(s, ",")
		if comma < 0 {
			return ImageInput{}, NewInputError("imageBase64", "malformed data URI")
		}
		meta := s[len("data:"):comma]
		if !strings.HasSuffix(meta, ";base64") {
			return ImageInput{}, NewInputError("imageBase64", "data URI must be base64 encoded")
		}
		mediaType = strings.TrimSuffix(meta, ";base64")
		s = s[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ImageInput{}, NewInputError("imageBase64", fmt.Sprintf("invalid base64: %v", err))
	}
	if len(data) == 0 {
		return ImageInput{}, NewInputError("imageBase64", "empty image")
	}
	return ImageInput{Data: data, MediaType: mediaType}, nil
}

// FoodIdentification is the dish name produced by the vision model
type FoodIdentification struct {
	FoodName string `json:"foodName"`
}

// SegmentationResult is the raw prediction from the segmentation service plus
// the mask reference derived from it. A nil MaskURL is a successful call that
// produced nothing mask-shaped.
type SegmentationResult struct {
	ID         string          `json:"id,omitempty"`
	Status     string          `json:"status,omitempty"`
	Prediction json.RawMessage `json:"prediction"`
	MaskURL    *string         `json:"maskUrl"`
	Polls      int             `json:"-"`
}

// HasMask reports whether a mask reference was located
func (r *SegmentationResult) HasMask() bool {
	return r != nil && r.MaskURL != nil && *r.MaskURL != ""
}

// DensityEstimate is the grams-per-milliliter figure for a named food
type DensityEstimate struct {
	GramsPerMilliliter float64 `json:"gramsPerMilliliter"`
	Raw                string  `json:"raw,omitempty"`
	Fallback           bool    `json:"fallback"`
}

// PlateAssumptions is the fixed geometric model of a typical serving
type PlateAssumptions struct {
	PlateDiameterCm float64 `json:"plateDiameterCm"`
	AssumedHeightCm float64 `json:"assumedHeightCm"`
	PlateAreaCm2    float64 `json:"plateAreaCm2"`
}

// PortionEstimate is the full audit trail of a mass estimate at internal precision
type PortionEstimate struct {
	FoodName          string           `json:"foodName"`
	PixelFraction     float64          `json:"pixelFraction"`
	Plate             PlateAssumptions `json:"plateAssumptions"`
	EstimatedVolumeMl float64          `json:"estimatedVolumeMl"`
	DensityGPerMl     float64          `json:"density_g_per_ml"`
	PortionGrams      float64          `json:"portionEstimate_g"`
}

// EstimateResponse is the display form of a PortionEstimate
type EstimateResponse struct {
	FoodName          string           `json:"foodName"`
	PixelFraction     float64          `json:"pixelFraction"`
	PlateAssumptions  PlateAssumptions `json:"plateAssumptions"`
	EstimatedVolumeMl float64          `json:"estimatedVolumeMl"`
	DensityGPerMl     float64          `json:"density_g_per_ml"`
	PortionEstimateG  float64          `json:"portionEstimate_g"`
}

// Rounded returns the display payload. Rounding never feeds back into the estimate.
func (e PortionEstimate) Rounded() EstimateResponse {
	return EstimateResponse{
		FoodName:      e.FoodName,
		PixelFraction: e.PixelFraction,
		PlateAssumptions: PlateAssumptions{
			PlateDiameterCm: e.Plate.PlateDiameterCm,
			AssumedHeightCm: e.Plate.AssumedHeightCm,
			PlateAreaCm2:    Round(e.Plate.PlateAreaCm2, 2),
		},
		EstimatedVolumeMl: Round(e.EstimatedVolumeMl, 2),
		DensityGPerMl:     e.DensityGPerMl,
		PortionEstimateG:  Round(e.PortionGrams, 1),
	}
}

// EstimateRequest is the estimatePortion input contract
type EstimateRequest struct {
	ImageBase64   string   `json:"imageBase64"`
	MaskURL       string   `json:"maskUrl"`
	FoodName      string   `json:"foodName"`
	PixelFraction *float64 `json:"pixelFraction"`
}

// Validate checks that all four fields are present
func (r EstimateRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.ImageBase64) == "":
		return NewInputError("imageBase64", "required")
	case strings.TrimSpace(r.MaskURL) == "":
		return NewInputError("maskUrl", "required")
	case strings.TrimSpace(r.FoodName) == "":
		return NewInputError("foodName", "required")
	case r.PixelFraction == nil:
		return NewInputError("pixelFraction", "required")
	}
	return nil
}

// Round rounds v to the given number of decimal places
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
