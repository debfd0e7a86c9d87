package portion

import (
	"math"

	"github.com/menta2k/food-portion/pkg/types"
)

const (
	DefaultPlateDiameterCm = 25.0
	DefaultAssumedHeightCm = 2.5
)

// PlateOptions override the plate geometry. Zero values take the defaults.
type PlateOptions struct {
	PlateDiameterCm float64
	AssumedHeightCm float64
}

// Assumptions resolves defaults and computes the plate area
func (o PlateOptions) Assumptions() types.PlateAssumptions {
	d := o.PlateDiameterCm
	if d <= 0 {
		d = DefaultPlateDiameterCm
	}
	h := o.AssumedHeightCm
	if h <= 0 {
		h = DefaultAssumedHeightCm
	}
	r := d / 2
	return types.PlateAssumptions{
		PlateDiameterCm: d,
		AssumedHeightCm: h,
		PlateAreaCm2:    math.Pi * r * r,
	}
}

// ValidateFraction enforces 0 < fraction <= 1
func ValidateFraction(fraction float64) error {
	if math.IsNaN(fraction) || fraction <= 0 || fraction > 1 {
		return &types.InvalidMeasurementError{Value: fraction}
	}
	return nil
}

// Estimate converts a pixel fraction and a density into a mass.
// Volume is fraction x plate area x height, taking 1 ml as 1 cm3.
func Estimate(fraction, density float64, opts PlateOptions) (types.PortionEstimate, error) {
	if err := ValidateFraction(fraction); err != nil {
		return types.PortionEstimate{}, err
	}

	plate := opts.Assumptions()
	volume := fraction * plate.PlateAreaCm2 * plate.AssumedHeightCm
	return types.PortionEstimate{
		PixelFraction:     fraction,
		Plate:             plate,
		EstimatedVolumeMl: volume,
		DensityGPerMl:     density,
		PortionGrams:      volume * density,
	}, nil
}
