// Package fraction measures how much of the displayed image a segmentation
// mask marks as food.
package fraction

import (
	"fmt"
	"image"
	"image/draw"

	"github.com/disintegration/imaging"

	"github.com/menta2k/food-portion/pkg/processing"
	"github.com/menta2k/food-portion/pkg/types"
)

const (
	// AlphaThreshold is the alpha level above which a pixel counts as food
	AlphaThreshold = 10

	// BrightnessThreshold is the r+g+b sum above which an otherwise
	// transparent pixel counts as food. Masks come either as alpha cut-outs
	// or as light regions on black.
	BrightnessThreshold = 10
)

// Meter computes pixel fractions
type Meter struct {
	processor *processing.Processor
	filter    imaging.ResampleFilter
}

// New creates a Meter that resamples masks with a linear filter
func New(p *processing.Processor) *Meter {
	if p == nil {
		p = processing.NewProcessor()
	}
	return &Meter{processor: p, filter: imaging.Linear}
}

// Measure renders mask onto a refW x refH grid and returns the fraction of
// grid pixels classified as food
func (m *Meter) Measure(mask image.Image, refW, refH int) (float64, error) {
	if mask == nil {
		return 0, &types.LoadError{Err: fmt.Errorf("nil mask")}
	}
	if refW <= 0 || refH <= 0 {
		return 0, types.NewInputError("reference size", fmt.Sprintf("invalid %dx%d", refW, refH))
	}

	grid := m.render(mask, refW, refH)
	total := refW * refH
	food := 0
	for y := 0; y < refH; y++ {
		row := grid.Pix[y*grid.Stride : y*grid.Stride+refW*4]
		for i := 0; i < len(row); i += 4 {
			if IsFood(row[i], row[i+1], row[i+2], row[i+3]) {
				food++
			}
		}
	}
	return float64(food) / float64(total), nil
}

// MeasureBytes decodes an encoded mask and measures it
func (m *Meter) MeasureBytes(data []byte, refW, refH int) (float64, error) {
	img, err := m.processor.DecodeImage(data)
	if err != nil {
		return 0, &types.LoadError{Err: err}
	}
	return m.Measure(img, refW, refH)
}

// IsFood classifies one non-premultiplied pixel
func IsFood(r, g, b, a uint8) bool {
	if a > AlphaThreshold {
		return true
	}
	return int(r)+int(g)+int(b) > BrightnessThreshold
}

// render resamples mask to the reference grid as non-premultiplied RGBA.
// Fully transparent pixels always come back with zero color, the same as a
// canvas read-back, whether or not the mask was resized.
func (m *Meter) render(mask image.Image, w, h int) *image.NRGBA {
	b := mask.Bounds()
	if b.Dx() != w || b.Dy() != h {
		return imaging.Resize(mask, w, h, m.filter)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), mask, b.Min, draw.Src)
	for i := 0; i < len(dst.Pix); i += 4 {
		if dst.Pix[i+3] == 0 {
			dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2] = 0, 0, 0
		}
	}
	return dst
}
