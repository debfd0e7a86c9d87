package photo

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"strings"

	"github.com/samber/lo"

	"github.com/menta2k/food-portion/internal/utils"
	"github.com/menta2k/food-portion/pkg/processing"
	"github.com/menta2k/food-portion/pkg/types"
)

// Loader reads meal photos from disk, readers or URLs and checks them
// before they enter the pipeline
type Loader struct {
	config    Config
	processor *processing.Processor
}

// Config holds configuration for the photo loader
type Config struct {
	SupportedFormats []string
	MinImageSize     int
	MaxBytes         int64
}

// Info contains basic photo metadata
type Info struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspectRatio"`
	Format      string  `json:"format"`
	Bytes       int     `json:"bytes"`
}

// DefaultConfig returns the loader defaults
func DefaultConfig() Config {
	return Config{
		SupportedFormats: []string{"jpeg", "png", "webp"},
		MinImageSize:     32,
		MaxBytes:         20 << 20,
	}
}

// New creates a new Loader with default configuration
func New() *Loader {
	return NewWithConfig(DefaultConfig(), nil)
}

// NewWithConfig creates a new Loader with custom configuration
func NewWithConfig(config Config, p *processing.Processor) *Loader {
	if p == nil {
		p = processing.NewProcessor()
	}
	return &Loader{config: config, processor: p}
}

// Load reads a photo from a local path or an http(s) URL
func (l *Loader) Load(ctx context.Context, src string) (types.ImageInput, error) {
	if utils.IsHTTPURL(src) {
		data, err := l.processor.Download(ctx, src)
		if err != nil {
			return types.ImageInput{}, err
		}
		return l.fromBytes(data)
	}
	return l.LoadFile(src)
}

// LoadFile reads a photo from disk
func (l *Loader) LoadFile(filepath string) (types.ImageInput, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return types.ImageInput{}, fmt.Errorf("failed to open image file: %w", err)
	}
	defer file.Close()

	return l.LoadReader(file)
}

// LoadReader reads a photo from an io.Reader
func (l *Loader) LoadReader(reader io.Reader) (types.ImageInput, error) {
	limit := l.config.MaxBytes
	if limit <= 0 {
		limit = DefaultConfig().MaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return types.ImageInput{}, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > limit {
		return types.ImageInput{}, types.NewInputError("image", fmt.Sprintf("larger than %s", utils.FormatFileSize(limit)))
	}
	return l.fromBytes(data)
}

func (l *Loader) fromBytes(data []byte) (types.ImageInput, error) {
	info, err := l.Inspect(data)
	if err != nil {
		return types.ImageInput{}, err
	}
	return types.ImageInput{Data: data, MediaType: "image/" + info.Format}, nil
}

// Inspect decodes the header of an encoded photo and checks it meets minimum requirements
func (l *Loader) Inspect(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, types.NewInputError("image", "empty image")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, types.NewInputError("image", fmt.Sprintf("failed to decode image: %v", err))
	}

	if !l.isFormatSupported(format) {
		return Info{}, types.NewInputError("image", fmt.Sprintf("unsupported image format: %s", format))
	}

	if cfg.Width < l.config.MinImageSize || cfg.Height < l.config.MinImageSize {
		return Info{}, types.NewInputError("image", fmt.Sprintf("image too small: %dx%d (minimum: %d)",
			cfg.Width, cfg.Height, l.config.MinImageSize))
	}

	return Info{
		Width:       cfg.Width,
		Height:      cfg.Height,
		AspectRatio: float64(cfg.Width) / float64(cfg.Height),
		Format:      format,
		Bytes:       len(data),
	}, nil
}

func (l *Loader) isFormatSupported(format string) bool {
	return lo.ContainsBy(l.config.SupportedFormats, func(s string) bool {
		return strings.EqualFold(s, format)
	})
}
