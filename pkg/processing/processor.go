package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/food-portion/internal/utils"
	"github.com/menta2k/food-portion/pkg/types"
)

// DefaultDisplayMaxDim is the long side of the displayed image grid
const DefaultDisplayMaxDim = 1024

// maxDownloadBytes bounds mask downloads
const maxDownloadBytes = 32 << 20

// Processor handles image loading and encoding for the estimation pipeline
type Processor struct {
	httpClient *http.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewProcessorWithClient creates a processor that downloads with the given client
func NewProcessorWithClient(c *http.Client) *Processor {
	return &Processor{httpClient: c}
}

// Download fetches the bytes behind an http(s) URL
func (p *Processor) Download(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "food-portion/1.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return data, nil
}

// LoadImageFromURL downloads and decodes an image
func (p *Processor) LoadImageFromURL(ctx context.Context, imageURL string) (image.Image, error) {
	data, err := p.Download(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	return p.DecodeImage(data)
}

// LoadMask resolves a mask reference, either an http(s) URL or an inline data URI.
// Every failure is reported as a *types.LoadError.
func (p *Processor) LoadMask(ctx context.Context, ref string) (image.Image, error) {
	var (
		img image.Image
		err error
	)
	switch {
	case utils.IsDataURI(ref):
		var in types.ImageInput
		in, err = types.ImageFromBase64(ref)
		if err == nil {
			img, err = p.DecodeImage(in.Data)
		}
	case utils.IsHTTPURL(ref):
		img, err = p.LoadImageFromURL(ctx, ref)
	default:
		err = errors.New("unsupported mask reference")
	}
	if err != nil {
		return nil, &types.LoadError{Source: utils.Abbreviate(ref, 80), Err: err}
	}
	return img, nil
}

// DecodeImage decodes png, jpeg or webp bytes
func (p *Processor) DecodeImage(data []byte) (image.Image, error) {
	// Try standard image.Decode first
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	// Try WebP decode
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// ImageSize returns the pixel dimensions of encoded image bytes
func (p *Processor) ImageSize(data []byte) (int, int, error) {
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return cfg.Width, cfg.Height, nil
	}
	img, err := p.DecodeImage(data)
	if err != nil {
		return 0, 0, err
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

// DisplaySize scales w x h so the long side is at most maxDim, preserving
// aspect ratio. maxDim <= 0 keeps the original size.
func DisplaySize(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		nh := int(float64(h)*float64(maxDim)/float64(w) + 0.5)
		if nh < 1 {
			nh = 1
		}
		return maxDim, nh
	}
	nw := int(float64(w)*float64(maxDim)/float64(h) + 0.5)
	if nw < 1 {
		nw = 1
	}
	return nw, maxDim
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// PrepareInputForModel re-encodes an upload as a bounded jpeg for the vision
// model. Undecodable uploads are passed through untouched and left for the
// model to reject.
func (p *Processor) PrepareInputForModel(in types.ImageInput, maxDim int) string {
	img, err := p.DecodeImage(in.Data)
	if err != nil {
		return in.Base64()
	}
	b64, err := p.PrepareImageForModel(img, "jpg", maxDim, 85)
	if err != nil {
		return in.Base64()
	}
	return b64
}
