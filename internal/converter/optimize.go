package converter

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	defaultJPEGQuality = 85
	defaultMaxPixels   = 100 * 1000 * 1000 // 100 megapixels
)

// ImageOptimizer downscales raster images wider than MaxWidth before they are
// inlined. A zero MaxWidth disables it and every image passes through.
type ImageOptimizer struct {
	MaxWidth    int
	JPEGQuality int
	MaxPixels   int // Total pixel count limit for decode (width * height)
}

// OptimizedImage holds optimized image data and metadata.
// Warning is set when the image was returned as-is because it could not be
// processed. Data is always usable.
type OptimizedImage struct {
	Data      []byte
	Width     int
	Height    int
	Format    string
	MediaType string
	Warning   string
}

// NewImageOptimizer creates an image optimizer from pipeline options.
func NewImageOptimizer(opts ConvertOptions) *ImageOptimizer {
	quality := opts.JPEGQuality
	if quality <= 0 {
		quality = defaultJPEGQuality
	}
	if quality > 100 {
		quality = 100
	}
	return &ImageOptimizer{
		MaxWidth:    max(opts.MaxImageWidth, 0),
		JPEGQuality: quality,
		MaxPixels:   defaultMaxPixels,
	}
}

// Enabled reports whether Optimize can change any image.
func (o *ImageOptimizer) Enabled() bool {
	return o != nil && o.MaxWidth > 0
}

// Optimize returns input unchanged unless it is a decodable raster image wider
// than MaxWidth, in which case it is resized and re-encoded. Only encoding
// errors return a non-nil error.
func (o *ImageOptimizer) Optimize(path, mediaType string, input []byte) (OptimizedImage, error) {
	out := OptimizedImage{
		Data:      input,
		Format:    mediaTypeToFormat(mediaType),
		MediaType: mediaType,
	}
	if !o.Enabled() || strings.EqualFold(mediaType, "image/svg+xml") {
		return out, nil
	}

	cfg, cfgFormat, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		out.Warning = fmt.Sprintf("%s: image decode failed: %v", path, err)
		return out, nil
	}
	out.Width = cfg.Width
	out.Height = cfg.Height
	if out.Format == "" {
		out.Format = strings.ToLower(cfgFormat)
	}
	if cfg.Width <= o.MaxWidth {
		return out, nil
	}
	pixels := uint64(cfg.Width) * uint64(cfg.Height)
	if o.MaxPixels > 0 && pixels > uint64(o.MaxPixels) {
		out.Warning = fmt.Sprintf("%s: image too large to decode: %dx%d (%d pixels)", path, cfg.Width, cfg.Height, pixels)
		return out, nil
	}

	if out.Format == "gif" {
		if animated, err := isAnimatedGIF(input); err == nil && animated {
			return out, nil
		}
	}

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		out.Warning = fmt.Sprintf("%s: image decode failed: %v", path, err)
		return out, nil
	}

	processed := imaging.Resize(src, o.MaxWidth, 0, imaging.Lanczos)

	var data []byte
	format := chooseTargetFormat(out.Format, processed)
	switch format {
	case "png":
		data, err = encodePNG(processed)
		if err != nil {
			return out, fmt.Errorf("png encode failed: %w", err)
		}
	default:
		data, err = encodeJPEG(processed, o.JPEGQuality)
		if err != nil {
			return out, fmt.Errorf("jpeg encode failed: %w", err)
		}
	}

	out.Data = data
	out.Width = processed.Bounds().Dx()
	out.Height = processed.Bounds().Dy()
	out.Format = format
	out.MediaType = "image/" + format
	return out, nil
}

// chooseTargetFormat keeps transparent images as PNG to preserve alpha and
// re-encodes everything else as JPEG.
func chooseTargetFormat(format string, img image.Image) string {
	switch format {
	case "png", "gif", "webp":
		if hasAlpha(img) {
			return "png"
		}
	}
	return "jpeg"
}

func mediaTypeToFormat(mediaType string) string {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return "jpeg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return ""
	}
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestCompression}
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isAnimatedGIF(data []byte) (bool, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	return len(g.Image) > 1, nil
}

func hasAlpha(img image.Image) bool {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			_, _, _, a := img.At(x, y).RGBA()
			if a < 0xFFFF {
				return true
			}
		}
	}
	return false
}
