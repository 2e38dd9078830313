package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
)

// Per-channel statistics of the meme images, applied after scaling to [0, 1].
var (
	ChannelMean = [3]float64{0.46777044, 0.44531429, 0.40661017}
	ChannelStd  = [3]float64{0.12221994, 0.12145835, 0.14380469}
)

// ImageProcessor decodes and resizes images into normalized CHW planes.
// It holds no mutable state and is safe for concurrent use.
type ImageProcessor struct {
	targetSize int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// ProcessedImage represents a preprocessed image ready for region pooling
type ProcessedImage struct {
	Data     []float64 // CHW
	Width    int
	Height   int
	Channels int
}

// At returns the normalized value of channel ch at (x, y).
func (pi *ProcessedImage) At(ch, x, y int) float64 {
	return pi.Data[ch*pi.Width*pi.Height+y*pi.Width+x]
}

// DecodeAndPreprocess decodes a JPEG or PNG image and preprocesses it.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if format != "jpeg" && format != "png" {
		return nil, fmt.Errorf("unsupported image format %q", format)
	}
	return p.Preprocess(img), nil
}

// Preprocess resizes img to targetSize x targetSize with nearest-neighbour
// sampling and normalizes every channel.
func (p *ImageProcessor) Preprocess(img image.Image) *ProcessedImage {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	size := p.targetSize
	plane := size * size
	data := make([]float64, 3*plane)

	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			srcX := int(float64(x) * scaleX)
			srcY := int(float64(y) * scaleY)
			if srcX >= width {
				srcX = width - 1
			}
			if srcY >= height {
				srcY = height - 1
			}

			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()
			idx := y*size + x
			data[0*plane+idx] = normalize(float64(r)/65535.0, 0)
			data[1*plane+idx] = normalize(float64(g)/65535.0, 1)
			data[2*plane+idx] = normalize(float64(b)/65535.0, 2)
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    size,
		Height:   size,
		Channels: 3,
	}
}

// Blank returns the preprocessed all-black image used when an example has
// no image or its image was dropped.
func (p *ImageProcessor) Blank() *ProcessedImage {
	return p.Preprocess(image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize)))
}

func normalize(v float64, ch int) float64 {
	if v != v || v < 0 || v > 1 {
		v = 0
	}
	return (v - ChannelMean[ch]) / ChannelStd[ch]
}
