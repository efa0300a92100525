package backbone

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	// Extra decoders for LoadImage; imaging registers jpeg, png, gif, tiff and bmp.
	_ "golang.org/x/image/webp"
)

// letterboxFill is the padding color used by YOLO exporters.
var letterboxFill = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// LoadImage decodes an image file, applying its EXIF orientation.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "loading image %s", path)
	}
	return img, nil
}

// Resize scales img to width x height. With letterbox the aspect ratio is kept
// and the remainder is padded with gray.
func Resize(img image.Image, width, height int, letterbox bool) image.Image {
	if !letterbox {
		return resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
	}
	fitted := imaging.Fit(img, width, height, imaging.Lanczos)
	canvas := imaging.New(width, height, letterboxFill)
	return imaging.PasteCenter(canvas, fitted)
}

// Preprocess resizes img and lays it out as a (1, 3, height, width) RGB tensor
// scaled to [0, 1].
func Preprocess(img image.Image, width, height int, letterbox bool) *tensor.Dense {
	img = Resize(img, width, height, letterbox)
	bounds := img.Bounds()

	channelSize := width * height
	data := make([]float32, 3*channelSize)
	red := data[0:channelSize]
	green := data[channelSize : channelSize*2]
	blue := data[channelSize*2 : channelSize*3]

	i := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(b>>8) / 255.0
			i++
		}
	}

	return tensor.New(tensor.WithShape(1, 3, height, width), tensor.WithBacking(data))
}
