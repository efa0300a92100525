package backbone

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestPreprocess(t *testing.T) {
	img := solid(20, 10, color.NRGBA{R: 255, G: 0, B: 51, A: 255})

	input := Preprocess(img, 8, 4, false)
	assert.Equal(t, tensor.Shape{1, 3, 4, 8}, input.Shape())

	// Resampling a flat color may move a channel by one 8-bit level.
	const oneLevel = 1.0/255 + 1e-6
	data := input.Data().([]float32)
	const plane = 8 * 4
	for i := 0; i < plane; i++ {
		require.InDelta(t, 1.0, data[i], oneLevel)
		require.InDelta(t, 0.0, data[plane+i], oneLevel)
		require.InDelta(t, 0.2, data[2*plane+i], oneLevel)
	}
}

func TestPreprocess_Letterbox(t *testing.T) {
	// A wide white image fitted into a square leaves gray bars top and bottom.
	img := solid(16, 8, color.NRGBA{R: 255, G: 255, B: 255, A: 255})

	input := Preprocess(img, 16, 16, true)
	assert.Equal(t, tensor.Shape{1, 3, 16, 16}, input.Shape())

	at := func(c, y, x int) float32 {
		v, err := input.At(0, c, y, x)
		require.NoError(t, err)
		return v.(float32)
	}
	for c := 0; c < 3; c++ {
		assert.InDelta(t, 114.0/255, at(c, 0, 8), 1e-6, "top bar")
		assert.InDelta(t, 114.0/255, at(c, 15, 8), 1e-6, "bottom bar")
		assert.InDelta(t, 1.0, at(c, 8, 8), 1e-6, "image content")
	}
}

func TestLoadImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, solid(6, 3, color.NRGBA{G: 255, A: 255})))
	require.NoError(t, f.Close())

	img, err := LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dx())
	assert.Equal(t, 3, img.Bounds().Dy())

	_, err = LoadImage(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
