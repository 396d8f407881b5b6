package imaging

import (
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constantBatch returns a batch of images where image i has all values set to values[i].
func constantBatch(values []float32, channels, size int) *tensors.Tensor {
	batch := tensors.FromShape(shapes.Make(dtypes.Float32, len(values), channels, size, size))
	perImage := channels * size * size
	tensors.MutableFlatData(batch, func(flat []float32) {
		for ii := range flat {
			flat[ii] = values[ii/perImage]
		}
	})
	return batch
}

func TestToUint8(t *testing.T) {
	assert.Equal(t, uint8(0), ToUint8(-0.5))
	assert.Equal(t, uint8(0), ToUint8(0))
	assert.Equal(t, uint8(128), ToUint8(0.5))
	assert.Equal(t, uint8(255), ToUint8(1))
	assert.Equal(t, uint8(255), ToUint8(7))
}

func TestToImages(t *testing.T) {
	images, err := ToImages(constantBatch([]float32{0, 1}, 3, 4))
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, image.Pt(4, 4), images[0].Bounds().Size())
	assert.Equal(t, color.NRGBA{0, 0, 0, 255}, images[0].NRGBAAt(1, 2))
	assert.Equal(t, color.NRGBA{255, 255, 255, 255}, images[1].NRGBAAt(3, 3))

	gray, err := ToImages(constantBatch([]float32{0.5}, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{128, 128, 128, 255}, gray[0].NRGBAAt(0, 0))

	_, err = ToImages(constantBatch([]float32{0.5}, 2, 2))
	require.Error(t, err)
	_, err = ToImages(tensors.FromValue([]float32{1, 2}))
	require.Error(t, err)
}

func TestMakeGrid(t *testing.T) {
	// 5 white images of 4x4 in rows of 2: 3 rows.
	grid, err := MakeGrid(constantBatch([]float32{1, 1, 1, 1, 1}, 3, 4), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(2*(4+2)+2, 3*(4+2)+2), grid.Bounds().Size())
	assert.Equal(t, color.NRGBA{0, 0, 0, 255}, grid.NRGBAAt(0, 0), "padding is black")
	assert.Equal(t, color.NRGBA{255, 255, 255, 255}, grid.NRGBAAt(2, 2), "first image")
	assert.Equal(t, color.NRGBA{255, 255, 255, 255}, grid.NRGBAAt(2, 14), "first image of the third row")
	assert.Equal(t, color.NRGBA{0, 0, 0, 255}, grid.NRGBAAt(8, 14), "missing image of the last row")

	// Fewer images than nrow: a single (narrower) row.
	grid, err = MakeGrid(constantBatch([]float32{1}, 3, 4), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(4, 4), grid.Bounds().Size())

	_, err = Grid(nil, 2, 2)
	require.Error(t, err)
	_, err = MakeGrid(constantBatch([]float32{1}, 3, 4), 0, 2)
	require.Error(t, err)
}

func TestUpscale(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(1, 0, color.NRGBA{255, 0, 0, 255})
	scaled := Upscale(img, 3)
	assert.Equal(t, image.Pt(6, 3), scaled.Bounds().Size())
	assert.Equal(t, color.NRGBA{255, 0, 0, 255}, scaled.NRGBAAt(4, 2))
	assert.Equal(t, color.NRGBA{}, scaled.NRGBAAt(1, 1))
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	batch := constantBatch([]float32{0, 0.5, 1}, 3, 4)

	pngPath := filepath.Join(dir, "samples", "grid.png")
	grid, err := MakeGrid(batch, 3, DefaultPadding)
	require.NoError(t, err)
	require.NoError(t, SavePNG(pngPath, grid))
	f, err := os.Open(pngPath)
	require.NoError(t, err)
	decoded, err := png.Decode(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	assert.Equal(t, grid.Bounds(), decoded.Bounds())

	require.Error(t, SaveGIF(filepath.Join(dir, "empty.gif"), nil, 5))
}

func TestTrajectories(t *testing.T) {
	dir := t.TempDir()
	batch := constantBatch([]float32{0, 0.5, 1}, 3, 4)
	trajectory := []*tensors.Tensor{batch, batch, batch}
	var samples Trajectories
	require.NoError(t, samples.Add(batch, trajectory))
	require.NoError(t, samples.Add(batch, trajectory))
	assert.Len(t, samples.Images, 6)
	require.Len(t, samples.Frames, 3)
	assert.Len(t, samples.Frames[0], 6)
	require.Error(t, samples.Add(batch, trajectory[:2]), "trajectories of different lengths")

	pngPath := filepath.Join(dir, "grid.png")
	require.NoError(t, samples.SavePNG(pngPath, 3, 2))
	f, err := os.Open(pngPath)
	require.NoError(t, err)
	decoded, err := png.Decode(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	// 2 rows of 3 images of 4x4, with padding, upscaled 2x.
	assert.Equal(t, image.Pt(2*(3*(4+DefaultPadding)+DefaultPadding), 2*(2*(4+DefaultPadding)+DefaultPadding)),
		decoded.Bounds().Size())

	gifPath := filepath.Join(dir, "samples", "trajectory.gif")
	require.NoError(t, samples.SaveGIF(gifPath, 3, 1, 5))
	f, err = os.Open(gifPath)
	require.NoError(t, err)
	anim, err := gif.DecodeAll(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	assert.Len(t, anim.Image, 3)
	assert.Equal(t, []int{5, 5, 50}, anim.Delay)

	// Without trajectories there are no frames to animate.
	var finalOnly Trajectories
	require.NoError(t, finalOnly.Add(batch, nil))
	assert.Empty(t, finalOnly.Frames)
	require.Error(t, finalOnly.SaveGIF(filepath.Join(dir, "none.gif"), 3, 1, 5))
}
