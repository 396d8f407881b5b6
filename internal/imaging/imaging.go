// Package imaging converts batches of generated images (tensors) to Go images, arranges them in grids
// and saves them as PNG (grids) or animated GIF (sampling trajectories).
package imaging

import (
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// DefaultPadding between images in a grid, in pixels.
const DefaultPadding = 2

// ToUint8 converts a value in [0, 1] to a color component, clipping values outside of the range.
func ToUint8(v float32) uint8 {
	v = math32.Max(0, math32.Min(1, v))
	return uint8(math32.Floor(v*255 + 0.5))
}

// ToImages converts a batch of images shaped [batch, channels, height, width] with values in [0, 1]
// to Go images. Channels must be 1 (grayscale) or 3 (RGB).
func ToImages(batch *tensors.Tensor) ([]*image.NRGBA, error) {
	if batch.Rank() != 4 || batch.DType() != dtypes.Float32 {
		return nil, errors.Errorf("images must be Float32 shaped [batch, channels, height, width], got %s", batch.Shape())
	}
	dims := batch.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("images must have 1 or 3 channels, got %d", channels)
	}
	flat := tensors.CopyFlatData[float32](batch)
	planeSize := height * width
	images := make([]*image.NRGBA, batchSize)
	for ii := range images {
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		base := ii * channels * planeSize
		for y := range height {
			for x := range width {
				pos := y*width + x
				var c color.NRGBA
				c.A = 255
				c.R = ToUint8(flat[base+pos])
				if channels == 3 {
					c.G = ToUint8(flat[base+planeSize+pos])
					c.B = ToUint8(flat[base+2*planeSize+pos])
				} else {
					c.G, c.B = c.R, c.R
				}
				img.SetNRGBA(x, y, c)
			}
		}
		images[ii] = img
	}
	return images, nil
}

// Grid arranges images (all the same size) in rows of nrow images, separated (and surrounded) by padding
// black pixels. The last row may be incomplete.
func Grid(images []*image.NRGBA, nrow, padding int) (*image.NRGBA, error) {
	if len(images) == 0 {
		return nil, errors.New("no images to arrange in a grid")
	}
	if nrow < 1 {
		return nil, errors.Errorf("invalid number of images per row %d", nrow)
	}
	size := images[0].Bounds().Size()
	numCols := min(nrow, len(images))
	numRows := (len(images) + nrow - 1) / nrow
	cellW, cellH := size.X+padding, size.Y+padding
	grid := image.NewNRGBA(image.Rect(0, 0, numCols*cellW+padding, numRows*cellH+padding))
	draw.Draw(grid, grid.Bounds(), image.NewUniform(color.NRGBA{A: 255}), image.Point{}, draw.Src)
	for ii, img := range images {
		if img.Bounds().Size() != size {
			return nil, errors.Errorf("image #%d has size %s, but image #0 has size %s", ii, img.Bounds().Size(), size)
		}
		row, col := ii/nrow, ii%nrow
		origin := image.Pt(padding+col*cellW, padding+row*cellH)
		draw.Draw(grid, image.Rectangle{Min: origin, Max: origin.Add(size)}, img, img.Bounds().Min, draw.Src)
	}
	return grid, nil
}

// MakeGrid converts the batch of images (see ToImages) and arranges them with Grid.
func MakeGrid(batch *tensors.Tensor, nrow, padding int) (*image.NRGBA, error) {
	images, err := ToImages(batch)
	if err != nil {
		return nil, err
	}
	return Grid(images, nrow, padding)
}

// Upscale img by an integer factor, with nearest-neighbor interpolation.
func Upscale(img image.Image, factor int) *image.NRGBA {
	factor = max(1, factor)
	bounds := img.Bounds()
	scaled := image.NewNRGBA(image.Rect(0, 0, bounds.Dx()*factor, bounds.Dy()*factor))
	draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), img, bounds, draw.Src, nil)
	return scaled
}

// SavePNG writes img to filePath, creating the parent directory if needed.
func SavePNG(filePath string, img image.Image) error {
	f, err := create(filePath)
	if err != nil {
		return err
	}
	if err = png.Encode(f, img); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode PNG to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// SaveGIF writes the frames as an animated GIF to filePath, with delay (in 100ths of a second) between frames.
// Frames are quantized to the Plan9 palette with Floyd-Steinberg dithering. The last frame is held 10 times longer.
func SaveGIF(filePath string, frames []image.Image, delay int) error {
	if len(frames) == 0 {
		return errors.Errorf("no frames to save to %q", filePath)
	}
	anim := &gif.GIF{}
	for ii, frame := range frames {
		paletted := image.NewPaletted(frame.Bounds(), palette.Plan9)
		draw.FloydSteinberg.Draw(paletted, paletted.Bounds(), frame, frame.Bounds().Min)
		anim.Image = append(anim.Image, paletted)
		frameDelay := delay
		if ii == len(frames)-1 {
			frameDelay *= 10
		}
		anim.Delay = append(anim.Delay, frameDelay)
	}
	f, err := create(filePath)
	if err != nil {
		return err
	}
	if err = gif.EncodeAll(f, anim); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode GIF to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// Trajectories collects the generated images of several batches, and the frames of their sampling
// trajectories, to save them as one grid (PNG) and one animation (GIF).
type Trajectories struct {
	// Images generated, in order.
	Images []*image.NRGBA

	// Frames holds, for each step of the trajectory, the images of all batches at that step.
	Frames [][]*image.NRGBA
}

// Add the batch of generated images, and its trajectory: one batch per step, possibly empty if
// the steps were not recorded. All batches added must have trajectories of the same length.
func (t *Trajectories) Add(images *tensors.Tensor, trajectory []*tensors.Tensor) error {
	batchImages, err := ToImages(images)
	if err != nil {
		return err
	}
	if len(t.Images) > 0 && len(trajectory) != len(t.Frames) {
		return errors.Errorf("trajectory has %d steps, but previous ones had %d", len(trajectory), len(t.Frames))
	}
	if t.Frames == nil {
		t.Frames = make([][]*image.NRGBA, len(trajectory))
	}
	for stepIdx, step := range trajectory {
		stepImages, err := ToImages(step)
		if err != nil {
			return errors.WithMessagef(err, "trajectory step %d", stepIdx)
		}
		t.Frames[stepIdx] = append(t.Frames[stepIdx], stepImages...)
	}
	t.Images = append(t.Images, batchImages...)
	return nil
}

// SavePNG writes the grid of the images, with nrow images per row, upscaled by the integer factor.
func (t *Trajectories) SavePNG(filePath string, nrow, upscale int) error {
	grid, err := Grid(t.Images, nrow, DefaultPadding)
	if err != nil {
		return err
	}
	return SavePNG(filePath, Upscale(grid, upscale))
}

// SaveGIF writes one grid (see SavePNG) per trajectory step as an animated GIF, with delay (in 100ths
// of a second) between frames.
func (t *Trajectories) SaveGIF(filePath string, nrow, upscale, delay int) error {
	frames := make([]image.Image, 0, len(t.Frames))
	for ii, frameImages := range t.Frames {
		grid, err := Grid(frameImages, nrow, DefaultPadding)
		if err != nil {
			return errors.WithMessagef(err, "trajectory step %d", ii)
		}
		frames = append(frames, Upscale(grid, upscale))
	}
	return SaveGIF(filePath, frames, delay)
}

func create(filePath string) (*os.File, error) {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory %q", dir)
		}
	}
	f, err := os.Create(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %q", filePath)
	}
	return f, nil
}
