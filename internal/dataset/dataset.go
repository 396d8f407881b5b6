// Package dataset loads a folder of images into memory, and serves shuffled batches for training.
//
// Two layouts are supported:
//
//   - <dir>/<class_name>/*.png: one sub-directory per class, labels are the index of the class
//     name in sorted order.
//   - <dir>/*.png: a flat directory of images, all with label 0.
//
// Images are center-cropped to a square, resized to the configured size and stored as float32
// values in [0, 1], shaped [channels, height, width].
package dataset

import (
	"context"
	"image"
	"iter"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/rectflow/internal/generics"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	// Image formats.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	_ "image/jpeg"
	_ "image/png"
)

// ImageExtensions recognized when listing the dataset directory.
var ImageExtensions = generics.SetWith(".png", ".jpg", ".jpeg", ".webp", ".bmp", ".tif", ".tiff")

// Dataset of images held in memory.
type Dataset struct {
	dir                 string
	classNames          []string
	channels, imageSize int

	// data holds all images, one after the other, each with exampleSize values.
	data        []float32
	labels      []int32
	exampleSize int

	// Iteration state.
	rng        *rand.Rand
	order      []int
	next       int
	epoch      int
	randomFlip bool
}

// New loads all images under dir, resized to imageSize x imageSize with the given number of
// channels (1 for grayscale, 3 for RGB).
//
// Images are decoded in parallel, parallelism defaults to the number of CPUs if <= 0.
// It returns early if ctx is cancelled.
func New(ctx context.Context, dir string, imageSize, channels, parallelism int) (*Dataset, error) {
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("dataset %q: channels must be 1 or 3, got %d", dir, channels)
	}
	if imageSize < 1 {
		return nil, errors.Errorf("dataset %q: invalid image size %d", dir, imageSize)
	}
	paths, labels, classNames, err := listImages(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("dataset %q has no images (extensions %v)", dir, slices.Collect(generics.SortedKeys(ImageExtensions)))
	}

	ds := &Dataset{
		dir:         dir,
		classNames:  classNames,
		channels:    channels,
		imageSize:   imageSize,
		labels:      labels,
		exampleSize: channels * imageSize * imageSize,
		rng:         rand.New(rand.NewPCG(0, 0)),
	}
	ds.data = make([]float32, len(paths)*ds.exampleSize)

	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	wg, wgCtx := errgroup.WithContext(ctx)
	wg.SetLimit(parallelism)
	for ii, path := range paths {
		wg.Go(func() error {
			if wgCtx.Err() != nil {
				return wgCtx.Err()
			}
			img, err := decode(path)
			if err != nil {
				return err
			}
			ds.toFloat32(img, ds.data[ii*ds.exampleSize:(ii+1)*ds.exampleSize])
			return nil
		})
	}
	if err = wg.Wait(); err != nil {
		return nil, errors.WithMessagef(err, "failed to load dataset %q", dir)
	}
	ds.shuffle()
	klog.V(1).Infof("Loaded dataset %q: %d images, %d classes, %dx%dx%d", dir, len(paths), ds.NumClasses(),
		channels, imageSize, imageSize)
	return ds, nil
}

// listImages returns the image paths and labels, sorted by class and then by file name.
func listImages(dir string) (paths []string, labels []int32, classNames []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "failed to read dataset directory %q", dir)
	}
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			classNames = append(classNames, entry.Name())
		}
	}
	if len(classNames) == 0 {
		// Flat directory: a single class.
		classNames = []string{filepath.Base(dir)}
		paths, err = listDir(dir)
		labels = make([]int32, len(paths))
		return
	}
	slices.Sort(classNames)
	for classIdx, className := range classNames {
		var classPaths []string
		classPaths, err = listDir(filepath.Join(dir, className))
		if err != nil {
			return
		}
		paths = append(paths, classPaths...)
		for range classPaths {
			labels = append(labels, int32(classIdx))
		}
	}
	return
}

// listDir returns the sorted paths of the image files in dir.
func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read directory %q", dir)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !ImageExtensions.Has(strings.ToLower(filepath.Ext(entry.Name()))) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	slices.Sort(paths)
	return paths, nil
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", path)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	return img, nil
}

// CenterCrop returns the largest centered square of bounds.
func CenterCrop(bounds image.Rectangle) image.Rectangle {
	side := min(bounds.Dx(), bounds.Dy())
	x0 := bounds.Min.X + (bounds.Dx()-side)/2
	y0 := bounds.Min.Y + (bounds.Dy()-side)/2
	return image.Rect(x0, y0, x0+side, y0+side)
}

// toFloat32 center-crops and resizes img, and writes it to dst as [channels, height, width] values in [0, 1].
func (ds *Dataset) toFloat32(img image.Image, dst []float32) {
	size := ds.imageSize
	resized := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, CenterCrop(img.Bounds()), draw.Src, nil)
	planeSize := size * size
	for y := range size {
		for x := range size {
			offset := resized.PixOffset(x, y)
			r := float32(resized.Pix[offset]) / 255
			g := float32(resized.Pix[offset+1]) / 255
			b := float32(resized.Pix[offset+2]) / 255
			pos := y*size + x
			if ds.channels == 1 {
				dst[pos] = 0.299*r + 0.587*g + 0.114*b
			} else {
				dst[pos] = r
				dst[planeSize+pos] = g
				dst[2*planeSize+pos] = b
			}
		}
	}
}

// String implements fmt.Stringer.
func (ds *Dataset) String() string { return ds.dir }

// ImageSize returns the height and width of the images, after resizing.
func (ds *Dataset) ImageSize() int { return ds.imageSize }

// Channels returns the number of channels of the images: 1 (grayscale) or 3 (RGB).
func (ds *Dataset) Channels() int { return ds.channels }

// Len returns the number of images.
func (ds *Dataset) Len() int { return len(ds.labels) }

// NumClasses returns the number of classes. It is 1 for flat directories.
func (ds *Dataset) NumClasses() int { return len(ds.classNames) }

// ClassNames returns the names of the classes, in label order.
func (ds *Dataset) ClassNames() []string { return ds.classNames }

// Epoch returns the number of full passes over the data served by NextBatch so far.
func (ds *Dataset) Epoch() int { return ds.epoch }

// Seed resets the random number generator used for shuffling and flipping, and reshuffles.
func (ds *Dataset) Seed(seed uint64) {
	ds.rng = rand.New(rand.NewPCG(seed, seed))
	ds.shuffle()
}

// RandomFlip enables randomly flipping images horizontally in NextBatch.
func (ds *Dataset) RandomFlip(enabled bool) { ds.randomFlip = enabled }

func (ds *Dataset) shuffle() {
	if ds.order == nil {
		ds.order = make([]int, ds.Len())
	}
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	ds.next = 0
}

// NextBatch returns the next batchSize images (Float32 [batchSize, channels, height, width]) and their labels
// (Int32 [batchSize]), in shuffled order. It reshuffles at the end of each epoch, so it never runs out.
func (ds *Dataset) NextBatch(batchSize int) (images, labels *tensors.Tensor) {
	indices := make([]int, batchSize)
	for ii := range indices {
		if ds.next >= len(ds.order) {
			ds.epoch++
			ds.shuffle()
		}
		indices[ii] = ds.order[ds.next]
		ds.next++
	}
	return ds.batch(indices, ds.randomFlip)
}

// Batches iterates over all images in order (no shuffling or flipping), in batches of at most batchSize.
func (ds *Dataset) Batches(batchSize int) iter.Seq2[*tensors.Tensor, *tensors.Tensor] {
	return func(yield func(*tensors.Tensor, *tensors.Tensor) bool) {
		indices := make([]int, ds.Len())
		for ii := range indices {
			indices[ii] = ii
		}
		for _, chunk := range generics.Chunks(indices, batchSize) {
			images, labels := ds.batch(chunk, false)
			if !yield(images, labels) {
				return
			}
		}
	}
}

func (ds *Dataset) batch(indices []int, flip bool) (images, labels *tensors.Tensor) {
	images = tensors.FromShape(shapes.Make(dtypes.Float32, len(indices), ds.channels, ds.imageSize, ds.imageSize))
	labelsData := make([]int32, len(indices))
	size := ds.imageSize
	tensors.MutableFlatData(images, func(flat []float32) {
		for batchIdx, exampleIdx := range indices {
			labelsData[batchIdx] = ds.labels[exampleIdx]
			src := ds.data[exampleIdx*ds.exampleSize : (exampleIdx+1)*ds.exampleSize]
			dst := flat[batchIdx*ds.exampleSize : (batchIdx+1)*ds.exampleSize]
			if !flip || ds.rng.IntN(2) == 0 {
				copy(dst, src)
				continue
			}
			// Horizontal flip: reverse each row.
			for row := 0; row < len(src); row += size {
				for x := range size {
					dst[row+x] = src[row+size-1-x]
				}
			}
		}
	})
	labels = tensors.FromValue(labelsData)
	return
}
