package fid

import (
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"iter"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/rectflow/internal/generics"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// ImageSource provides the real images the generated ones are compared to.
type ImageSource interface {
	// String identifies the source, it is used to name the cached reference statistics.
	String() string

	// ImageSize is the height and width of the images.
	ImageSize() int

	// Channels is the number of channels of the images.
	Channels() int

	// Batches iterates over all images (and labels, ignored here).
	Batches(batchSize int) iter.Seq2[*tensors.Tensor, *tensors.Tensor]
}

// Sampler generates images to be evaluated, see flow.Model.FIDSample.
type Sampler interface {
	FIDSample(rng *rand.Rand, batchSize int, cfgScale float64) (*tensors.Tensor, error)
}

// Evaluator compares generated images against the reference statistics of a set of real images.
type Evaluator struct {
	extractor  FeatureExtractor
	reference  *Stats
	numSamples int
	batchSize  int
	rng        *rand.Rand
}

// NewEvaluator creates an Evaluator for the images in source. The reference statistics are loaded from
// statsDir if previously cached there, otherwise they are computed and saved. If statsDir is empty
// they are not cached.
//
// Each call to Score generates numSamples images, in batches of batchSize.
func NewEvaluator(ctx context.Context, source ImageSource, extractor FeatureExtractor, statsDir string, numSamples, batchSize int) (*Evaluator, error) {
	if numSamples < 2 || batchSize < 1 {
		return nil, errors.Errorf("invalid number of samples (%d) or batch size (%d) for evaluation", numSamples, batchSize)
	}
	e := &Evaluator{
		extractor:  extractor,
		numSamples: numSamples,
		batchSize:  batchSize,
		rng:        rand.New(rand.NewPCG(0, 1)),
	}
	var statsPath string
	if statsDir != "" {
		statsPath = filepath.Join(statsDir, statsFileName(source, extractor))
		stats, err := LoadStats(statsPath)
		if err == nil {
			klog.V(1).Infof("Loaded reference statistics from %q", statsPath)
			e.reference = stats
			return e, nil
		}
		if !os.IsNotExist(errors.Cause(err)) {
			return nil, err
		}
	}
	var err error
	e.reference, err = ReferenceStats(ctx, source, extractor, batchSize)
	if err != nil {
		return nil, err
	}
	if statsPath != "" {
		if err = SaveStats(statsPath, e.reference); err != nil {
			return nil, err
		}
		klog.Infof("Saved reference statistics to %q", statsPath)
	}
	return e, nil
}

// statsFileName is unique per source, image shape and extractor.
func statsFileName(source ImageSource, extractor FeatureExtractor) string {
	hash := sha256.Sum256([]byte(source.String()))
	return fmt.Sprintf("fid_stats_%s_%dx%dx%d_%s.gob", hex.EncodeToString(hash[:8]),
		source.Channels(), source.ImageSize(), source.ImageSize(), extractor)
}

// ReferenceStats computes the statistics of the features of all images in source.
// Batches are processed in parallel.
func ReferenceStats(ctx context.Context, source ImageSource, extractor FeatureExtractor, batchSize int) (*Stats, error) {
	var mu sync.Mutex
	var batchFeatures []*mat.Dense
	wg, wgCtx := errgroup.WithContext(ctx)
	var batchIdx int
	for images := range source.Batches(batchSize) {
		idx := batchIdx
		batchIdx++
		mu.Lock()
		batchFeatures = append(batchFeatures, nil)
		mu.Unlock()
		wg.Go(func() error {
			if wgCtx.Err() != nil {
				return wgCtx.Err()
			}
			features, err := extractor.Features(images)
			if err != nil {
				return err
			}
			mu.Lock()
			batchFeatures[idx] = features
			mu.Unlock()
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, errors.WithMessagef(err, "failed to compute reference statistics of %s", source)
	}
	return NewStats(stack(batchFeatures))
}

// Score generates images with sampler and returns the Fréchet distance of their features to the reference.
// It returns ctx.Err() if ctx is cancelled before all images are generated.
func (e *Evaluator) Score(ctx context.Context, sampler Sampler, cfgScale float64) (float64, error) {
	var batchFeatures []*mat.Dense
	for _, batchSize := range generics.Groups(e.numSamples, e.batchSize) {
		if ctx.Err() != nil {
			return 0, errors.WithStack(ctx.Err())
		}
		images, err := sampler.FIDSample(e.rng, batchSize, cfgScale)
		if err != nil {
			return 0, errors.WithMessagef(err, "failed to generate images for evaluation")
		}
		features, err := e.extractor.Features(images)
		if err != nil {
			return 0, err
		}
		batchFeatures = append(batchFeatures, features)
	}
	stats, err := NewStats(stack(batchFeatures))
	if err != nil {
		return 0, err
	}
	return FrechetDistance(e.reference, stats)
}

// Reference returns the statistics of the real images.
func (e *Evaluator) Reference() *Stats { return e.reference }

// stack concatenates the rows of the matrices. It returns nil if there are no rows.
func stack(matrices []*mat.Dense) *mat.Dense {
	var rows, cols int
	for _, m := range matrices {
		r, c := m.Dims()
		rows += r
		cols = c
	}
	if rows == 0 {
		return nil
	}
	stacked := mat.NewDense(rows, cols, nil)
	var row int
	for _, m := range matrices {
		r, _ := m.Dims()
		for ii := range r {
			stacked.SetRow(row, m.RawRowView(ii))
			row++
		}
	}
	return stacked
}

// encodedStats is the on-disk format of Stats.
type encodedStats struct {
	Mean  []float64
	Sigma []float64
}

// SaveStats writes the statistics to filePath with encoding/gob.
func SaveStats(filePath string, s *Stats) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	n := s.Dim()
	enc := encodedStats{Mean: s.Mean, Sigma: make([]float64, 0, n*n)}
	for i := range n {
		for j := range n {
			enc.Sigma = append(enc.Sigma, s.Sigma.At(i, j))
		}
	}
	if err = gob.NewEncoder(f).Encode(&enc); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode statistics to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// LoadStats reads statistics saved with SaveStats.
func LoadStats(filePath string) (*Stats, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer func() { _ = f.Close() }()
	var enc encodedStats
	if err = gob.NewDecoder(f).Decode(&enc); err != nil {
		return nil, errors.Wrapf(err, "failed to decode statistics from %q", filePath)
	}
	n := len(enc.Mean)
	if len(enc.Sigma) != n*n {
		return nil, errors.Errorf("corrupted statistics in %q: %d means but %d covariance values", filePath, n, len(enc.Sigma))
	}
	return &Stats{Mean: enc.Mean, Sigma: mat.NewSymDense(n, enc.Sigma)}, nil
}
