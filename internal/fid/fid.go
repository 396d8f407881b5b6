// Package fid implements a Fréchet-distance based evaluation of generated images: Gaussians are fit to
// features of real and of generated images, and the distance between them is reported.
//
// The default FeatureExtractor, PooledPixels, is a cheap stand-in for the Inception network used by the
// standard FID score, so the numbers are only comparable among themselves.
package fid

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// FeatureExtractor maps a batch of images (Float32 [batch, channels, height, width] in [0, 1]) to one feature
// vector per image.
type FeatureExtractor interface {
	fmt.Stringer
	Features(images *tensors.Tensor) (*mat.Dense, error)
}

// PooledPixels is a FeatureExtractor that average-pools each channel to a Grid x Grid image,
// and uses the pooled values as features.
type PooledPixels struct {
	Grid int
}

// DefaultGrid used by PooledPixels.
const DefaultGrid = 4

// String implements FeatureExtractor.
func (p PooledPixels) String() string { return fmt.Sprintf("pooled%d", p.Grid) }

// Features implements FeatureExtractor. Height and width must be divisible by Grid.
func (p PooledPixels) Features(images *tensors.Tensor) (*mat.Dense, error) {
	if images.Rank() != 4 || images.DType() != dtypes.Float32 {
		return nil, errors.Errorf("images must be Float32 shaped [batch, channels, height, width], got %s", images.Shape())
	}
	dims := images.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	grid := p.Grid
	if grid < 1 || height%grid != 0 || width%grid != 0 {
		return nil, errors.Errorf("image size %dx%d not divisible by the pooling grid %d", height, width, grid)
	}
	cellH, cellW := height/grid, width/grid
	norm := 1 / float64(cellH*cellW)
	flat := tensors.CopyFlatData[float32](images)
	numFeatures := channels * grid * grid
	features := mat.NewDense(batchSize, numFeatures, nil)
	for b := range batchSize {
		row := features.RawRowView(b)
		for c := range channels {
			plane := flat[(b*channels+c)*height*width : (b*channels+c+1)*height*width]
			for y := range height {
				for x := range width {
					row[c*grid*grid+(y/cellH)*grid+x/cellW] += float64(plane[y*width+x])
				}
			}
		}
		for ii := range row {
			row[ii] *= norm
		}
	}
	return features, nil
}

// Stats are the mean and covariance of a set of feature vectors.
type Stats struct {
	Mean  []float64
	Sigma *mat.SymDense
}

// NewStats fits a Gaussian to the features, one example per row. It requires at least 2 rows.
func NewStats(features *mat.Dense) (*Stats, error) {
	if features == nil {
		return nil, errors.New("no feature vectors given")
	}
	rows, cols := features.Dims()
	if rows < 2 {
		return nil, errors.Errorf("at least 2 feature vectors are needed to estimate the covariance, got %d", rows)
	}
	s := &Stats{
		Mean:  make([]float64, cols),
		Sigma: mat.NewSymDense(cols, nil),
	}
	for col := range cols {
		s.Mean[col] = stat.Mean(mat.Col(nil, col, features), nil)
	}
	stat.CovarianceMatrix(s.Sigma, features, nil)
	return s, nil
}

// Dim returns the dimension of the features.
func (s *Stats) Dim() int { return len(s.Mean) }

// FrechetDistance between the Gaussians described by a and b:
//
//	|μa - μb|² + Tr(Σa + Σb - 2·(Σa·Σb)^½)
func FrechetDistance(a, b *Stats) (float64, error) {
	if a.Dim() != b.Dim() {
		return 0, errors.Errorf("stats have different dimensions: %d and %d", a.Dim(), b.Dim())
	}
	var meanDist float64
	for ii, m := range a.Mean {
		d := m - b.Mean[ii]
		meanDist += d * d
	}
	traceSqrt, err := traceSqrtProduct(a.Sigma, b.Sigma)
	if err != nil {
		return 0, err
	}
	return meanDist + mat.Trace(a.Sigma) + mat.Trace(b.Sigma) - 2*traceSqrt, nil
}

// traceSqrtProduct returns Tr((A·B)^½) for symmetric positive semi-definite A and B.
// It uses the fact that A·B is similar to A^½·B·A^½, which is symmetric.
func traceSqrtProduct(a, b *mat.SymDense) (float64, error) {
	sqrtA, err := sqrtSym(a)
	if err != nil {
		return 0, err
	}
	var tmp, product mat.Dense
	tmp.Mul(sqrtA, b)
	product.Mul(&tmp, sqrtA)
	n, _ := product.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := range n {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (product.At(i, j)+product.At(j, i))/2)
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(sym, false); !ok {
		return 0, errors.New("eigen-decomposition of the covariance product failed")
	}
	var trace float64
	for _, v := range eig.Values(nil) {
		trace += math.Sqrt(max(v, 0))
	}
	return trace, nil
}

// sqrtSym returns the square root of a symmetric positive semi-definite matrix. Small negative
// eigenvalues (numerical noise) are clipped to 0.
func sqrtSym(a *mat.SymDense) (*mat.Dense, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(a, true); !ok {
		return nil, errors.New("eigen-decomposition of the covariance failed")
	}
	values := eig.Values(nil)
	for ii, v := range values {
		values[ii] = math.Sqrt(max(v, 0))
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	var tmp, sqrt mat.Dense
	tmp.Mul(&vectors, mat.NewDiagDense(len(values), values))
	sqrt.Mul(&tmp, vectors.T())
	return &sqrt, nil
}
