package flow

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultSamplingSteps is the number of Euler steps used when none is given.
	DefaultSamplingSteps = 50

	// DefaultCFGScale is the default classifier-free guidance scale.
	DefaultCFGScale = 5.0
)

// Samples generated by the model.
type Samples struct {
	// Images shaped [batch, channels, height, width] with values in [0, 1].
	Images *tensors.Tensor

	// Trajectory holds the images at each step of the integration, starting with the initial noise.
	// It has steps+1 entries, the last one is Images. It is only filled if requested.
	Trajectory []*tensors.Tensor
}

// TimeSchedule returns the values of t at which the velocity is queried, one per step:
// steps values evenly spaced from 1 down to 0, both included. For a single step it is {0}.
func TimeSchedule(steps int) []float32 {
	schedule := make([]float32, steps)
	if steps == 1 {
		return schedule
	}
	for ii := range schedule {
		schedule[ii] = float32(steps-1-ii) / float32(steps-1)
	}
	return schedule
}

// NoiseShape returns the shape of the initial noise for the given batch size.
func (m *Model) NoiseShape(batchSize int) shapes.Shape {
	return shapes.Make(dtypes.Float32, batchSize, m.channels, m.imageSize, m.imageSize)
}

// Noise draws standard Gaussian noise for batchSize images from rng.
func (m *Model) Noise(rng *rand.Rand, batchSize int) *tensors.Tensor {
	noise := tensors.FromShape(m.NoiseShape(batchSize))
	tensors.MutableFlatData(noise, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(rng.NormFloat64())
		}
	})
	return noise
}

// Sample generates batchSize images with an unguided Euler integration of steps steps, starting
// from noise drawn from rng.
func (m *Model) Sample(rng *rand.Rand, batchSize, steps int, returnAllSteps bool) (*Samples, error) {
	if batchSize < 1 {
		return nil, errors.Wrapf(ErrInvalidBatchSize, "got batch size %d", batchSize)
	}
	return m.SampleFromNoise(m.Noise(rng, batchSize), nil, steps, 0, returnAllSteps)
}

// CondSample generates one image per class in classes, using classifier-free guidance with the given cfgScale.
func (m *Model) CondSample(rng *rand.Rand, classes []int32, steps int, cfgScale float64, returnAllSteps bool) (*Samples, error) {
	if !m.Conditioning().IsConditional() {
		return nil, errors.WithStack(ErrNotConditional)
	}
	if len(classes) == 0 {
		return nil, errors.Wrapf(ErrInvalidBatchSize, "no classes given")
	}
	return m.SampleFromNoise(m.Noise(rng, len(classes)), classes, steps, cfgScale, returnAllSteps)
}

// FIDSample generates batchSize images for evaluation: for conditional models the classes are drawn
// uniformly and cfgScale is used, otherwise it falls back to Sample.
func (m *Model) FIDSample(rng *rand.Rand, batchSize int, cfgScale float64) (*tensors.Tensor, error) {
	var samples *Samples
	var err error
	if cond := m.Conditioning(); cond.IsConditional() {
		classes := make([]int32, batchSize)
		for ii := range classes {
			classes[ii] = int32(rng.IntN(cond.NumClasses))
		}
		samples, err = m.CondSample(rng, classes, DefaultSamplingSteps, cfgScale, false)
	} else {
		samples, err = m.Sample(rng, batchSize, DefaultSamplingSteps, false)
	}
	if err != nil {
		return nil, err
	}
	return samples.Images, nil
}

// SampleFromNoise integrates the flow from the given noise (shaped NoiseShape(batchSize)) at t=1 to t=0
// with Euler steps: z ← z - v_t/steps.
//
// If classes is nil the unguided velocity is used, otherwise the classifier-free guided velocity with cfgScale.
// Both pixel and latent models go through here: the Codec only decodes the outputs.
func (m *Model) SampleFromNoise(noise *tensors.Tensor, classes []int32, steps int, cfgScale float64, returnAllSteps bool) (samples *Samples, err error) {
	if steps < 1 {
		return nil, errors.Wrapf(ErrInvalidSamplingSteps, "got %d steps", steps)
	}
	if noise.Rank() != 4 {
		return nil, errors.Errorf("noise must be shaped [batch, channels, height, width], got %s", noise.Shape())
	}
	batchSize := noise.Shape().Dim(0)
	if batchSize < 1 {
		return nil, errors.WithStack(ErrInvalidBatchSize)
	}
	var labels *tensors.Tensor
	if classes != nil {
		if !m.Conditioning().IsConditional() {
			return nil, errors.WithStack(ErrNotConditional)
		}
		if len(classes) != batchSize {
			return nil, errors.Errorf("got %d classes for a batch of %d noise images", len(classes), batchSize)
		}
		labels = tensors.FromValue(classes)
	} else if m.Conditioning().IsConditional() {
		return nil, errors.WithStack(ErrMissingLabels)
	}

	samples = &Samples{}
	if returnAllSteps {
		samples.Trajectory = make([]*tensors.Tensor, 0, steps+1)
	}
	dt := float32(1) / float32(steps)
	err = exceptions.TryCatch[error](func() {
		z := noise
		if returnAllSteps {
			samples.Trajectory = append(samples.Trajectory, m.outputExec.Call(z)[0])
		}
		for _, t := range TimeSchedule(steps) {
			if labels == nil {
				z = m.stepExec.Call(z, t, dt)[0]
			} else {
				z = m.guidedStepExec.Call(z, t, dt, labels, float32(cfgScale))[0]
			}
			if returnAllSteps {
				samples.Trajectory = append(samples.Trajectory, m.outputExec.Call(z)[0])
			}
		}
		if returnAllSteps {
			samples.Images = samples.Trajectory[len(samples.Trajectory)-1]
		} else {
			samples.Images = m.outputExec.Call(z)[0]
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to sample %d images from %s", batchSize, m)
	}
	klog.V(2).Infof("Sampled %d images in %d steps (cfg=%g) from %s", batchSize, steps, cfgScale, m)
	return samples, nil
}

// EulerStepGraph moves z one step of size dt from t towards the data: z - v_t·dt.
//
// t and dt are scalars, t is broadcast to the batch. If labels is nil the unguided velocity is used,
// otherwise the guided one with the scalar cfgScale.
func (m *Model) EulerStepGraph(ctx *context.Context, z, t, dt, labels, cfgScale *Node) *Node {
	dtype := z.DType()
	batchSize := z.Shape().Dim(0)
	tb := BroadcastToDims(ConvertDType(t, dtype), batchSize)
	var v *Node
	if labels == nil {
		v = m.net.Velocity(netCtx(ctx), z, tb, nil)
	} else {
		v = m.net.GuidedVelocity(netCtx(ctx), z, tb, labels, ConvertDType(cfgScale, dtype))
	}
	return Sub(z, Mul(v, ConvertDType(dt, dtype)))
}
