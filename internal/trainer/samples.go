package trainer

import (
	"context"
	"fmt"
	"path/filepath"

	mlctx "github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/rectflow/internal/flow"
	"github.com/janpfeifer/rectflow/internal/generics"
	"github.com/janpfeifer/rectflow/internal/imaging"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SampleCFGScales are the classifier-free guidance scales of the logged samples of conditional models.
var SampleCFGScales = []float64{1.0, 1.25, 1.5}

const (
	// numUnconditionalSamples logged for unconditional models, in a grid of unconditionalGridColumns.
	numUnconditionalSamples  = 100
	unconditionalGridColumns = 10

	// gifSeconds is the approximate duration of the trajectory animations of conditional models.
	gifSeconds = 5

	// unconditionalGIFDelay is the delay between frames of unconditional trajectory animations, in 1/100s.
	unconditionalGIFDelay = 10
)

// LogSamples generates samples with the sampling model (see SamplingModel) and writes a grid of the
// images (PNG) and an animation of their trajectories (GIF) to the log directory.
//
// Conditional models generate n_per_class images per class for each of SampleCFGScales, into
// samples_<step>_cfg<scale>.{png,gif}, with one column per class. Unconditional models generate 100
// images into samples_<step>.{png,gif}.
//
// It returns an error wrapping ctx.Err() if ctx is cancelled before all samples are generated.
func (tr *Trainer) LogSamples(ctx context.Context) error {
	if tr.samplingModel == nil {
		return errors.Errorf("model %s doesn't generate images", tr.model)
	}
	cond := tr.samplingModel.Conditioning()
	if !cond.IsConditional() {
		batchSizes := generics.Groups(numUnconditionalSamples, tr.sampleBatchSize())
		prefix := filepath.Join(tr.logDir, fmt.Sprintf("samples_%d", tr.step))
		return tr.logBatches(ctx, prefix, len(batchSizes), unconditionalGridColumns, unconditionalGIFDelay,
			func(ii int) (*flow.Samples, error) {
				return tr.samplingModel.Sample(tr.rng, batchSizes[ii], tr.samplingSteps(), true)
			})
	}

	classes := make([]int32, cond.NumClasses)
	for ii := range classes {
		classes[ii] = int32(ii)
	}
	nPerClass := mlctx.GetParamOr(tr.ctx, ParamNPerClass, 10)
	chunks := generics.Chunks(generics.Tile(classes, nPerClass), tr.sampleBatchSize())
	numFrames := tr.samplingSteps() + 1
	delay := 100 / max(1, numFrames/gifSeconds)
	for _, cfgScale := range SampleCFGScales {
		prefix := filepath.Join(tr.logDir, fmt.Sprintf("samples_%d_cfg%g", tr.step, cfgScale))
		err := tr.logBatches(ctx, prefix, len(chunks), cond.NumClasses, delay,
			func(ii int) (*flow.Samples, error) {
				return tr.samplingModel.CondSample(tr.rng, chunks[ii], tr.samplingSteps(), cfgScale, true)
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// logBatches generates numBatches of samples with sampleFn, and saves their grid to prefix+".png"
// and the animation of their trajectory to prefix+".gif". It stops if ctx is cancelled.
func (tr *Trainer) logBatches(ctx context.Context, prefix string, numBatches, nrow, delay int,
	sampleFn func(batchIdx int) (*flow.Samples, error)) error {
	var samples imaging.Trajectories
	for batchIdx := range numBatches {
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "sampling %s interrupted", prefix)
		}
		batch, err := sampleFn(batchIdx)
		if err != nil {
			return errors.WithMessagef(err, "failed to sample %s", prefix)
		}
		if err = samples.Add(batch.Images, batch.Trajectory); err != nil {
			return err
		}
	}
	if err := samples.SavePNG(prefix+".png", nrow, 1); err != nil {
		return err
	}
	if err := samples.SaveGIF(prefix+".gif", nrow, 1, delay); err != nil {
		return err
	}
	klog.Infof("Saved samples at %s.png", prefix)
	return nil
}

func (tr *Trainer) sampleBatchSize() int {
	return max(1, mlctx.GetParamOr(tr.ctx, ParamSampleBatchSize, 16))
}

func (tr *Trainer) samplingSteps() int {
	return mlctx.GetParamOr(tr.ctx, ParamSamplingSteps, 100)
}
