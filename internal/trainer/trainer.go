// Package trainer implements the training loop of the models: train steps with the optimizer and
// the moving average of the weights, periodic sample logging, checkpointing and FID evaluation.
package trainer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	mlctx "github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/rectflow/internal/fid"
	"github.com/janpfeifer/rectflow/internal/flow"
	"github.com/janpfeifer/rectflow/internal/models"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hyperparameters of the trainer. They are stored in the model context, and hence saved with the checkpoints.
const (
	// ParamNumSteps is the total number of training steps.
	ParamNumSteps = "n_steps"

	// ParamUseEMA enables the exponential moving average of the velocity network weights, used for sampling.
	ParamUseEMA = "use_ema"

	// ParamEMADecay is the maximum decay of the moving average.
	ParamEMADecay = "ema_decay"

	// ParamSaveAndSampleInterval is the number of steps between sample logging and checkpoint saving.
	ParamSaveAndSampleInterval = "save_and_sample_interval"

	// ParamNPerClass is the number of samples logged per class, for conditional models.
	ParamNPerClass = "n_per_class"

	// ParamSampleBatchSize is the batch size used when sampling.
	ParamSampleBatchSize = "sample_batch_size"

	// ParamSamplingSteps is the number of Euler steps used for the logged samples.
	ParamSamplingSteps = "sampling_steps"

	// ParamFIDEvalInterval is the number of steps between FID evaluations. 0 disables it.
	ParamFIDEvalInterval = "fid_eval_interval"

	// ParamNumFIDSamples is the number of generated images used in each FID evaluation.
	ParamNumFIDSamples = "num_fid_samples"

	// ParamFIDCFGScale is the classifier-free guidance scale used to generate the FID images.
	ParamFIDCFGScale = "fid_cfg_scale"

	// ParamFIDStatsDir is where the statistics of the dataset are cached.
	ParamFIDStatsDir = "fid_stats_dir"

	// ParamLogDir is the base directory of the logged samples: each run writes into log_dir/<date>/<time>.
	ParamLogDir = "log_dir"

	// ParamGradAccumulateEvery is the number of batches whose gradients are summed in each optimizer step.
	ParamGradAccumulateEvery = "grad_accumulate_every"

	// ParamMaxGradNorm clips the gradients of each optimizer step to this global L2 norm. 0 disables clipping.
	ParamMaxGradNorm = "max_grad_norm"

	// ParamStep is the number of training steps already executed, saved with the checkpoint.
	ParamStep = "trainer_step"
)

// DefaultParams returns the default values of the trainer hyperparameters, to be given to models.New.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamNumSteps:              100_000,
		ParamUseEMA:                true,
		ParamEMADecay:              0.9999,
		ParamSaveAndSampleInterval: 1000,
		ParamNPerClass:             10,
		ParamSampleBatchSize:       16,
		ParamSamplingSteps:         100,
		ParamFIDEvalInterval:       10_000,
		ParamNumFIDSamples:         50_000,
		ParamFIDCFGScale:           1.0,
		ParamFIDStatsDir:           "./results",
		ParamLogDir:                "./logs",
		ParamGradAccumulateEvery:   1,
		ParamMaxGradNorm:           0.0,
		ParamStep:                  0,
	}
}

// Batcher yields training batches: images Float32 [batch, channels, height, width] in [0, 1] and labels Int32 [batch].
type Batcher interface {
	NextBatch(batchSize int) (images, labels *tensors.Tensor)
}

// Trainer trains a models.Model.
type Trainer struct {
	model *models.Model
	ctx   *mlctx.Context

	optimizer     optimizers.Interface
	trainStepExec *mlctx.Exec

	// accumulateExec only sums the gradients of a batch, used when grad_accumulate_every > 1.
	accumulateExec  *mlctx.Exec
	accumulateEvery int
	maxGradNorm     float64

	// microStep is the number of batches accumulated since the last optimizer step, and microLoss the sum of their losses.
	microStep int
	microLoss float32

	useEMA   bool
	emaDecay float64

	// samplingModel is the flow model used to log samples and evaluate FID: it reads the
	// moving averages of the weights if they are enabled. Nil for autoencoders.
	samplingModel *flow.Model

	fidEvaluator *fid.Evaluator

	step        int
	logDir      string
	rng         *rand.Rand
	averageLoss float32
	lastLoss    float32
	status      *statusLine
}

// New creates a trainer for the model. The model must have been created with the trainer
// DefaultParams as extra defaults.
//
// Samples are logged under a new <log_dir>/<date>/<time> directory.
func New(model *models.Model) (*Trainer, error) {
	ctx := model.Context()
	tr := &Trainer{
		model:     model,
		ctx:       ctx,
		optimizer: optimizers.FromContext(ctx),
		useEMA:    mlctx.GetParamOr(ctx, ParamUseEMA, true) && model.Type != models.ModelVAE,
		emaDecay:  mlctx.GetParamOr(ctx, ParamEMADecay, 0.9999),
		step:      mlctx.GetParamOr(ctx, ParamStep, 0),
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		status:    newStatusLine(),

		accumulateEvery: mlctx.GetParamOr(ctx, ParamGradAccumulateEvery, 1),
		maxGradNorm:     mlctx.GetParamOr(ctx, ParamMaxGradNorm, 0.0),
	}
	if tr.useEMA && (tr.emaDecay < 0 || tr.emaDecay >= 1) {
		return nil, errors.Errorf("invalid %s=%g for %s, it must be in [0, 1)", ParamEMADecay, tr.emaDecay, model)
	}
	if tr.accumulateEvery < 1 {
		return nil, errors.Errorf("invalid %s=%d for %s, it must be >= 1", ParamGradAccumulateEvery, tr.accumulateEvery, model)
	}
	if tr.maxGradNorm < 0 {
		return nil, errors.Errorf("invalid %s=%g for %s, it must be >= 0 (0 disables clipping)", ParamMaxGradNorm, tr.maxGradNorm, model)
	}
	now := time.Now()
	tr.logDir = filepath.Join(mlctx.GetParamOr(ctx, ParamLogDir, "./logs"),
		now.Format("2006-01-02"), now.Format("15-04-05"))
	if model.Model != nil {
		tr.samplingModel = model.Model
		if tr.useEMA {
			tr.samplingModel = model.Model.WithWeights(EMAScope)
		}
	}
	freezeTrainerVariables(ctx)
	tr.trainStepExec = mlctx.NewExec(models.Backend(), ctx.Checked(false), tr.trainStepGraph)
	if tr.accumulateEvery > 1 {
		tr.accumulateExec = mlctx.NewExec(models.Backend(), ctx.Checked(false), tr.accumulateStepGraph)
	}
	return tr, nil
}

// lossGraph builds the training loss: inputs are the images and, for conditional models, the labels.
func (tr *Trainer) lossGraph(ctx *mlctx.Context, inputs []*Node) *Node {
	images := inputs[0]
	var labels *Node
	if len(inputs) > 1 {
		labels = inputs[1]
	}
	ctx.SetTraining(images.Graph(), true)
	loss := tr.model.LossGraph(ctx, images, labels)
	if !loss.IsScalar() {
		loss = ReduceAllMean(loss)
	}
	return loss
}

// accumulateStepGraph only adds the gradients of the batch to the accumulators.
func (tr *Trainer) accumulateStepGraph(ctx *mlctx.Context, inputs []*Node) *Node {
	loss := tr.lossGraph(ctx, inputs)
	accumulateStepGraph(ctx, loss.Graph(), loss, tr.accumulateEvery)
	return loss
}

// trainStepGraph builds one optimizer step, with the last batch of the accumulation.
func (tr *Trainer) trainStepGraph(ctx *mlctx.Context, inputs []*Node) *Node {
	loss := tr.lossGraph(ctx, inputs)
	g := loss.Graph()
	if mlctx.GetParamOr(ctx, cosineschedule.ParamPeriodSteps, 0) > 0 {
		cosineschedule.New(ctx, g, loss.DType()).FromContext().Done()
	}
	optimizerStepGraph(ctx, g, tr.optimizer, loss, tr.accumulateEvery, tr.maxGradNorm)
	if tr.useEMA {
		AddEMAUpdateGraphFn(ctx, g, tr.emaDecay)
	}
	train.ExecPerStepUpdateGraphFn(ctx, g)
	return loss
}

// Model being trained.
func (tr *Trainer) Model() *models.Model { return tr.model }

// Step returns the number of training steps executed so far, including the ones of previous runs.
func (tr *Trainer) Step() int { return tr.step }

// LogDir returns the directory where samples are written.
func (tr *Trainer) LogDir() string { return tr.logDir }

// AverageLoss is the moving average of the training loss.
func (tr *Trainer) AverageLoss() float32 { return tr.averageLoss }

// SamplingModel returns the model used for sampling: the one with the moving averages of the
// weights, if they are enabled. It is nil for autoencoders.
func (tr *Trainer) SamplingModel() *flow.Model { return tr.samplingModel }

// SetFIDEvaluator configures the FID evaluation, run every fid_eval_interval steps.
func (tr *Trainer) SetFIDEvaluator(evaluator *fid.Evaluator) { tr.fidEvaluator = evaluator }

// SetSeed resets the random number generator used for sampling.
func (tr *Trainer) SetSeed(seed uint64) { tr.rng = rand.New(rand.NewPCG(seed, 0)) }

// TrainStep trains on the given batch and returns its loss.
// labels are ignored for models that are not class-conditional.
//
// With grad_accumulate_every=N > 1, the gradients of N consecutive calls are summed (each divided by N),
// and only the N-th call applies the optimizer and increments Step.
func (tr *Trainer) TrainStep(images, labels *tensors.Tensor) (loss float32, err error) {
	inputs := []any{images}
	if tr.model.Model != nil && tr.model.Conditioning().IsConditional() {
		if labels == nil {
			return 0, errors.WithStack(flow.ErrMissingLabels)
		}
		inputs = append(inputs, labels)
	}
	exec := tr.trainStepExec
	applyStep := tr.microStep+1 >= tr.accumulateEvery
	if !applyStep {
		exec = tr.accumulateExec
	}
	err = exceptions.TryCatch[error](func() {
		loss = tensors.ToScalar[float32](exec.Call(inputs...)[0])
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "failed train step %d (batch %d of %d) of %s",
			tr.step, tr.microStep+1, tr.accumulateEvery, tr.model)
	}
	if !applyStep {
		tr.microStep++
		tr.microLoss += loss
		return loss, nil
	}
	stepLoss := (tr.microLoss + loss) / float32(tr.microStep+1)
	tr.microStep, tr.microLoss = 0, 0
	tr.step++
	tr.ctx.SetParam(ParamStep, tr.step)
	tr.averageLoss = movingAverage(tr.averageLoss, stepLoss, averageLossDecay, tr.step)
	tr.lastLoss = stepLoss
	return loss, nil
}

// Train runs training steps with batches from the Batcher until the configured number of
// steps (n_steps) is reached, or ctx is cancelled. The model is saved at the end.
//
// Every save_and_sample_interval steps the model is saved and samples are logged, and every
// fid_eval_interval steps (if an evaluator was set) the FID score is logged. Sampling and
// evaluation are abandoned if ctx is cancelled.
func (tr *Trainer) Train(ctx context.Context, batcher Batcher) error {
	numSteps := mlctx.GetParamOr(tr.ctx, ParamNumSteps, 100_000)
	saveInterval := mlctx.GetParamOr(tr.ctx, ParamSaveAndSampleInterval, 1000)
	fidInterval := mlctx.GetParamOr(tr.ctx, ParamFIDEvalInterval, 0)
	batchSize := tr.model.BatchSize()
	if tr.step >= numSteps {
		klog.Infof("Model %s already trained for %d steps (%s=%d)", tr.model, tr.step, ParamNumSteps, numSteps)
		return nil
	}
	klog.Infof("Training %s from step %d to %d, logging samples to %s", tr.model, tr.step, numSteps, tr.logDir)

	start := time.Now()
	startStep := tr.step
	for tr.step < numSteps {
		// Interruptions are only honored between optimizer steps, so no partial accumulation is saved.
		if tr.microStep == 0 && ctx.Err() != nil {
			break
		}
		images, labels := batcher.NextBatch(batchSize)
		if _, err := tr.TrainStep(images, labels); err != nil {
			return err
		}
		if tr.microStep != 0 {
			continue
		}
		tr.status.Update(tr.step, numSteps, tr.lastLoss, tr.averageLoss, tr.step-startStep, time.Since(start))

		if saveInterval > 0 && tr.step%saveInterval == 0 {
			tr.status.Break()
			if err := tr.model.Save(); err != nil {
				return errors.WithMessagef(err, "failed to save model at step %d", tr.step)
			}
			if tr.samplingModel != nil {
				if err := tr.LogSamples(ctx); err != nil {
					if ctx.Err() != nil {
						break
					}
					return err
				}
			}
		}
		if fidInterval > 0 && tr.step%fidInterval == 0 && tr.fidEvaluator != nil && tr.samplingModel != nil {
			tr.status.Break()
			score, err := tr.EvaluateFID(ctx)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				return err
			}
			klog.Infof("FID score at step %d: %.4f", tr.step, score)
		}
	}
	tr.status.Break()
	if ctx.Err() != nil {
		klog.Infof("Training interrupted at step %d", tr.step)
	}
	if err := tr.model.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save model at step %d", tr.step)
	}
	return nil
}

// EvaluateFID scores num_fid_samples generated images (with the moving average weights, if enabled)
// against the dataset statistics. It stops early with an error if ctx is cancelled.
func (tr *Trainer) EvaluateFID(ctx context.Context) (float64, error) {
	if tr.fidEvaluator == nil {
		return 0, errors.New("no FID evaluator configured")
	}
	if tr.samplingModel == nil {
		return 0, errors.Errorf("model %s doesn't generate images", tr.model)
	}
	cfgScale := mlctx.GetParamOr(tr.ctx, ParamFIDCFGScale, 1.0)
	score, err := tr.fidEvaluator.Score(ctx, tr.samplingModel, cfgScale)
	if err != nil {
		return 0, errors.WithMessagef(err, "FID evaluation at step %d", tr.step)
	}
	return score, nil
}

// String implements fmt.Stringer.
func (tr *Trainer) String() string {
	return fmt.Sprintf("Trainer[%s, step=%d]", tr.model, tr.step)
}

const averageLossDecay = float32(0.95)

func movingAverage(average, newValue, decay float32, count int) float32 {
	decay = min(1-1/float32(count), decay)
	return average*decay + (1-decay)*newValue
}
