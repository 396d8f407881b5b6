package trainer

import (
	"context"
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	mlctx "github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/rectflow/internal/fid"
	"github.com/janpfeifer/rectflow/internal/flow"
	"github.com/janpfeifer/rectflow/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tinyNet = "image_size=8,velocity_channels=8,velocity_num_blocks=1,velocity_time_embed_dim=8,batch_size=4"

// randomBatcher serves random images with random labels.
type randomBatcher struct {
	rng        *rand.Rand
	numClasses int
}

func (b *randomBatcher) NextBatch(batchSize int) (images, labels *tensors.Tensor) {
	images = tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, 3, 8, 8))
	tensors.MutableFlatData(images, func(flat []float32) {
		for ii := range flat {
			flat[ii] = b.rng.Float32()
		}
	})
	labelsData := make([]int32, batchSize)
	for ii := range labelsData {
		labelsData[ii] = int32(b.rng.IntN(max(1, b.numClasses)))
	}
	return images, tensors.FromValue(labelsData)
}

func (b *randomBatcher) String() string { return "random" }

func (b *randomBatcher) ImageSize() int { return 8 }

func (b *randomBatcher) Channels() int { return 3 }

func (b *randomBatcher) Batches(batchSize int) iter.Seq2[*tensors.Tensor, *tensors.Tensor] {
	return func(yield func(*tensors.Tensor, *tensors.Tensor) bool) {
		for range 2 {
			if !yield(b.NextBatch(batchSize)) {
				return
			}
		}
	}
}

func newModel(t *testing.T, dir, config string) *models.Model {
	m, err := models.New(fmt.Sprintf("pixel=%s,%s,%s", dir, tinyNet, config), DefaultParams())
	require.NoError(t, err)
	return m
}

func TestEMADecay(t *testing.T) {
	assert.InDelta(t, 2.0/11.0, EMADecay(0.9999, 1), 1e-12)
	assert.InDelta(t, 0.5, EMADecay(0.5, 100), 1e-12)
	assert.Less(t, EMADecay(0.9999, 1000), 0.9999)
}

func TestMovingAverage(t *testing.T) {
	assert.Equal(t, float32(3), movingAverage(0, 3, averageLossDecay, 1))
	assert.InDelta(t, 2.0, movingAverage(1, 3, averageLossDecay, 2), 1e-6)
	assert.InDelta(t, 1.1, movingAverage(1, 3, averageLossDecay, 100), 1e-6)
}

func TestEMAUpdateGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := mlctx.New()
	ctx.In(flow.NetScope).VariableWithValue("w", []float32{1, 2})
	ctx.In("other").VariableWithValue("x", []float32{0})
	const decay = 0.5
	exec := mlctx.NewExec(backend, ctx.Checked(false), func(ctx *mlctx.Context, delta *Node) *Node {
		g := delta.Graph()
		wVar := ctx.InspectVariable("/"+flow.NetScope, "w")
		w := Add(wVar.ValueGraph(g), delta)
		wVar.SetValueGraph(w)
		EMAUpdateGraph(ctx, g, decay)
		return w
	})

	w := []float64{1, 2}
	var shadow []float64
	for n := 1; n <= 5; n++ {
		exec.Call([]float32{1, 1})
		for ii := range w {
			w[ii]++
		}
		if n == 1 {
			shadow = append([]float64{}, w...)
			continue
		}
		d := EMADecay(decay, n)
		for ii := range shadow {
			shadow[ii] -= (1 - d) * (shadow[ii] - w[ii])
		}
	}

	shadowVar := ctx.InspectVariable(EMAScope+"/"+flow.NetScope, "w")
	require.NotNil(t, shadowVar)
	assert.False(t, shadowVar.Trainable)
	got := tensors.CopyFlatData[float32](shadowVar.Value())
	for ii := range shadow {
		assert.InDelta(t, shadow[ii], float64(got[ii]), 1e-5)
	}
	counter := ctx.InspectVariable(EMAScope, emaCounterName)
	require.NotNil(t, counter)
	assert.Equal(t, float32(5), tensors.ToScalar[float32](counter.Value()))
	assert.Nil(t, ctx.InspectVariable(EMAScope+"/other", "x"), "only velocity network weights are averaged")
}

func TestIsNetScope(t *testing.T) {
	assert.True(t, isNetScope("/net"))
	assert.True(t, isNetScope("/net/block_0"))
	assert.False(t, isNetScope("/network"))
	assert.False(t, isNetScope("/ema/net"))
	assert.False(t, isNetScope("/vae/encoder"))
}

func TestTrainUnconditional(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "model")
	logDir := t.TempDir()
	m := newModel(t, dir, fmt.Sprintf(
		"n_steps=2,save_and_sample_interval=2,sampling_steps=2,sample_batch_size=50,log_dir=%s", logDir))
	tr, err := New(m)
	require.NoError(t, err)
	require.NotNil(t, tr.SamplingModel())
	tr.SetSeed(42)
	require.NoError(t, tr.Train(context.Background(), &randomBatcher{rng: rand.New(rand.NewPCG(1, 2))}))
	assert.Equal(t, 2, tr.Step())
	assert.False(t, math.IsNaN(float64(tr.AverageLoss())))

	for _, ext := range []string{".png", ".gif"} {
		_, err = os.Stat(filepath.Join(tr.LogDir(), "samples_2"+ext))
		require.NoError(t, err)
	}
	assert.True(t, HasEMA(m.Context()))

	// Resuming reads the step from the checkpoint, and there is nothing left to train.
	m2 := newModel(t, dir, "")
	assert.Equal(t, 2, mlctx.GetParamOr(m2.Context(), ParamStep, 0))
	tr2, err := New(m2)
	require.NoError(t, err)
	assert.Equal(t, 2, tr2.Step())
	require.NoError(t, tr2.Train(context.Background(), &randomBatcher{rng: rand.New(rand.NewPCG(1, 2))}))
	assert.Equal(t, 2, tr2.Step())
}

func TestTrainConditional(t *testing.T) {
	logDir := t.TempDir()
	m := newModel(t, "", fmt.Sprintf(
		"num_classes=2,n_steps=1,save_and_sample_interval=1,sampling_steps=2,n_per_class=2,sample_batch_size=3,"+
			"use_ema=false,fid_eval_interval=0,log_dir=%s", logDir))
	tr, err := New(m)
	require.NoError(t, err)

	_, err = tr.TrainStep(tensors.FromShape(shapes.Make(dtypes.Float32, 4, 3, 8, 8)), nil)
	require.True(t, errors.Is(err, flow.ErrMissingLabels))
	assert.Equal(t, 0, tr.Step())

	require.NoError(t, tr.Train(context.Background(), &randomBatcher{rng: rand.New(rand.NewPCG(3, 4)), numClasses: 2}))
	assert.Equal(t, 1, tr.Step())
	for _, name := range []string{"samples_1_cfg1", "samples_1_cfg1.25", "samples_1_cfg1.5"} {
		for _, ext := range []string{".png", ".gif"} {
			_, err = os.Stat(filepath.Join(tr.LogDir(), name+ext))
			require.NoError(t, err, "missing %s%s", name, ext)
		}
	}
	assert.False(t, HasEMA(m.Context()), "moving averages disabled")
}

func TestInvalidParams(t *testing.T) {
	for _, config := range []string{"ema_decay=1.5", "grad_accumulate_every=0", "max_grad_norm=-1"} {
		m := newModel(t, "", config)
		_, err := New(m)
		require.Error(t, err, config)
	}
}

// countingBatcher counts the batches served.
type countingBatcher struct {
	randomBatcher
	count int
}

func (b *countingBatcher) NextBatch(batchSize int) (images, labels *tensors.Tensor) {
	b.count++
	return b.randomBatcher.NextBatch(batchSize)
}

func TestTrainGradientAccumulation(t *testing.T) {
	m := newModel(t, "", fmt.Sprintf(
		"n_steps=2,grad_accumulate_every=3,max_grad_norm=1,save_and_sample_interval=0,fid_eval_interval=0,log_dir=%s",
		t.TempDir()))
	tr, err := New(m)
	require.NoError(t, err)
	batcher := &countingBatcher{randomBatcher: randomBatcher{rng: rand.New(rand.NewPCG(7, 8))}}

	// Only the last batch of each accumulation counts as a step.
	for range 2 {
		images, labels := batcher.NextBatch(m.BatchSize())
		_, err = tr.TrainStep(images, labels)
		require.NoError(t, err)
		assert.Equal(t, 0, tr.Step())
	}
	images, labels := batcher.NextBatch(m.BatchSize())
	_, err = tr.TrainStep(images, labels)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Step())
	assert.False(t, math.IsNaN(float64(tr.AverageLoss())))

	require.NoError(t, tr.Train(context.Background(), batcher))
	assert.Equal(t, 2, tr.Step())
	assert.Equal(t, 6, batcher.count, "3 batches per step")

	var numAccumulators int
	m.Context().EnumerateVariables(func(v *mlctx.Variable) {
		if !strings.HasPrefix(v.Scope(), GradAccumScope+"/") {
			return
		}
		numAccumulators++
		assert.False(t, v.Trainable)
		for _, value := range tensors.CopyFlatData[float32](v.Value()) {
			require.Zero(t, value, "accumulator %s::%s not reset", v.Scope(), v.Name())
		}
	})
	assert.Positive(t, numAccumulators)
}

func TestTrainInterrupted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "model")
	m := newModel(t, dir, fmt.Sprintf("n_steps=10,save_and_sample_interval=1,sampling_steps=2,log_dir=%s", t.TempDir()))
	tr, err := New(m)
	require.NoError(t, err)

	// Sampling stops as soon as the context is cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = tr.LogSamples(ctx)
	require.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(filepath.Join(tr.LogDir(), "samples_0.png"))
	assert.True(t, os.IsNotExist(statErr))

	// Training stops before the first step, but the model is still saved.
	require.NoError(t, tr.Train(ctx, &randomBatcher{rng: rand.New(rand.NewPCG(9, 10))}))
	assert.Equal(t, 0, tr.Step())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "checkpoint saved on interruption")
}

func TestEvaluateFID(t *testing.T) {
	m := newModel(t, "", fmt.Sprintf("n_steps=1,save_and_sample_interval=0,log_dir=%s", t.TempDir()))
	tr, err := New(m)
	require.NoError(t, err)
	_, err = tr.EvaluateFID(context.Background())
	require.Error(t, err, "no evaluator configured")

	batcher := &randomBatcher{rng: rand.New(rand.NewPCG(5, 6))}
	require.NoError(t, tr.Train(context.Background(), batcher))
	evaluator, err := fid.NewEvaluator(context.Background(), batcher, fid.PooledPixels{Grid: 2}, t.TempDir(), 16, 8)
	require.NoError(t, err)
	tr.SetFIDEvaluator(evaluator)
	score, err := tr.EvaluateFID(context.Background())
	require.NoError(t, err)
	assert.False(t, math.IsNaN(score))
	assert.GreaterOrEqual(t, score, -1e-6)
}
