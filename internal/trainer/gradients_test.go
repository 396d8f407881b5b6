package trainer

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	mlctx "github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const linearLearningRate = 0.1

var (
	linearX       = [][]float32{{1, 2, 3}, {0, 1, 0}, {2, 0, 1}, {1, 1, 1}}
	linearY       = [][]float32{{1}, {0}, {2}, {3}}
	linearWeights = []float32{0.5, -1, 2}
)

// newLinearContext holds the weights of a linear regression, trained with SGD.
func newLinearContext() *mlctx.Context {
	ctx := mlctx.New()
	ctx.SetParam(optimizers.ParamLearningRate, linearLearningRate)
	w := make([][]float32, len(linearWeights))
	for ii, v := range linearWeights {
		w[ii] = []float32{v}
	}
	ctx.In("linear").VariableWithValue("w", w)
	return ctx
}

func linearLoss(ctx *mlctx.Context, x, y *Node) *Node {
	w := ctx.InspectVariable("/linear", "w").ValueGraph(x.Graph())
	return ReduceAllMean(Square(Sub(Dot(x, w), y)))
}

// linearGradient is the gradient of linearLoss for the weights, computed on the host.
func linearGradient(x, y [][]float32, w []float32) []float64 {
	grad := make([]float64, len(w))
	for ii, row := range x {
		var residual float64
		for jj, v := range row {
			residual += float64(v) * float64(w[jj])
		}
		residual -= float64(y[ii][0])
		for jj, v := range row {
			grad[jj] += 2 * residual * float64(v) / float64(len(x))
		}
	}
	return grad
}

func linearWeightsOf(ctx *mlctx.Context) []float32 {
	return tensors.CopyFlatData[float32](ctx.InspectVariable("/linear", "w").Value())
}

// newLinearExecs returns the executors that accumulate the gradients of a batch, and that apply the optimizer.
func newLinearExecs(ctx *mlctx.Context, accumulateEvery int, maxNorm float64) (accumulate, apply *mlctx.Exec) {
	backend := graphtest.BuildTestBackend()
	optimizer := optimizers.StochasticGradientDescent()
	accumulate = mlctx.NewExec(backend, ctx.Checked(false), func(ctx *mlctx.Context, x, y *Node) *Node {
		loss := linearLoss(ctx, x, y)
		accumulateStepGraph(ctx, x.Graph(), loss, accumulateEvery)
		return loss
	})
	apply = mlctx.NewExec(backend, ctx.Checked(false), func(ctx *mlctx.Context, x, y *Node) *Node {
		loss := linearLoss(ctx, x, y)
		optimizerStepGraph(ctx, x.Graph(), optimizer, loss, accumulateEvery, maxNorm)
		return loss
	})
	return
}

func TestGradientAccumulation(t *testing.T) {
	// One optimizer step with the whole batch.
	fullCtx := newLinearContext()
	_, applyFull := newLinearExecs(fullCtx, 1, 0)
	applyFull.Call(linearX, linearY)
	full := linearWeightsOf(fullCtx)

	grad := linearGradient(linearX, linearY, linearWeights)
	for ii := range full {
		// SGD divides the learning rate by sqrt(global_step), which is 1 on the first step.
		assert.InDelta(t, float64(linearWeights[ii])-linearLearningRate*grad[ii], float64(full[ii]), 1e-5)
	}

	// Same step accumulated over 2 halves of the batch.
	ctx := newLinearContext()
	accumulate, apply := newLinearExecs(ctx, 2, 0)
	accumulate.Call(linearX[:2], linearY[:2])
	assert.Equal(t, linearWeights, linearWeightsOf(ctx), "weights only change at the last batch")
	accVar := ctx.InspectVariable(GradAccumScope+"/linear", "w")
	require.NotNil(t, accVar)
	assert.False(t, accVar.Trainable)
	apply.Call(linearX[2:], linearY[2:])
	assert.InDeltaSlice(t, full, linearWeightsOf(ctx), 1e-5)
	for _, v := range tensors.CopyFlatData[float32](accVar.Value()) {
		assert.Zero(t, v, "accumulators are reset after the optimizer step")
	}
}

func TestGradientClipping(t *testing.T) {
	grad := linearGradient(linearX, linearY, linearWeights)
	var gradNorm float64
	for _, v := range grad {
		gradNorm += v * v
	}
	gradNorm = math.Sqrt(gradNorm)
	const maxNorm = 0.1
	require.Greater(t, gradNorm, maxNorm)

	ctx := newLinearContext()
	_, apply := newLinearExecs(ctx, 1, maxNorm)
	apply.Call(linearX, linearY)
	got := linearWeightsOf(ctx)
	var updateNorm float64
	for ii := range got {
		update := float64(linearWeights[ii]) - float64(got[ii])
		// Same direction as the gradient, scaled to maxNorm.
		assert.InDelta(t, linearLearningRate*grad[ii]*maxNorm/gradNorm, update, 1e-5)
		updateNorm += update * update
	}
	assert.InDelta(t, linearLearningRate*maxNorm, math.Sqrt(updateNorm), 1e-5)

	// A large enough norm leaves the gradients untouched.
	ctx = newLinearContext()
	_, apply = newLinearExecs(ctx, 1, 100*gradNorm)
	apply.Call(linearX, linearY)
	for ii, v := range linearWeightsOf(ctx) {
		assert.InDelta(t, float64(linearWeights[ii])-linearLearningRate*grad[ii], float64(v), 1e-5)
	}
}

func TestClipByGlobalNormGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	clip := func(maxNorm float64) []float32 {
		out := ExecOnce(backend, func(a, b *Node) *Node {
			return Concatenate(clipByGlobalNormGraph([]*Node{a, b}, maxNorm), 0)
		}, []float32{3}, []float32{4})
		return tensors.CopyFlatData[float32](out)
	}
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, clip(1), 1e-5)
	assert.InDeltaSlice(t, []float32{3, 4}, clip(10), 1e-5)
	assert.Equal(t, []float32{3, 4}, clip(0), "disabled")
}
