package trainer

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

// GradAccumScope is the absolute scope where the gradients of the micro-batches are summed, between
// optimizer steps. It mirrors the scope of the trainable variables.
const GradAccumScope = "/grad_accum"

// gradNormEpsilon is added to the global norm of the gradients before dividing by it.
const gradNormEpsilon = 1e-6

// trainableVariables used by g, in the same order as the gradients returned by
// context.Context.BuildTrainableVariablesGradientsGraph.
func trainableVariables(ctx *context.Context, g *Graph) []*context.Variable {
	var vars []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && v.InUseByGraph(g) {
			vars = append(vars, v)
		}
	})
	return vars
}

// accumulatorVariable returns the (non-trainable) variable where the gradients of v are summed.
func accumulatorVariable(ctx *context.Context, v *context.Variable) *context.Variable {
	return ctx.InAbsPath(GradAccumScope+v.Scope()).Checked(false).
		WithInitializer(initializers.Zero).
		VariableWithShape(v.Name(), v.Shape()).
		SetTrainable(false)
}

// accumulateGradientsGraph computes the gradients of loss/accumulateEvery with respect to the trainable variables,
// and adds them to the sum of the previous micro-batches (if accumulateEvery > 1).
//
// It returns the variables, their accumulators (nil if accumulateEvery <= 1) and the summed gradients.
// The accumulators are not updated.
func accumulateGradientsGraph(ctx *context.Context, g *Graph, loss *Node, accumulateEvery int) (
	vars, accumulators []*context.Variable, grads []*Node) {
	vars = trainableVariables(ctx, g)
	grads = ctx.BuildTrainableVariablesGradientsGraph(loss)
	for ii, v := range vars {
		if accumulateEvery <= 1 {
			continue
		}
		accVar := accumulatorVariable(ctx, v)
		accumulators = append(accumulators, accVar)
		grads[ii] = Add(accVar.ValueGraph(g), DivScalar(grads[ii], float64(accumulateEvery)))
	}
	return
}

// clipByGlobalNormGraph scales the gradients by min(1, maxNorm/‖grads‖), where ‖grads‖ is the L2 norm of all
// gradients concatenated. It's a no-op if maxNorm <= 0.
func clipByGlobalNormGraph(grads []*Node, maxNorm float64) []*Node {
	if maxNorm <= 0 || len(grads) == 0 {
		return grads
	}
	g := grads[0].Graph()
	normSquare := ScalarZero(g, dtypes.Float32)
	for _, grad := range grads {
		normSquare = Add(normSquare, ConvertDType(ReduceAllSum(Square(grad)), dtypes.Float32))
	}
	scale := Div(Scalar(g, dtypes.Float32, maxNorm), AddScalar(Sqrt(normSquare), gradNormEpsilon))
	scale = MinScalar(scale, 1.0)
	clipped := make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(grad, ConvertDType(scale, grad.DType()))
	}
	return clipped
}

// gradientsLoss returns a scalar whose gradients with respect to vars are grads. Optimizers only take a
// loss, so this is how precomputed gradients are given to them.
func gradientsLoss(g *Graph, vars []*context.Variable, grads []*Node, dtype dtypes.DType) *Node {
	loss := ScalarZero(g, dtype)
	for ii, v := range vars {
		term := ReduceAllSum(Mul(StopGradient(grads[ii]), v.ValueGraph(g)))
		loss = Add(loss, ConvertDType(term, dtype))
	}
	return loss
}

// accumulateStepGraph adds the gradients of loss (divided by accumulateEvery) to the accumulators,
// without changing the trainable variables.
func accumulateStepGraph(ctx *context.Context, g *Graph, loss *Node, accumulateEvery int) {
	_, accumulators, grads := accumulateGradientsGraph(ctx, g, loss, accumulateEvery)
	for ii, accVar := range accumulators {
		accVar.SetValueGraph(grads[ii])
	}
}

// optimizerStepGraph applies the optimizer to the gradients of loss: summed with the accumulated
// gradients of the previous micro-batches if accumulateEvery > 1, and clipped to a global norm of
// maxNorm if maxNorm > 0. The accumulators are reset to zero.
func optimizerStepGraph(ctx *context.Context, g *Graph, optimizer optimizers.Interface, loss *Node,
	accumulateEvery int, maxNorm float64) {
	if accumulateEvery <= 1 && maxNorm <= 0 {
		optimizer.UpdateGraph(ctx, g, loss)
		return
	}
	vars, accumulators, grads := accumulateGradientsGraph(ctx, g, loss, accumulateEvery)
	for _, accVar := range accumulators {
		accVar.SetValueGraph(ZerosLike(accVar.ValueGraph(g)))
	}
	grads = clipByGlobalNormGraph(grads, maxNorm)
	optimizer.UpdateGraph(ctx, g, gradientsLoss(g, vars, grads, loss.DType()))
}
