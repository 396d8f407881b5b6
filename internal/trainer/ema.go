package trainer

import (
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/rectflow/internal/flow"
)

// EMAScope is the absolute scope where the exponential moving averages of the velocity network
// weights are stored. It mirrors the scope of the weights, so a flow.Model can sample with
// them using flow.Model.WithWeights(EMAScope).
const EMAScope = "/ema"

// emaCounterName is the name of the variable counting the number of EMA updates.
const emaCounterName = "num_updates"

// EMADecay returns the decay used in the update number n (starting from 1): it warms up as
// (1+n)/(10+n), until it reaches the configured decay.
func EMADecay(decay float64, n int) float64 {
	return min(decay, float64(1+n)/float64(10+n))
}

// AddEMAUpdateGraphFn registers the update of the moving averages of the velocity network weights, to be
// executed at the end of each training step (see train.ExecPerStepUpdateGraphFn).
func AddEMAUpdateGraphFn(ctx *context.Context, g *Graph, decay float64) {
	train.AddPerStepUpdateGraphFn(ctx.In("ema"), g, func(ctx *context.Context, g *Graph) {
		EMAUpdateGraph(ctx, g, decay)
	})
}

// EMAUpdateGraph updates the moving average of every trainable variable of the velocity network:
//
//	shadow ← shadow - (1-d)·(shadow - weight), with d = EMADecay(decay, n)
//
// The first update copies the weights.
func EMAUpdateGraph(ctx *context.Context, g *Graph, decay float64) {
	emaCtx := ctx.InAbsPath(EMAScope).Checked(false)
	counterVar := emaCtx.WithInitializer(initializers.Zero).
		VariableWithShape(emaCounterName, shapes.Make(dtypes.Float32))
	counterVar.Trainable = false
	count := counterVar.ValueGraph(g)
	n := OnePlus(count)
	effectiveDecay := Min(
		Scalar(g, dtypes.Float32, decay),
		Div(OnePlus(n), AddScalar(n, 10)))
	effectiveDecay = Where(Equal(count, ScalarZero(g, dtypes.Float32)), ScalarZero(g, dtypes.Float32), effectiveDecay)
	counterVar.SetValueGraph(n)

	// Collect first: variables can't be created while enumerating them.
	var weights []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && isNetScope(v.Scope()) {
			weights = append(weights, v)
		}
	})
	for _, v := range weights {
		shadowVar := emaCtx.InAbsPath(EMAScope+v.Scope()).WithInitializer(initializers.Zero).
			VariableWithShape(v.Name(), v.Shape())
		shadowVar.Trainable = false
		shadow := shadowVar.ValueGraph(g)
		weight := v.ValueGraph(g)
		decayT := ConvertDType(effectiveDecay, shadow.DType())
		shadow = Sub(shadow, Mul(OneMinus(decayT), Sub(shadow, weight)))
		shadowVar.SetValueGraph(shadow)
	}
}

// isNetScope returns whether the scope holds velocity network weights (and not their moving averages).
func isNetScope(scope string) bool {
	netScope := context.ScopeSeparator + flow.NetScope
	return scope == netScope || strings.HasPrefix(scope, netScope+context.ScopeSeparator)
}

// freezeTrainerVariables marks the moving averages and the gradient accumulators loaded from a
// checkpoint as non-trainable.
func freezeTrainerVariables(ctx *context.Context) {
	ctx.EnumerateVariables(func(v *context.Variable) {
		for _, scope := range []string{EMAScope, GradAccumScope} {
			if v.Scope() == scope || strings.HasPrefix(v.Scope(), scope+context.ScopeSeparator) {
				v.Trainable = false
			}
		}
	})
}

// HasEMA returns whether the context holds moving averages of the velocity network weights.
func HasEMA(ctx *context.Context) bool {
	return ctx.InspectVariable(EMAScope, emaCounterName) != nil
}
