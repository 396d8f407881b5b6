// Package velocity implements the convolutional network that predicts the rectified-flow velocity field.
//
// It's a small residual convolutional network conditioned on the time t and, optionally, on a
// class label. All configuration comes from the context hyperparameters, see DefaultParams.
package velocity

import (
	"fmt"
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/rectflow/internal/flow"
)

const (
	// ParamChannels is the number of channels (features) of the hidden convolutions.
	ParamChannels = "velocity_channels"

	// ParamNumBlocks is the number of residual blocks.
	ParamNumBlocks = "velocity_num_blocks"

	// ParamTimeEmbedDim is the dimension of the sinusoidal embedding of t. It must be even.
	ParamTimeEmbedDim = "velocity_time_embed_dim"

	// ParamTimeScale multiplies t before the sinusoidal embedding.
	ParamTimeScale = "velocity_time_scale"

	// ParamClassDropout is the probability of replacing a label by the "null" class during training,
	// which is what makes classifier-free guidance possible.
	ParamClassDropout = "velocity_class_dropout"
)

// DefaultParams returns the default hyperparameters of the velocity network.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamChannels:     64,
		ParamNumBlocks:    4,
		ParamTimeEmbedDim: 64,
		ParamTimeScale:    1000.0,
		ParamClassDropout: 0.1,
	}
}

// Net implements flow.VelocityNet.
type Net struct {
	cond flow.Conditioning
}

// Compile-time assert that Net implements flow.VelocityNet.
var _ flow.VelocityNet = (*Net)(nil)

// New creates a velocity network with the given conditioning.
func New(cond flow.Conditioning) *Net {
	return &Net{cond: cond}
}

// Conditioning implements flow.VelocityNet.
func (n *Net) Conditioning() flow.Conditioning { return n.cond }

// String implements fmt.Stringer.
func (n *Net) String() string { return fmt.Sprintf("VelocityNet(%s)", n.cond) }

// Velocity implements flow.VelocityNet.
//
// For conditional networks a nil labels is the same as passing the "null" class for every example.
func (n *Net) Velocity(ctx *context.Context, zt, t, labels *Node) *Node {
	if n.cond.IsConditional() && labels == nil {
		labels = n.nullLabels(zt.Graph(), zt.Shape().Dim(0))
	}
	return n.forward(ctx, zt, t, labels, ctx.IsTraining(zt.Graph()))
}

// GuidedVelocity implements flow.VelocityNet.
//
// It evaluates the conditional and the "null" class branches in one batch and returns
// v_u + cfgScale·(v_c - v_u). Unconditional networks ignore the guidance.
func (n *Net) GuidedVelocity(ctx *context.Context, zt, t, labels, cfgScale *Node) *Node {
	if !n.cond.IsConditional() {
		return n.Velocity(ctx, zt, t, nil)
	}
	g := zt.Graph()
	batchSize := zt.Shape().Dim(0)
	labels = ConvertDType(labels, dtypes.Int32)
	zz := Concatenate([]*Node{zt, zt}, 0)
	tt := Concatenate([]*Node{t, t}, 0)
	yy := Concatenate([]*Node{labels, n.nullLabels(g, batchSize)}, 0)
	v := n.forward(ctx, zz, tt, yy, false)
	vCond := Slice(v, AxisRange(0, batchSize))
	vUncond := Slice(v, AxisRange(batchSize, 2*batchSize))
	return Add(vUncond, Mul(Sub(vCond, vUncond), ConvertDType(cfgScale, v.DType())))
}

// nullLabels returns the "null" class (index NumClasses) for every example.
func (n *Net) nullLabels(g *Graph, batchSize int) *Node {
	return BroadcastToDims(Scalar(g, dtypes.Int32, n.cond.NumClasses), batchSize)
}

// forward runs the network on images shaped [batch, channels, height, width].
func (n *Net) forward(ctx *context.Context, zt, t, labels *Node, dropLabels bool) *Node {
	batchSize := zt.Shape().Dim(0)
	outputChannels := zt.Shape().Dim(1)
	numChannels := context.GetParamOr(ctx, ParamChannels, 64)
	numBlocks := context.GetParamOr(ctx, ParamNumBlocks, 4)

	cond := n.conditioningEmbedding(ctx, t, labels, dropLabels)
	cond.AssertDims(batchSize, numChannels)

	// Convolutions work on channels-last.
	x := TransposeAllDims(zt, 0, 2, 3, 1)
	x = layers.Convolution(ctx.In("conv_in"), x).Filters(numChannels).KernelSize(3).PadSame().Done()
	for blockIdx := range numBlocks {
		x = residualBlock(ctx.In(fmt.Sprintf("block_%d", blockIdx)), x, cond)
	}
	x = layers.LayerNormalization(ctx.In("norm_out"), x, -1).Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(ctx.In("conv_out"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	return TransposeAllDims(x, 0, 3, 1, 2)
}

// residualBlock: norm → activation → conv, add conditioning, norm → activation → conv, plus the residual.
func residualBlock(ctx *context.Context, x, cond *Node) *Node {
	batchSize := x.Shape().Dim(0)
	numChannels := x.Shape().Dim(-1)
	residual := x
	x = layers.LayerNormalization(ctx.In("norm_0"), x, -1).Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(ctx.In("conv_0"), x).Filters(numChannels).KernelSize(3).PadSame().Done()

	shift := layers.Dense(ctx.In("cond_proj"), cond, true, numChannels)
	x = Add(x, Reshape(shift, batchSize, 1, 1, numChannels))

	x = layers.LayerNormalization(ctx.In("norm_1"), x, -1).Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(ctx.In("conv_1"), x).Filters(numChannels).KernelSize(3).PadSame().Done()
	return Add(residual, x)
}

// conditioningEmbedding combines the time embedding with the class embedding, if conditional.
// It returns a tensor shaped [batch, velocity_channels].
func (n *Net) conditioningEmbedding(ctx *context.Context, t, labels *Node, dropLabels bool) *Node {
	g := t.Graph()
	numChannels := context.GetParamOr(ctx, ParamChannels, 64)
	embedDim := context.GetParamOr(ctx, ParamTimeEmbedDim, 64)
	timeScale := context.GetParamOr(ctx, ParamTimeScale, 1000.0)

	emb := SinusoidalEmbedding(MulScalar(t, timeScale), embedDim)
	emb = layers.Dense(ctx.In("time_mlp_0"), emb, true, numChannels)
	emb = activations.ApplyFromContext(ctx, emb)
	emb = layers.Dense(ctx.In("time_mlp_1"), emb, true, numChannels)

	if n.cond.IsConditional() {
		batchSize := t.Shape().Dim(0)
		labels = ConvertDType(labels, dtypes.Int32)
		dropoutRate := context.GetParamOr(ctx, ParamClassDropout, 0.1)
		if dropLabels && dropoutRate > 0 {
			drop := LessThan(ctx.RandomUniform(g, shapes.Make(dtypes.Float32, batchSize)),
				Scalar(g, dtypes.Float32, dropoutRate))
			labels = Where(drop, n.nullLabels(g, batchSize), labels)
		}
		// One extra embedding for the "null" class.
		table := ctx.In("class_embedding").
			VariableWithShape("embeddings", shapes.Make(emb.DType(), n.cond.NumClasses+1, numChannels)).
			ValueGraph(g)
		emb = Add(emb, Gather(table, ExpandAxes(labels, -1)))
	}
	return activations.ApplyFromContext(ctx, emb)
}

// SinusoidalEmbedding of x (shaped [batch]) into [batch, embedDim] with geometrically spaced frequencies
// from 1 to 1/10000. embedDim must be even.
func SinusoidalEmbedding(x *Node, embedDim int) *Node {
	g := x.Graph()
	half := embedDim / 2
	freqs := make([]float32, half)
	for ii := range freqs {
		freqs[ii] = float32(math.Exp(-math.Log(10000) * float64(ii) / float64(half)))
	}
	args := Mul(ExpandAxes(ConvertDType(x, dtypes.Float32), -1), ExpandAxes(Const(g, freqs), 0))
	return Concatenate([]*Node{Cos(args), Sin(args)}, -1)
}
