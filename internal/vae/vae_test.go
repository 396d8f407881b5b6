package vae

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/rectflow/internal/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func newTestContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(DefaultParams())
	ctx.SetParams(map[string]any{
		ParamChannels:    8,
		ParamDownsamples: 2,
		ParamImageSize:   16,
	})
	return ctx
}

func TestUpsampleNearest(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	out := ExecOnce(backend, func(g *Graph) *Node {
		x := Const(g, [][][][]float32{{{{1}, {2}}, {{3}, {4}}}}) // [1, 2, 2, 1]
		return UpsampleNearest(x)
	})
	require.NoError(t, out.Shape().Check(dtypes.Float32, 1, 4, 4, 1))
	assert.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, tensors.CopyFlatData[float32](out))
}

func TestEncodeDecodeShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext()
	latentChannels, latentSize, err := LatentShape(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, latentChannels)
	assert.Equal(t, 4, latentSize)

	images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3, 16, 16))
	var ae VAE
	outputs := context.ExecOnceN(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		dist := ae.Encode(ctx, flow.Normalize(x))
		return []*Node{dist.Mean, dist.LogVar, ae.Decode(ctx, dist.Mean), LossGraph(ctx, x)}
	}, images)
	require.NoError(t, outputs[0].Shape().Check(dtypes.Float32, 2, 4, 4, 4))
	require.NoError(t, outputs[1].Shape().Check(dtypes.Float32, 2, 4, 4, 4))
	require.NoError(t, outputs[2].Shape().Check(dtypes.Float32, 2, 3, 16, 16))
	assert.True(t, outputs[3].Shape().IsScalar())
	assert.GreaterOrEqual(t, tensors.ToScalar[float32](outputs[3]), float32(0))

	// Variables must be all under the autoencoder scope.
	ctx.EnumerateVariables(func(v *context.Variable) {
		assert.Truef(t, InScope(v.Scope()), "variable %s::%s outside of %s", v.Scope(), v.Name(), Scope)
	})
}

func TestLatentShapeIndivisible(t *testing.T) {
	ctx := newTestContext()
	ctx.SetParams(map[string]any{ParamImageSize: 30, ParamDownsamples: 3})
	_, _, err := LatentShape(ctx)
	require.Error(t, err, "30 is not a multiple of 8")

	ctx.SetParam(ParamImageSize, 32)
	_, size, err := LatentShape(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, size)
}

func TestKLDivergence(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := ExecOnceN(backend, func(mean, logVar *Node) []*Node {
		return []*Node{
			KLDivergenceGraph(flow.LatentDistribution{Mean: mean, LogVar: logVar}),
			KLDivergenceGraph(flow.LatentDistribution{Mean: ZerosLike(mean), LogVar: ZerosLike(logVar)}),
		}
	}, []float32{1, -1}, []float32{0, 0})
	assert.InDelta(t, 0.5, tensors.ToScalar[float32](outputs[0]), 1e-6)
	assert.InDelta(t, 0.0, tensors.ToScalar[float32](outputs[1]), 1e-6)
}

func TestLoad(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := t.TempDir()

	// Create and save a "pretrained" autoencoder.
	pretrained := newTestContext()
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3, 16, 16))
	var ae VAE
	want := context.ExecOnce(backend, pretrained, func(ctx *context.Context, x *Node) *Node {
		return ae.Encode(ctx, x).Mean
	}, images)
	checkpoint, err := checkpoints.Build(pretrained).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())

	// Load it into a fresh context, with a different architecture configuration.
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamChannels: 999})
	require.NoError(t, Load(ctx, dir))
	assert.Equal(t, 8, context.GetParamOr(ctx, ParamChannels, 0))
	var numVars int
	ctx.EnumerateVariables(func(v *context.Variable) {
		numVars++
		assert.False(t, v.Trainable)
	})
	assert.Greater(t, numVars, 0)

	got := context.ExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, x *Node) *Node {
		return ae.Encode(ctx, x).Mean
	}, images)
	assert.InDeltaSlice(t, tensors.CopyFlatData[float32](want), tensors.CopyFlatData[float32](got), 1e-5)

	// Missing checkpoint.
	require.Error(t, Load(context.New(), t.TempDir()))
}
