package flow

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Hyperparameters read from the context by New.
const (
	// ParamChannels is the number of channels of the space where the flow runs:
	// the image channels for pixel space, the latent channels for latent space.
	ParamChannels = "channels"

	// ParamImageSize is the height and width of the space where the flow runs.
	ParamImageSize = "image_size"

	// ParamLogitNormalT selects t = sigmoid(N(0,1)) instead of t ~ U(0,1) when training.
	ParamLogitNormalT = "logit_normal_t"
)

// NetScope is the scope, relative to the weights context, where the velocity network variables live.
const NetScope = "net"

// Model is a rectified-flow model: it computes the training loss and samples images.
//
// It holds no state other than the compiled executors: weights live in the context and are
// owned (and trained) by the caller.
type Model struct {
	backend backends.Backend
	ctx     *context.Context

	// weightsCtx is the context used when sampling. It is ctx itself, or a
	// context rooted somewhere else (e.g. exponential moving averages of the weights).
	weightsCtx *context.Context

	net    VelocityNet
	codec  Codec
	latent bool

	channels, imageSize int
	logitNormalT        bool

	lossExec, stepExec, guidedStepExec, outputExec *context.Exec
	encodeExec, decodeExec                         *context.Exec
}

// NewPixel creates a Model that runs the flow directly on image pixels.
func NewPixel(backend backends.Backend, ctx *context.Context, net VelocityNet) *Model {
	return New(backend, ctx, net, PixelCodec{})
}

// NewLatent creates a Model that runs the flow in the latent space of the given frozen Autoencoder.
func NewLatent(backend backends.Backend, ctx *context.Context, net VelocityNet, ae Autoencoder) *Model {
	m := New(backend, ctx, net, LatentCodec{Autoencoder: ae})
	m.latent = true
	return m
}

// New creates a Model with the given Codec. The shape of the flow space is read from the
// context hyperparameters ParamChannels and ParamImageSize.
func New(backend backends.Backend, ctx *context.Context, net VelocityNet, codec Codec) *Model {
	m := &Model{
		backend:      backend,
		ctx:          ctx,
		weightsCtx:   ctx,
		net:          net,
		codec:        codec,
		channels:     context.GetParamOr(ctx, ParamChannels, 3),
		imageSize:    context.GetParamOr(ctx, ParamImageSize, 32),
		logitNormalT: context.GetParamOr(ctx, ParamLogitNormalT, false),
	}
	m.createExecutors()
	return m
}

// WithWeights returns a copy of the Model that samples using the weights stored under the given
// absolute scope (e.g. "/ema"), instead of the ones used for training.
//
// The loss is still computed with the training weights.
func (m *Model) WithWeights(scope string) *Model {
	newM := &Model{
		backend:      m.backend,
		ctx:          m.ctx,
		weightsCtx:   m.ctx.InAbsPath(scope),
		net:          m.net,
		codec:        m.codec,
		latent:       m.latent,
		channels:     m.channels,
		imageSize:    m.imageSize,
		logitNormalT: m.logitNormalT,
	}
	newM.createExecutors()
	return newM
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	space := "pixel"
	if m.latent {
		space = "latent"
	}
	return fmt.Sprintf("RectifiedFlow[%s, %dx%dx%d, %s]", space, m.channels, m.imageSize, m.imageSize, m.net.Conditioning())
}

// Context returns the root context holding weights and hyperparameters.
func (m *Model) Context() *context.Context { return m.ctx }

// Net returns the velocity network.
func (m *Model) Net() VelocityNet { return m.net }

// Conditioning of the velocity network.
func (m *Model) Conditioning() Conditioning { return m.net.Conditioning() }

// IsLatent returns whether the flow runs in the latent space of an autoencoder.
func (m *Model) IsLatent() bool { return m.latent }

// Channels of the flow space.
func (m *Model) Channels() int { return m.channels }

// ImageSize of the flow space.
func (m *Model) ImageSize() int { return m.imageSize }

func (m *Model) createExecutors() {
	ctx := m.ctx.Checked(false)
	m.lossExec = context.NewExec(m.backend, ctx,
		func(ctx *context.Context, inputs []*Node) *Node {
			var labels *Node
			if len(inputs) > 1 {
				labels = inputs[1]
			}
			return m.LossGraph(ctx, inputs[0], labels)
		})
	m.encodeExec = context.NewExec(m.backend, ctx,
		func(ctx *context.Context, images *Node) *Node {
			return m.codec.Encode(ctx, Normalize(images))
		})
	m.decodeExec = context.NewExec(m.backend, ctx,
		func(ctx *context.Context, z *Node) *Node {
			return Denormalize(m.codec.Decode(ctx, z))
		})

	// Sampling executors read the weights from weightsCtx.
	ctx = m.weightsCtx.Checked(false)
	m.stepExec = context.NewExec(m.backend, ctx,
		func(ctx *context.Context, z, t, dt *Node) *Node {
			return m.EulerStepGraph(ctx, z, t, dt, nil, nil)
		})
	m.guidedStepExec = context.NewExec(m.backend, ctx,
		func(ctx *context.Context, inputs []*Node) *Node {
			z, t, dt, labels, cfgScale := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
			return m.EulerStepGraph(ctx, z, t, dt, labels, cfgScale)
		})
	m.outputExec = context.NewExec(m.backend, ctx,
		func(ctx *context.Context, z *Node) *Node {
			return Denormalize(ClipScalar(m.codec.Decode(ctx, z), -1, 1))
		})
}

// netCtx returns the context for the velocity network, given the weights context.
func netCtx(ctx *context.Context) *context.Context {
	return ctx.In(NetScope)
}

// LossGraph builds the rectified-flow training loss for a batch of images in [0, 1], shaped
// [batch, channels, height, width], and optional labels (Int32, shaped [batch]).
//
// It returns a scalar. It panics with ErrMissingLabels if the network is conditional and labels is nil.
// Labels are ignored for unconditional networks.
func (m *Model) LossGraph(ctx *context.Context, images, labels *Node) *Node {
	if m.Conditioning().IsConditional() {
		if labels == nil {
			panic(errors.WithStack(ErrMissingLabels))
		}
	} else {
		labels = nil
	}
	g := images.Graph()
	x := m.codec.Encode(ctx, Normalize(images))
	noise := ctx.RandomNormal(g, x.Shape())
	t := m.sampleTimeGraph(ctx, g, x.Shape().Dim(0), x.DType())
	return m.InterpolationLossGraph(ctx, x, noise, t, labels)
}

// sampleTimeGraph draws one t per example, either uniformly or with the logit-normal policy.
func (m *Model) sampleTimeGraph(ctx *context.Context, g *Graph, batchSize int, dtype dtypes.DType) *Node {
	shape := shapes.Make(dtype, batchSize)
	if m.logitNormalT {
		return Sigmoid(ctx.RandomNormal(g, shape))
	}
	return ctx.RandomUniform(g, shape)
}

// InterpolationLossGraph is the deterministic part of the loss: given x (already normalized and
// encoded), noise shaped like x and t shaped [batch], it forms z_t = (1-t)·x + t·noise, queries the
// network and returns the mean-squared-error to the target velocity (noise - x).
func (m *Model) InterpolationLossGraph(ctx *context.Context, x, noise, t, labels *Node) *Node {
	batchSize := x.Shape().Dim(0)
	broadcastDims := make([]int, x.Rank())
	for ii := range broadcastDims {
		broadcastDims[ii] = 1
	}
	broadcastDims[0] = batchSize
	tb := Reshape(ConvertDType(t, x.DType()), broadcastDims...)
	zt := Add(Mul(OneMinus(tb), x), Mul(tb, noise))
	v := m.net.Velocity(netCtx(ctx), zt, t, labels)
	v.AssertDims(x.Shape().Dimensions...)
	target := Sub(noise, x)
	loss := losses.MeanSquaredError([]*Node{target}, []*Node{v})
	if !loss.IsScalar() {
		loss = ReduceAllMean(loss)
	}
	return loss
}

// Loss evaluates the loss for a batch of images (Float32 in [0, 1], shaped [batch, channels, height, width])
// and labels (Int32 shaped [batch], or nil for unconditional models).
//
// It doesn't train the model. Each call draws new noise and t values.
func (m *Model) Loss(images, labels *tensors.Tensor) (loss float32, err error) {
	inputs := []any{images}
	if m.Conditioning().IsConditional() {
		if labels == nil {
			return 0, errors.WithStack(ErrMissingLabels)
		}
		inputs = append(inputs, labels)
	}
	err = exceptions.TryCatch[error](func() {
		loss = tensors.ToScalar[float32](m.lossExec.Call(inputs...)[0])
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to calculate loss of %s", m)
	}
	return loss, nil
}

// Encode maps images in [0, 1] to the flow space: normalized to [-1, 1] and, for latent models,
// encoded and scaled.
func (m *Model) Encode(images *tensors.Tensor) (z *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		z = m.encodeExec.Call(images)[0]
	})
	return
}

// Decode maps values from the flow space back to images. It doesn't clip the values, so
// Decode(Encode(x)) approximates x.
func (m *Model) Decode(z *tensors.Tensor) (images *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		images = m.decodeExec.Call(z)[0]
	})
	return
}
