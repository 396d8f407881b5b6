// Package vae implements a small KL-regularized convolutional autoencoder, used by the latent
// rectified-flow model to move between pixels and latents.
//
// Its variables always live under the absolute scope Scope, so it can share the context with
// the flow model: the autoencoder is trained separately (see cmd/vaetrainer), loaded with Load
// and frozen.
package vae

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/janpfeifer/rectflow/internal/flow"
	"github.com/pkg/errors"
)

// Scope where the autoencoder variables are stored.
const Scope = "/vae"

// Hyperparameters of the autoencoder. They are saved with its checkpoint, and Load copies them
// to the model context.
const (
	// ParamChannels is the number of channels of the hidden convolutions.
	ParamChannels = "vae_channels"

	// ParamDownsamples is the number of times the image is halved: latents are 2^vae_downsamples smaller.
	ParamDownsamples = "vae_downsamples"

	// ParamLatentChannels is the number of channels of the latent space.
	ParamLatentChannels = "vae_latent_channels"

	// ParamImageChannels is the number of channels of the images.
	ParamImageChannels = "vae_image_channels"

	// ParamImageSize is the size of the images the autoencoder is trained on.
	ParamImageSize = "vae_image_size"

	// ParamKLWeight is the weight of the KL divergence term of the loss.
	ParamKLWeight = "vae_kl_weight"
)

// DefaultParams returns the default hyperparameters of the autoencoder.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamChannels:       64,
		ParamDownsamples:    3,
		ParamLatentChannels: 4,
		ParamImageChannels:  3,
		ParamImageSize:      32,
		ParamKLWeight:       1e-6,
	}
}

// VAE implements flow.Autoencoder. It is stateless: all weights and hyperparameters come from the context.
type VAE struct{}

// Compile-time assert that VAE implements flow.Autoencoder.
var _ flow.Autoencoder = VAE{}

// LatentShape returns the number of channels and the size of the latents, given the context hyperparameters.
//
// It returns an error if the image size is not divisible by 2^vae_downsamples: the strided convolutions of
// the encoder would round the latent size up, and the decoder wouldn't reproduce the image size.
func LatentShape(ctx *context.Context) (channels, size int, err error) {
	channels = context.GetParamOr(ctx, ParamLatentChannels, 4)
	imageSize := context.GetParamOr(ctx, ParamImageSize, 32)
	numDownsamples := context.GetParamOr(ctx, ParamDownsamples, 3)
	if numDownsamples < 0 || imageSize <= 0 || imageSize%(1<<numDownsamples) != 0 {
		return 0, 0, errors.Errorf("%s=%d must be a positive multiple of 2^%s=%d",
			ParamImageSize, imageSize, ParamDownsamples, 1<<max(0, numDownsamples))
	}
	return channels, imageSize >> numDownsamples, nil
}

// Encode implements flow.Autoencoder: x is shaped [batch, channels, height, width] with values in [-1, 1].
func (VAE) Encode(ctx *context.Context, x *Node) flow.LatentDistribution {
	ctx = ctx.InAbsPath(Scope).In("encoder")
	numChannels := context.GetParamOr(ctx, ParamChannels, 64)
	numDownsamples := context.GetParamOr(ctx, ParamDownsamples, 3)
	latentChannels := context.GetParamOr(ctx, ParamLatentChannels, 4)

	x = TransposeAllDims(x, 0, 2, 3, 1)
	x = layers.Convolution(ctx.In("conv_in"), x).Filters(numChannels).KernelSize(3).PadSame().Done()
	for ii := range numDownsamples {
		blockCtx := ctx.In(fmt.Sprintf("down_%d", ii))
		x = convBlock(blockCtx, x)
		x = activations.ApplyFromContext(ctx, x)
		x = layers.Convolution(blockCtx.In("downsample"), x).
			Filters(numChannels).KernelSize(3).Strides(2).PadSame().Done()
	}
	x = convBlock(ctx.In("mid"), x)
	x = layers.LayerNormalization(ctx.In("norm_out"), x, -1).Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(ctx.In("conv_out"), x).Filters(2 * latentChannels).KernelSize(3).PadSame().Done()
	x = TransposeAllDims(x, 0, 3, 1, 2)

	mean := Slice(x, AxisRange(), AxisRange(0, latentChannels))
	logVar := Slice(x, AxisRange(), AxisRange(latentChannels, 2*latentChannels))
	return flow.LatentDistribution{
		Mean:   mean,
		LogVar: ClipScalar(logVar, -30, 20),
	}
}

// Decode implements flow.Autoencoder: z is shaped [batch, latent_channels, height, width], and it
// returns images with values (approximately) in [-1, 1].
func (VAE) Decode(ctx *context.Context, z *Node) *Node {
	ctx = ctx.InAbsPath(Scope).In("decoder")
	numChannels := context.GetParamOr(ctx, ParamChannels, 64)
	numUpsamples := context.GetParamOr(ctx, ParamDownsamples, 3)
	imageChannels := context.GetParamOr(ctx, ParamImageChannels, 3)

	x := TransposeAllDims(z, 0, 2, 3, 1)
	x = layers.Convolution(ctx.In("conv_in"), x).Filters(numChannels).KernelSize(3).PadSame().Done()
	x = convBlock(ctx.In("mid"), x)
	for ii := range numUpsamples {
		blockCtx := ctx.In(fmt.Sprintf("up_%d", ii))
		x = UpsampleNearest(x)
		x = layers.Convolution(blockCtx.In("upsample"), x).Filters(numChannels).KernelSize(3).PadSame().Done()
		x = convBlock(blockCtx, x)
	}
	x = layers.LayerNormalization(ctx.In("norm_out"), x, -1).Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(ctx.In("conv_out"), x).Filters(imageChannels).KernelSize(3).PadSame().Done()
	return TransposeAllDims(x, 0, 3, 1, 2)
}

// convBlock is a residual block of two normalized convolutions, on channels-last images.
func convBlock(ctx *context.Context, x *Node) *Node {
	numChannels := x.Shape().Dim(-1)
	residual := x
	for ii := range 2 {
		x = layers.LayerNormalization(ctx.In(fmt.Sprintf("norm_%d", ii)), x, -1).Done()
		x = activations.ApplyFromContext(ctx, x)
		x = layers.Convolution(ctx.In(fmt.Sprintf("conv_%d", ii)), x).Filters(numChannels).KernelSize(3).PadSame().Done()
	}
	return Add(residual, x)
}

// UpsampleNearest doubles the height and width of channels-last images [batch, height, width, channels]
// by repeating each pixel.
func UpsampleNearest(x *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, batchSize, height, 1, width, 1, channels)
	x = BroadcastToDims(x, batchSize, height, 2, width, 2, channels)
	return Reshape(x, batchSize, 2*height, 2*width, channels)
}

// LossGraph returns the autoencoder training loss for images in [0, 1] shaped [batch, channels, height, width]:
// the reconstruction mean-squared-error plus vae_kl_weight times the KL divergence to N(0, 1).
func LossGraph(ctx *context.Context, images *Node) *Node {
	var ae VAE
	x := flow.Normalize(images)
	dist := ae.Encode(ctx, x)
	reconstruction := ae.Decode(ctx, dist.Sample(ctx))
	reconstructionLoss := ReduceAllMean(Square(Sub(reconstruction, x)))
	klWeight := context.GetParamOr(ctx, ParamKLWeight, 1e-6)
	return Add(reconstructionLoss, MulScalar(KLDivergenceGraph(dist), klWeight))
}

// KLDivergenceGraph returns the mean (over all elements) KL divergence between dist and the
// standard normal distribution.
func KLDivergenceGraph(dist flow.LatentDistribution) *Node {
	mean, logVar := dist.Mean, dist.LogVar
	if logVar == nil {
		logVar = ZerosLike(mean)
	}
	kl := Sub(Add(Square(mean), Exp(logVar)), AddScalar(logVar, 1))
	return MulScalar(ReduceAllMean(kl), 0.5)
}
