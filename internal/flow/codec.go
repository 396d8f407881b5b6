package flow

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// LatentScale normalizes the magnitude of the autoencoder latents to roughly unit variance.
// It multiplies on encode and divides on decode.
const LatentScale = 0.13025

// Codec maps normalized images (in [-1, 1]) to the space where the flow runs, and back.
type Codec interface {
	Encode(ctx *context.Context, x *Node) *Node
	Decode(ctx *context.Context, z *Node) *Node
}

// PixelCodec runs the flow directly on pixels: both directions are the identity.
type PixelCodec struct{}

// Encode implements Codec.
func (PixelCodec) Encode(_ *context.Context, x *Node) *Node { return x }

// Decode implements Codec.
func (PixelCodec) Decode(_ *context.Context, z *Node) *Node { return z }

// LatentDistribution is the diagonal Gaussian returned by an autoencoder's encoder.
type LatentDistribution struct {
	Mean *Node

	// LogVar is the log of the variance. If nil the distribution is deterministic (Mean).
	LogVar *Node
}

// Sample draws one value from the distribution using the context random number generator.
func (d LatentDistribution) Sample(ctx *context.Context) *Node {
	if d.LogVar == nil {
		return d.Mean
	}
	g := d.Mean.Graph()
	eps := ctx.RandomNormal(g, d.Mean.Shape())
	std := Exp(MulScalar(d.LogVar, 0.5))
	return Add(d.Mean, Mul(std, eps))
}

// Autoencoder is a frozen, pretrained image autoencoder.
type Autoencoder interface {
	// Encode normalized images shaped [batch, channels, height, width] to a latent distribution.
	Encode(ctx *context.Context, x *Node) LatentDistribution

	// Decode latents back to normalized images.
	Decode(ctx *context.Context, z *Node) *Node
}

// LatentCodec runs the flow in the latent space of a frozen Autoencoder.
type LatentCodec struct {
	Autoencoder Autoencoder
}

// Encode implements Codec: it samples the latent distribution and scales it by LatentScale.
// No gradient flows through it.
func (c LatentCodec) Encode(ctx *context.Context, x *Node) *Node {
	latent := c.Autoencoder.Encode(ctx, StopGradient(x)).Sample(ctx)
	return StopGradient(MulScalar(latent, LatentScale))
}

// Decode implements Codec: it undoes the LatentScale and decodes back to normalized pixels.
func (c LatentCodec) Decode(ctx *context.Context, z *Node) *Node {
	return StopGradient(c.Autoencoder.Decode(ctx, DivScalar(StopGradient(z), LatentScale)))
}
