// Package flow implements rectified-flow training and sampling over GoMLX graphs.
//
// Images are linearly interpolated towards Gaussian noise, z_t = (1-t)·x + t·z, and a velocity
// network is regressed on the constant displacement (z - x). Sampling integrates the learned
// velocity field from pure noise (t=1) back to data (t=0) with Euler steps.
//
// The same Model works in pixel space (PixelCodec) or in the latent space of a frozen
// autoencoder (LatentCodec): the Codec is the only thing that changes.
package flow

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

var (
	// ErrMissingLabels is returned when a conditional network is used without class labels.
	ErrMissingLabels = errors.New("conditional model requires class labels")

	// ErrNotConditional is returned when conditional sampling is requested on an unconditional network.
	ErrNotConditional = errors.New("model is not conditional")

	// ErrInvalidSamplingSteps is returned for sampling with fewer than one step.
	ErrInvalidSamplingSteps = errors.New("sampling steps must be >= 1")

	// ErrInvalidBatchSize is returned when asked to sample less than one image.
	ErrInvalidBatchSize = errors.New("batch size must be >= 1")
)

// Conditioning tells whether a velocity network takes class labels.
// The zero value is unconditional.
type Conditioning struct {
	// NumClasses is 0 for unconditional networks.
	NumClasses int
}

// Unconditional returns the Conditioning of networks that don't take labels.
func Unconditional() Conditioning { return Conditioning{} }

// Conditional returns the Conditioning of networks that take labels in [0, numClasses).
func Conditional(numClasses int) Conditioning { return Conditioning{NumClasses: numClasses} }

// IsConditional returns whether class labels are required.
func (c Conditioning) IsConditional() bool { return c.NumClasses > 0 }

// String implements fmt.Stringer.
func (c Conditioning) String() string {
	if !c.IsConditional() {
		return "unconditional"
	}
	return fmt.Sprintf("conditional(%d classes)", c.NumClasses)
}

// VelocityNet is the network that predicts the velocity v_t at (z_t, t[, labels]).
type VelocityNet interface {
	// Conditioning of the network, fixed at construction.
	Conditioning() Conditioning

	// Velocity returns the predicted velocity, shaped like zt.
	//
	// zt is shaped [batch, channels, height, width], t is shaped [batch] and labels is either nil
	// (unconditional) or an Int32 tensor shaped [batch].
	Velocity(ctx *context.Context, zt, t, labels *Node) *Node

	// GuidedVelocity returns the classifier-free guided velocity, v_u + cfgScale·(v_c - v_u).
	// cfgScale is a scalar.
	GuidedVelocity(ctx *context.Context, zt, t, labels, cfgScale *Node) *Node
}

// Normalize maps images from [0, 1] to [-1, 1].
func Normalize(x *Node) *Node {
	return AddScalar(MulScalar(x, 2), -1)
}

// Denormalize maps values from [-1, 1] to [0, 1]. It doesn't clip.
func Denormalize(x *Node) *Node {
	return MulScalar(AddScalar(x, 1), 0.5)
}
