package models

import (
	"math/rand/v2"
	"path/filepath"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/rectflow/internal/flow"
	"github.com/janpfeifer/rectflow/internal/vae"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tinyNet = "velocity_channels=8,velocity_num_blocks=1,velocity_time_embed_dim=8"

func randomImages(batchSize, channels, size int) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(1, 1))
	images := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, channels, size, size))
	tensors.MutableFlatData(images, func(flat []float32) {
		for ii := range flat {
			flat[ii] = rng.Float32()
		}
	})
	return images
}

func TestModelTypeEnum(t *testing.T) {
	assert.Equal(t, "latent", ModelLatent.String())
	modelType, err := ModelTypeString("vae")
	require.NoError(t, err)
	assert.Equal(t, ModelVAE, modelType)
	_, err = ModelTypeString("fnn")
	require.Error(t, err)
}

func TestConfigErrors(t *testing.T) {
	_, err := New("")
	require.Error(t, err, "no model type")

	_, err = New("pixel=help")
	require.True(t, errors.Is(err, ErrHelpRequested))

	_, err = New("pixel=,latent=")
	require.Error(t, err, "two model types")

	_, err = New("pixel=,unknown_param=1")
	require.Error(t, err, "unknown parameter")

	_, err = New("pixel=,image_size=abc")
	require.Error(t, err, "invalid int")

	_, err = New("pixel=,vae=/tmp/x")
	require.Error(t, err, "pixel doesn't use an autoencoder")

	_, err = New("latent=")
	require.Error(t, err, "latent requires an autoencoder")

	_, err = New("vae=,vae_image_size=30,vae_downsamples=3")
	require.Error(t, err, "image size not a multiple of 2^downsamples")
}

func TestPixelModel(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pixel")
	m, err := New("pixel="+dir+",image_size=8,num_classes=3,keep_checkpoints=2,"+tinyNet,
		map[string]any{"trainer_param": 7})
	require.NoError(t, err)
	assert.Equal(t, ModelPixel, m.Type)
	assert.True(t, m.Conditioning().IsConditional())
	assert.Equal(t, 3, m.Conditioning().NumClasses)
	assert.Equal(t, 8, m.PixelSize())
	assert.Equal(t, 3, m.ImageChannels())
	assert.Equal(t, 7, context.GetParamOr(m.Context(), "trainer_param", 0))
	assert.Contains(t, m.String(), dir)

	loss, err := m.Loss(randomImages(2, 3, 8), tensors.FromValue([]int32{0, 2}))
	require.NoError(t, err)
	assert.Greater(t, loss, float32(0))
	require.NoError(t, m.Save())

	// Reload: hyperparameters come from the checkpoint.
	m2, err := New("pixel=" + dir)
	require.NoError(t, err)
	assert.Equal(t, 3, m2.Conditioning().NumClasses)
	assert.Equal(t, 8, context.GetParamOr(m2.Context(), flow.ParamImageSize, 0))
	assert.Equal(t, 8, context.GetParamOr(m2.Context(), "velocity_channels", 0))
}

func TestLatentModel(t *testing.T) {
	vaeDir := filepath.Join(t.TempDir(), "vae")
	ae, err := New("vae=" + vaeDir + ",vae_channels=4,vae_downsamples=1,vae_image_size=8")
	require.NoError(t, err)
	assert.Equal(t, ModelVAE, ae.Type)
	assert.Nil(t, ae.Model)
	loss := context.ExecOnce(Backend(), ae.Context(), func(ctx *context.Context, images *Node) *Node {
		return ae.LossGraph(ctx, images, nil)
	}, randomImages(2, 3, 8))
	assert.True(t, loss.Shape().IsScalar())
	require.NoError(t, ae.Save())

	dir := filepath.Join(t.TempDir(), "latent")
	m, err := New("latent="+dir+",vae="+vaeDir+","+tinyNet)
	require.NoError(t, err)
	assert.True(t, m.IsLatent())
	assert.Equal(t, 4, m.Channels(), "flow runs on the latent channels")
	assert.Equal(t, 4, m.ImageSize(), "flow runs on the latent size")
	assert.Equal(t, 8, m.PixelSize())
	m.Context().EnumerateVariables(func(v *context.Variable) {
		if vae.InScope(v.Scope()) {
			assert.False(t, v.Trainable)
		}
	})

	samples, err := m.Sample(rand.New(rand.NewPCG(0, 0)), 2, 2, false)
	require.NoError(t, err)
	require.NoError(t, samples.Images.Shape().Check(dtypes.Float32, 2, 3, 8, 8))
	require.NoError(t, m.Save())

	// The autoencoder is saved with the model, so it is not needed to resume.
	m2, err := New("latent=" + dir)
	require.NoError(t, err)
	assert.Equal(t, 4, m2.Channels())
}
