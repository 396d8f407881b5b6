// vaetrainer trains the KL autoencoder used by the latent rectified-flow models.
//
// Example:
//
//	$ go run ./cmd/vaetrainer -config="vae=~/work/vae,vae_image_size=64,n_steps=20000" -data=~/data/faces
//
// After training, a grid with the reconstruction of a few training images is written to -reconstructions.
// The checkpoint is then given to the latent model with "latent=<dir>,vae=~/work/vae".
package main

import (
	"context"
	"flag"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	mlctx "github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/janpfeifer/rectflow/internal/dataset"
	"github.com/janpfeifer/rectflow/internal/flow"
	"github.com/janpfeifer/rectflow/internal/imaging"
	"github.com/janpfeifer/rectflow/internal/models"
	"github.com/janpfeifer/rectflow/internal/profilers"
	"github.com/janpfeifer/rectflow/internal/trainer"
	"github.com/janpfeifer/rectflow/internal/ui/spinning"
	"github.com/janpfeifer/rectflow/internal/vae"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "Configuration of the autoencoder: \"vae=<checkpoint_dir>,<param>=<value>,...\". "+
		"Use \"vae=help\" to list the hyperparameters.")
	flagData            = flag.String("data", "", "Directory with the training images: either one sub-directory per class, or a flat directory.")
	flagParallelism     = flag.Int("parallelism", 0, "Number of images decoded in parallel. If <= 0 uses GOMAXPROCS.")
	flagReconstructions = flag.String("reconstructions", "", "If set, PNG file where to write the reconstructions of 8 training images "+
		"(top row) by the trained autoencoder (bottom row).")

	globalCtx = context.Background()
)

// interruptGracePeriod after Ctrl+C before exiting: enough for the current train step to finish and the
// checkpoint to be written.
const interruptGracePeriod = 30 * time.Second

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, interruptGracePeriod)
	defer globalCancel()

	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	model, err := models.New(*flagConfig, trainer.DefaultParams())
	if errors.Is(err, models.ErrHelpRequested) {
		return
	}
	must.M(err)
	if model.Type != models.ModelVAE {
		klog.Fatalf("-config=%q configures a %s model, vaetrainer only trains autoencoders (\"vae=<dir>\")", *flagConfig, model.Type)
	}

	if *flagData == "" {
		klog.Fatal("-data is required")
	}
	spinner := spinning.New(globalCtx)
	ds, err := dataset.New(globalCtx, *flagData, model.PixelSize(), model.ImageChannels(), *flagParallelism)
	spinner.Done()
	must.M(err)
	ds.RandomFlip(true)
	klog.Infof("Training %s on %d images from %s", model, ds.Len(), ds)

	tr := must.M1(trainer.New(model))
	must.M(tr.Train(globalCtx, ds))
	klog.Infof("Stopped at step %d, after %d full passes over %s", tr.Step(), ds.Epoch(), ds)

	if *flagReconstructions != "" && globalCtx.Err() == nil {
		for images := range ds.Batches(8) {
			must.M(writeReconstructions(model, images, *flagReconstructions))
			break
		}
	}
}

// writeReconstructions encodes the images (using the mean of the latent distribution) and decodes them back,
// writing the originals and the reconstructions in a grid.
func writeReconstructions(model *models.Model, images *tensors.Tensor, filePath string) error {
	var reconstructed *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		reconstructed = mlctx.ExecOnce(models.Backend(), model.Context().Reuse(), func(ctx *mlctx.Context, x *graph.Node) *graph.Node {
			ae := vae.VAE{}
			z := ae.Encode(ctx, flow.Normalize(x)).Mean
			return flow.Denormalize(graph.ClipScalar(ae.Decode(ctx, z), -1, 1))
		}, images)
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to reconstruct images with %s", model)
	}
	originals, err := imaging.ToImages(images)
	if err != nil {
		return err
	}
	reconstructions, err := imaging.ToImages(reconstructed)
	if err != nil {
		return err
	}
	grid, err := imaging.Grid(append(originals, reconstructions...), len(originals), imaging.DefaultPadding)
	if err != nil {
		return err
	}
	if err = imaging.SavePNG(filePath, imaging.Upscale(grid, 2)); err != nil {
		return err
	}
	klog.Infof("Reconstructions of %d images written to %s", len(originals), filePath)
	return nil
}
