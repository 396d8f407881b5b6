// trainer trains a rectified-flow model, in pixel or in latent space, on a directory of images.
//
// Example:
//
//	$ go run ./cmd/trainer -config="pixel=~/work/rf_cifar,num_classes=10,n_steps=100000" -data=~/data/cifar10/train
//
// Use -config="pixel=help" (or "latent=help") to list all the hyperparameters.
package main

import (
	"context"
	"flag"
	"time"

	mlctx "github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/must"
	"github.com/janpfeifer/rectflow/internal/dataset"
	"github.com/janpfeifer/rectflow/internal/fid"
	"github.com/janpfeifer/rectflow/internal/models"
	"github.com/janpfeifer/rectflow/internal/profilers"
	"github.com/janpfeifer/rectflow/internal/trainer"
	"github.com/janpfeifer/rectflow/internal/ui/spinning"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "Configuration of the model to train: "+
		"\"pixel=<checkpoint_dir>,<param>=<value>,...\" or \"latent=<checkpoint_dir>,vae=<vae_checkpoint_dir>,...\". "+
		"Use \"pixel=help\" to list the hyperparameters.")
	flagData        = flag.String("data", "", "Directory with the training images: either one sub-directory per class, or a flat directory.")
	flagParallelism = flag.Int("parallelism", 0, "Number of images decoded in parallel. If <= 0 uses GOMAXPROCS.")
	flagFlip        = flag.Bool("flip", true, "Randomly flip training images horizontally.")
	flagSeed        = flag.Uint64("seed", 0, "If > 0, seed for the dataset shuffling and the sampling during training.")

	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

// interruptGracePeriod after Ctrl+C before exiting: enough for the current train step to finish and the
// checkpoint to be written.
const interruptGracePeriod = 30 * time.Second

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
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
	if model.Type == models.ModelVAE {
		klog.Fatalf("-config=%q configures only an autoencoder, use vaetrainer to train it", *flagConfig)
	}
	klog.Infof("Model: %s", model)

	ds := must.M1(loadDataset(globalCtx, model))
	if cond := model.Conditioning(); cond.IsConditional() && ds.NumClasses() != cond.NumClasses {
		klog.Fatalf("Model %s has %d classes, but the dataset in %q has %d", model, cond.NumClasses, *flagData, ds.NumClasses())
	}

	tr := must.M1(trainer.New(model))
	if *flagSeed > 0 {
		tr.SetSeed(*flagSeed)
	}
	ctx := model.Context()
	if mlctx.GetParamOr(ctx, trainer.ParamFIDEvalInterval, 0) > 0 {
		klog.Infof("Computing FID statistics of %s", ds)
		evaluator := must.M1(fid.NewEvaluator(globalCtx, ds, fid.PooledPixels{Grid: fid.DefaultGrid},
			mlctx.GetParamOr(ctx, trainer.ParamFIDStatsDir, "./results"),
			mlctx.GetParamOr(ctx, trainer.ParamNumFIDSamples, 50_000),
			mlctx.GetParamOr(ctx, trainer.ParamSampleBatchSize, 16)))
		klog.Infof("FID reference statistics: %d features", evaluator.Reference().Dim())
		tr.SetFIDEvaluator(evaluator)
	}
	must.M(tr.Train(globalCtx, ds))
	klog.Infof("Stopped at step %d, after %d full passes over %s", tr.Step(), ds.Epoch(), ds)
}

// loadDataset loads the images in -data, resized to the model resolution, showing a spinner while loading.
func loadDataset(ctx context.Context, model *models.Model) (*dataset.Dataset, error) {
	if *flagData == "" {
		return nil, errors.New("-data is required")
	}
	klog.Infof("Loading images from %s", *flagData)
	spinner := spinning.New(ctx)
	ds, err := dataset.New(ctx, *flagData, model.PixelSize(), model.ImageChannels(), *flagParallelism)
	spinner.Done()
	if err != nil {
		return nil, err
	}
	ds.RandomFlip(*flagFlip)
	if *flagSeed > 0 {
		ds.Seed(*flagSeed)
	}
	klog.Infof("Loaded %d images, %d classes %v", ds.Len(), ds.NumClasses(), ds.ClassNames())
	return ds, nil
}
