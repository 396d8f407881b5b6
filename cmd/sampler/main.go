// sampler generates images with a trained rectified-flow model, and writes them as a grid (PNG)
// and, optionally, the animation of their trajectories from noise to image (GIF).
//
// Example:
//
//	$ go run ./cmd/sampler -config="pixel=~/work/rf_cifar" -classes=0,1,2 -n=8 -cfg=2 -out=samples.png -gif=samples.gif
package main

import (
	"context"
	"flag"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/janpfeifer/must"
	"github.com/janpfeifer/rectflow/internal/flow"
	"github.com/janpfeifer/rectflow/internal/generics"
	"github.com/janpfeifer/rectflow/internal/imaging"
	"github.com/janpfeifer/rectflow/internal/models"
	"github.com/janpfeifer/rectflow/internal/profilers"
	"github.com/janpfeifer/rectflow/internal/trainer"
	"github.com/janpfeifer/rectflow/internal/ui/spinning"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "Model to sample from: \"pixel=<checkpoint_dir>\" or \"latent=<checkpoint_dir>\".")
	flagOut    = flag.String("out", "samples.png", "PNG file where to write the grid of samples.")
	flagGIF    = flag.String("gif", "", "If set, GIF file where to write the animation of the sampling trajectories.")
	flagN      = flag.Int("n", 16, "Number of samples: per class for conditional models, total for unconditional ones.")
	flagClasses = flag.String("classes", "", "Comma-separated list of classes to sample, for conditional models. "+
		"Defaults to all classes.")
	flagCFG       = flag.Float64("cfg", flow.DefaultCFGScale, "Classifier-free guidance scale, for conditional models.")
	flagSteps     = flag.Int("steps", flow.DefaultSamplingSteps, "Number of Euler steps.")
	flagSeed      = flag.Uint64("seed", 0, "Seed for the initial noise. If 0, a random seed is used.")
	flagBatchSize = flag.Int("batch", 64, "Number of images sampled at once.")
	flagNRow      = flag.Int("nrow", 0, "Number of images per row of the grid. "+
		"Defaults to one column per class for conditional models, or 8 otherwise.")
	flagUpscale = flag.Int("upscale", 1, "Integer factor to upscale the grid with, using nearest-neighbor.")
	flagNoEMA   = flag.Bool("no_ema", false, "Sample with the trained weights, instead of their moving averages.")
	flagDelay   = flag.Int("delay", 5, "Delay between frames of the GIF, in 1/100 seconds.")

	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 3*time.Second)
	defer globalCancel()

	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	model, err := models.New(*flagConfig, trainer.DefaultParams())
	if errors.Is(err, models.ErrHelpRequested) {
		return
	}
	must.M(err)
	if model.Model == nil {
		klog.Fatalf("-config=%q doesn't configure a rectified-flow model", *flagConfig)
	}
	sampler := model.Model
	if !*flagNoEMA && trainer.HasEMA(model.Context()) {
		sampler = sampler.WithWeights(trainer.EMAScope)
		klog.Infof("Sampling with the moving average of the weights")
	}
	klog.Infof("Model: %s", sampler)

	seed := *flagSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	klog.V(1).Infof("Seed: %d", seed)
	rng := rand.New(rand.NewPCG(seed, 0))

	nrow := *flagNRow
	var chunks [][]int32
	if cond := sampler.Conditioning(); cond.IsConditional() {
		classes := must.M1(parseClasses(*flagClasses, cond.NumClasses))
		if nrow <= 0 {
			nrow = len(classes)
		}
		chunks = generics.Chunks(generics.Tile(classes, *flagN), *flagBatchSize)
	} else {
		if nrow <= 0 {
			nrow = 8
		}
		for _, batchSize := range generics.Groups(*flagN, *flagBatchSize) {
			chunks = append(chunks, make([]int32, batchSize))
		}
	}

	samples := must.M1(sample(sampler, rng, chunks))
	must.M(samples.SavePNG(*flagOut, nrow, *flagUpscale))
	klog.Infof("Wrote %d samples to %s", len(samples.Images), *flagOut)

	if *flagGIF != "" {
		must.M(samples.SaveGIF(*flagGIF, nrow, *flagUpscale, *flagDelay))
		klog.Infof("Wrote %d frames to %s", len(samples.Frames), *flagGIF)
	}
}

// sample generates the images for each chunk of classes (for unconditional models only the
// length of the chunks is used), with their trajectories if -gif is set.
func sample(sampler *flow.Model, rng *rand.Rand, chunks [][]int32) (*imaging.Trajectories, error) {
	var total int
	for _, chunk := range chunks {
		total += len(chunk)
	}
	bar := progressbar.Default(int64(total), "sampling")
	defer func() { _ = bar.Finish() }()
	returnAllSteps := *flagGIF != ""
	samples := &imaging.Trajectories{}
	for _, chunk := range chunks {
		if globalCtx.Err() != nil {
			return nil, globalCtx.Err()
		}
		var batch *flow.Samples
		var err error
		if sampler.Conditioning().IsConditional() {
			batch, err = sampler.CondSample(rng, chunk, *flagSteps, *flagCFG, returnAllSteps)
		} else {
			batch, err = sampler.Sample(rng, len(chunk), *flagSteps, returnAllSteps)
		}
		if err != nil {
			return nil, err
		}
		if err = samples.Add(batch.Images, batch.Trajectory); err != nil {
			return nil, err
		}
		_ = bar.Add(len(chunk))
	}
	return samples, nil
}

// parseClasses parses the comma-separated list of classes. If empty, it returns all classes.
func parseClasses(list string, numClasses int) ([]int32, error) {
	var classes []int32
	if list == "" {
		for ii := range numClasses {
			classes = append(classes, int32(ii))
		}
		return classes, nil
	}
	for _, part := range generics.SliceMap(strings.Split(list, ","), strings.TrimSpace) {
		class, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid class %q in -classes=%q", part, list)
		}
		if class < 0 || class >= numClasses {
			return nil, errors.Errorf("class %d out of range in -classes=%q, model has %d classes", class, list, numClasses)
		}
		classes = append(classes, int32(class))
	}
	return classes, nil
}
