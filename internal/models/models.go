// Package models creates the GoMLX models (rectified-flow in pixel or latent space, and the autoencoder
// used by the latent one) from a user configuration string, and manages their checkpoints.
//
// The configuration selects the model type with the directory of its checkpoint, e.g.:
//
//   - "pixel=~/work/rf_cifar,num_classes=10,learning_rate=3e-4"
//   - "latent=~/work/lrf,vae=~/work/vae"
//   - "vae=~/work/vae" (only the autoencoder, see cmd/vaetrainer)
//
// All other keys are hyperparameters, see "pixel=help".
package models

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/janpfeifer/rectflow/internal/flow"
	"github.com/janpfeifer/rectflow/internal/parameters"
	"github.com/janpfeifer/rectflow/internal/vae"
	"github.com/janpfeifer/rectflow/internal/velocity"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type ModelType int

const (
	ModelNone ModelType = iota
	ModelPixel
	ModelLatent
	ModelVAE
)

//go:generate go tool enumer -type=ModelType -trimprefix=Model -transform=snake -values -text -json models.go

// Hyperparameters handled by this package.
const (
	// ParamBatchSize is the training batch size.
	ParamBatchSize = "batch_size"

	// ParamNumClasses is the number of classes for class-conditional models, or 0 for unconditional ones.
	ParamNumClasses = "num_classes"

	// ParamKeepCheckpoints is the number of checkpoints to keep. It is popped from the configuration,
	// not stored as a hyperparameter.
	ParamKeepCheckpoints = "keep_checkpoints"
)

// ErrHelpRequested is returned by New when the configuration asks for the list of hyperparameters.
var ErrHelpRequested = errors.New("hyperparameters help requested")

var (
	// backend is a singleton, shared by all models.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })
)

// Backend returns the backend shared by all models, creating it on the first call.
func Backend() backends.Backend { return backend() }

// DefaultContext returns a new context with all the hyperparameters set to their defaults.
// extraDefaults are set on top, typically with the hyperparameters of the trainer.
func DefaultContext(extraDefaults ...map[string]any) *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamBatchSize:  64,
		ParamNumClasses: 0,

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    1e-4,
		optimizers.ParamAdamEpsilon:     1e-8,
		optimizers.ParamAdamDType:       "",
		cosineschedule.ParamPeriodSteps: 0,
		activations.ParamActivation:     "swish",

		flow.ParamChannels:     3,
		flow.ParamImageSize:    32,
		flow.ParamLogitNormalT: false,
	})
	ctx.SetParams(velocity.DefaultParams())
	ctx.SetParams(vae.DefaultParams())
	for _, defaults := range extraDefaults {
		ctx.SetParams(defaults)
	}
	return ctx
}

// Model wraps a rectified-flow model (or an autoencoder) with its context and checkpoint.
type Model struct {
	Type ModelType

	// Flow model, nil for ModelVAE.
	*flow.Model

	ctx *context.Context

	// checkpoint handler, if model is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// muSave makes saving sequential.
	muSave sync.Mutex
}

const notSpecified = "#<not_specified>"

// New creates the model selected by the configuration string, loading its checkpoint if it exists.
// See the package documentation for the format.
//
// If any model type is set to "help", the hyperparameters are listed and ErrHelpRequested is returned.
func New(config string, extraDefaults ...map[string]any) (*Model, error) {
	params := parameters.NewFromConfigString(config)
	m := &Model{ctx: DefaultContext(extraDefaults...)}
	var dir, vaeDir string
	for _, modelType := range ModelTypeValues() {
		if modelType == ModelNone {
			continue
		}
		value, _ := parameters.PopParamOr(params, modelType.String(), notSpecified)
		if value == notSpecified {
			continue
		}
		if slices.Index([]string{"help", "--help", "-help", "-h"}, value) != -1 {
			m.Type = modelType
			m.writeHyperparametersHelp()
			return nil, errors.Wrapf(ErrHelpRequested, "model type %s", modelType)
		}
		if modelType == ModelVAE {
			vaeDir = value
			if m.Type == ModelNone {
				m.Type = ModelVAE
				dir = value
			}
			continue
		}
		if m.Type != ModelNone && m.Type != ModelVAE {
			return nil, errors.Errorf("more than one model type configured in %q", config)
		}
		m.Type = modelType
		dir = value
	}
	switch m.Type {
	case ModelNone:
		return nil, errors.Errorf("no model type configured in %q, use one of %v", config, ModelTypeValues()[1:])
	case ModelPixel:
		if vaeDir != "" {
			return nil, errors.Errorf("model type %s doesn't use an autoencoder, but vae=%q was given", m.Type, vaeDir)
		}
	case ModelVAE:
		// The autoencoder is trained in its own checkpoint.
		vaeDir = ""
	}

	checkpointsToKeep, err := parameters.PopParamOr(params, ParamKeepCheckpoints, 3)
	if err != nil {
		return nil, err
	}

	// Create checkpoint, and load it if it exists.
	if dir != "" {
		m.checkpoint, err = checkpoints.Build(m.ctx).Dir(dir).Keep(checkpointsToKeep).Immediate().Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint for model %s in path %s", m.Type, dir)
		}
	}

	// Overwrite hyperparameters from given params.
	if err = extractParams(m.Type.String(), params, m.ctx); err != nil {
		return nil, err
	}
	if err = params.CheckAllUsed(); err != nil {
		return nil, errors.WithMessagef(err, "model %s", m.Type)
	}

	switch m.Type {
	case ModelVAE:
		if _, _, err = vae.LatentShape(m.ctx); err != nil {
			return nil, errors.WithMessagef(err, "model %s", m.Type)
		}
		return m, nil
	case ModelLatent:
		if err = m.setUpAutoencoder(vaeDir); err != nil {
			return nil, err
		}
	}

	cond := flow.Unconditional()
	if numClasses := context.GetParamOr(m.ctx, ParamNumClasses, 0); numClasses > 0 {
		cond = flow.Conditional(numClasses)
	}
	net := velocity.New(cond)
	if m.Type == ModelLatent {
		m.Model = flow.NewLatent(backend(), m.ctx, net, vae.VAE{})
	} else {
		m.Model = flow.NewPixel(backend(), m.ctx, net)
	}
	klog.V(1).Infof("Created model %s", m)
	return m, nil
}

// setUpAutoencoder loads the autoencoder weights (if vaeDir is given) or checks they were loaded from
// the model checkpoint, and configures the flow space to be the latent space.
func (m *Model) setUpAutoencoder(vaeDir string) error {
	if vaeDir != "" {
		if err := vae.Load(m.ctx, vaeDir); err != nil {
			return err
		}
	} else {
		var found bool
		m.ctx.EnumerateVariables(func(v *context.Variable) {
			found = found || vae.InScope(v.Scope())
		})
		if !found {
			return errors.Errorf("model %s requires a pretrained autoencoder: set vae=<checkpoint_dir>", m.Type)
		}
		vae.Freeze(m.ctx)
	}
	latentChannels, latentSize, err := vae.LatentShape(m.ctx)
	if err != nil {
		return errors.WithMessagef(err, "model %s", m.Type)
	}
	m.ctx.SetParam(flow.ParamChannels, latentChannels)
	m.ctx.SetParam(flow.ParamImageSize, latentSize)
	return nil
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	if m == nil {
		return "<nil>[GoMLX]"
	}
	name := m.Type.String()
	if m.Model != nil {
		name = m.Model.String()
	}
	if m.checkpoint == nil {
		return name
	}
	return fmt.Sprintf("%s@%s", name, m.checkpoint.Dir())
}

// Context holding the weights and hyperparameters of the model.
func (m *Model) Context() *context.Context { return m.ctx }

// Checkpoint handler, or nil if the model is not associated to a directory.
func (m *Model) Checkpoint() *checkpoints.Handler { return m.checkpoint }

// BatchSize returns the training batch size.
func (m *Model) BatchSize() int { return context.GetParamOr(m.ctx, ParamBatchSize, 64) }

// ImageChannels returns the number of channels of the images, in pixel space.
func (m *Model) ImageChannels() int {
	if m.Type == ModelPixel {
		return context.GetParamOr(m.ctx, flow.ParamChannels, 3)
	}
	return context.GetParamOr(m.ctx, vae.ParamImageChannels, 3)
}

// PixelSize returns the height and width of the images, in pixel space.
// For latent models the flow runs on a smaller space, see flow.Model.ImageSize.
func (m *Model) PixelSize() int {
	if m.Type == ModelPixel {
		return context.GetParamOr(m.ctx, flow.ParamImageSize, 32)
	}
	return context.GetParamOr(m.ctx, vae.ParamImageSize, 32)
}

// LossGraph returns the training loss of the model for a batch of images in [0, 1] and labels.
func (m *Model) LossGraph(ctx *context.Context, images, labels *Node) *Node {
	if m.Type == ModelVAE {
		return vae.LossGraph(ctx, images)
	}
	return m.Model.LossGraph(ctx, images, labels)
}

// Save the model to its checkpoint directory. It's a no-op (with a warning) if there is no checkpoint.
func (m *Model) Save() error {
	if m.checkpoint == nil {
		klog.Warningf("Model %s is not associated to a checkpoint directory, not saving", m.Type)
		return nil
	}
	m.muSave.Lock()
	defer m.muSave.Unlock()
	return m.checkpoint.Save()
}

// writeHyperparametersHelp enumerates all the hyperparameters set in the context.
func (m *Model) writeHyperparametersHelp() {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "Model %s parameters:\n", m.Type)
	_, _ = fmt.Fprintf(buf, "\t%s=<checkpoint_dir> to create or continue training the model saved at the given directory, or\n", m.Type)
	_, _ = fmt.Fprintf(buf, "\t%s=help to show this help message\n", m.Type)
	if m.Type == ModelLatent {
		_, _ = fmt.Fprintf(buf, "\tvae=<checkpoint_dir> with the pretrained autoencoder (see vaetrainer)\n")
	}
	_, _ = fmt.Fprintf(buf, "\t%s=<n>: number of checkpoints to keep, default is 3\n\n", ParamKeepCheckpoints)
	var rows [][]string
	m.ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		rows = append(rows, []string{key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
	})
	slices.SortFunc(rows, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	table := tablewriter.NewWriter(buf)
	table.SetHeader([]string{"PARAMETER", "TYPE", "DEFAULT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
	klog.Info(buf)
}

// extractParams and write them as context hyperparameters
func extractParams(modelName string, params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		if _, found := params[key]; !found {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float32:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float32) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("model %s parameter %q is of unknown type %T", modelName, key, defaultValue)
		}
	})
	return err
}
