package vae

import (
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Load copies the autoencoder weights (variables under Scope) and hyperparameters (vae_* keys)
// from the checkpoint in dir into ctx, and freezes them.
//
// Variables already in ctx are overwritten.
func Load(ctx *context.Context, dir string) error {
	loaded := context.New()
	if _, err := checkpoints.Build(loaded).Dir(dir).Immediate().Done(); err != nil {
		return errors.WithMessagef(err, "failed to load autoencoder checkpoint from %q", dir)
	}

	var count int
	loaded.EnumerateVariables(func(v *context.Variable) {
		if !InScope(v.Scope()) {
			return
		}
		if existing := ctx.InspectVariable(v.Scope(), v.Name()); existing != nil {
			existing.SetValue(v.Value())
		} else {
			ctx.InAbsPath(v.Scope()).VariableWithValue(v.Name(), v.Value())
		}
		count++
	})
	if count == 0 {
		return errors.Errorf("no autoencoder variables found under %q in checkpoint %q", Scope, dir)
	}
	loaded.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope && strings.HasPrefix(key, "vae_") {
			ctx.SetParam(key, value)
		}
	})
	Freeze(ctx)
	klog.V(1).Infof("Loaded %d autoencoder variables from %q", count, dir)
	return nil
}

// Freeze marks all autoencoder variables in ctx as not trainable.
func Freeze(ctx *context.Context) {
	ctx.EnumerateVariables(func(v *context.Variable) {
		if InScope(v.Scope()) {
			v.Trainable = false
		}
	})
}

// InScope returns whether the variable scope belongs to the autoencoder.
func InScope(scope string) bool {
	return scope == Scope || strings.HasPrefix(scope, Scope+context.ScopeSeparator)
}
