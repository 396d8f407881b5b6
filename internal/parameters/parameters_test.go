package parameters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromConfigString(t *testing.T) {
	params := NewFromConfigString("latent=/tmp/model,vae=/tmp/vae,use_ema,ema_decay=0.999,,formula=a=b")
	assert.Equal(t, Params{
		"latent":    "/tmp/model",
		"vae":       "/tmp/vae",
		"use_ema":   "",
		"ema_decay": "0.999",
		"formula":   "a=b",
	}, params)
	assert.Empty(t, NewFromConfigString(""))
}

func TestPopParamOr(t *testing.T) {
	params := NewFromConfigString("steps=10,cfg=1.5,use_ema,flip=false,name=x,bad=abc")

	steps, err := PopParamOr(params, "steps", 50)
	require.NoError(t, err)
	assert.Equal(t, 10, steps)

	cfg, err := PopParamOr(params, "cfg", 5.0)
	require.NoError(t, err)
	assert.Equal(t, 1.5, cfg)

	useEMA, err := PopParamOr(params, "use_ema", false)
	require.NoError(t, err)
	assert.True(t, useEMA)

	flip, err := PopParamOr(params, "flip", true)
	require.NoError(t, err)
	assert.False(t, flip)

	name, err := PopParamOr(params, "name", "")
	require.NoError(t, err)
	assert.Equal(t, "x", name)

	missing, err := PopParamOr(params, "missing", float32(0.5))
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), missing)

	_, err = PopParamOr(params, "bad", 1)
	require.Error(t, err)

	// Only "bad" is left, since it failed to parse.
	assert.Equal(t, []string{"bad"}, params.Keys())
	require.Error(t, params.CheckAllUsed())
	delete(params, "bad")
	require.NoError(t, params.CheckAllUsed())
}
