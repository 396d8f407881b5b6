package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClasses(t *testing.T) {
	classes, err := parseClasses("", 3)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2}, classes)

	classes, err = parseClasses("2, 0", 3)
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 0}, classes)

	_, err = parseClasses("3", 3)
	require.Error(t, err)
	_, err = parseClasses("a", 3)
	require.Error(t, err)
}
