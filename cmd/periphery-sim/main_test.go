package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

func TestParseDetections(t *testing.T) {
	got, err := parseDetections("0:100,80,64,48; 2:1.5,2,3,4")
	require.NoError(t, err)
	assert.Equal(t, []types.MlDetection{
		{Label: 0, Box: types.Box{X: 100, Y: 80, Width: 64, Height: 48}},
		{Label: 2, Box: types.Box{X: 1.5, Y: 2, Width: 3, Height: 4}},
	}, got)

	got, err = parseDetections("")
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, bad := range []string{"1", "x:1,2,3,4", "1:1,2,3", "1:1,2,3,z"} {
		_, err := parseDetections(bad)
		assert.Error(t, err, bad)
	}
}
