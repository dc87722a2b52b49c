package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tagpose/internal/pose"
	"github.com/banshee-data/tagpose/internal/recorder"
)

func rows() []recorder.PoseRow {
	return []recorder.PoseRow{
		{FrameID: 1, Valid: false, Pose: pose.Sentinel(), VOValid: true, VO: pose.Planar{X: 0, Y: 0}},
		{FrameID: 2, Valid: true, Pose: pose.New(0.1, 0, 0, 0, 0, 0), VOValid: true, VO: pose.Planar{X: 0.1}},
		{FrameID: 3, Valid: true, Pose: pose.New(0.2, 0.1, 0, 0, 0, 0), VOValid: false},
	}
}

func TestTrajectoryPointsSkipsInvalid(t *testing.T) {
	est, vo := trajectoryPoints(rows())
	require.Len(t, est, 2)
	require.Len(t, vo, 2)
	assert.InDelta(t, 0.2, est[1].X, 1e-12)
	assert.InDelta(t, 0.1, est[1].Y, 1e-12)
	assert.InDelta(t, 0.1, vo[1].X, 1e-12)
}

func TestPlotTrajectoryWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trajectory.png")
	require.NoError(t, plotTrajectory("s1", rows(), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}

func TestPlotTrajectoryEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.png")
	assert.Error(t, plotTrajectory("s1", []recorder.PoseRow{{FrameID: 1}}, path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
