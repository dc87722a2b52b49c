//go:build !gocv

package main

import (
	"fmt"

	"github.com/banshee-data/tagpose/internal/config"
	"github.com/banshee-data/tagpose/internal/markers"
)

func markerDetector(cfg *config.LocalizerConfig, src source) (markers.Detector, error) {
	if d := cfg.GetDetector(); d == config.DetectorAruco {
		return nil, fmt.Errorf("detector %q needs a build with -tags gocv", d)
	}
	return src.detector, nil
}
