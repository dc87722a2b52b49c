//go:build gocv

package main

import (
	"log"

	"github.com/banshee-data/tagpose/internal/config"
	"github.com/banshee-data/tagpose/internal/markers"
)

// markerDetector picks the detector named by the config. The ArUco detector
// reads Frame.Image and ignores whatever detections the source carries.
func markerDetector(cfg *config.LocalizerConfig, src source) (markers.Detector, error) {
	if cfg.GetDetector() != config.DetectorAruco {
		return src.detector, nil
	}
	log.Printf("detecting %s markers with OpenCV ArUco", markers.Family)
	return markers.NewArucoDetector(cfg.GetTagEdge()), nil
}
