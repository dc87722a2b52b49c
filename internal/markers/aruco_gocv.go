//go:build gocv

package markers

import (
	"errors"
	"fmt"

	"github.com/banshee-data/tagpose/internal/camera"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/spatial/r2"
)

// ArucoDetector finds tag16h5 markers with OpenCV's ArUco module. Only built
// with the gocv tag since it needs the OpenCV shared libraries.
type ArucoDetector struct {
	detector gocv.ArucoDetector
	edge     float64
}

// NewArucoDetector returns a detector for markers of the given edge length.
func NewArucoDetector(edge float64) *ArucoDetector {
	dict := gocv.GetPredefinedDictionary(gocv.ArucoDictAprilTag_16h5)
	params := gocv.NewArucoDetectorParameters()
	return &ArucoDetector{
		detector: gocv.NewArucoDetectorWithParams(dict, params),
		edge:     edge,
	}
}

// Detect implements Detector. Frames without pixels yield no detections.
func (a *ArucoDetector) Detect(f *camera.Frame) ([]Detection, error) {
	if f == nil || f.Image == nil {
		return nil, nil
	}
	img, err := gocv.ImageToMatRGB(f.Image)
	if err != nil {
		return nil, fmt.Errorf("convert frame %d: %w", f.ID, err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, errors.New("empty image")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorRGBToGray)

	corners, ids, _ := a.detector.DetectMarkers(gray)
	dets := make([]Detection, 0, len(ids))
	for i, id := range ids {
		if i >= len(corners) || len(corners[i]) != 4 {
			continue
		}
		var c [4]r2.Vec
		for j, p := range corners[i] {
			c[j] = r2.Vec{X: float64(p.X), Y: float64(p.Y)}
		}
		dets = append(dets, NewDetection(id, c, a.edge))
	}
	return dets, nil
}

// Close releases the OpenCV detector.
func (a *ArucoDetector) Close() error {
	a.detector.Close()
	return nil
}
