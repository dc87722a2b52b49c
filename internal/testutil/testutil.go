// Package testutil provides shared test fixtures: marker scenes rendered
// through a camera model and tolerant pose comparisons.
package testutil

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/pose"
	"gonum.org/v1/gonum/spatial/r2"
)

// TagEdge is the 6 inch marker used throughout the tests.
const TagEdge = 0.1524

// AssertPoseNear fails the test if the homogeneous transforms of want and
// got differ by more than tol in any element. Equivalent angle triples
// compare equal.
func AssertPoseNear(t testing.TB, want, got pose.Pose, tol float64) {
	t.Helper()
	w, g := want.Transform(), got.Transform()
	for i := range w {
		if math.IsNaN(g[i]) || math.Abs(w[i]-g[i]) > tol {
			t.Errorf("pose mismatch at element %d: want %v, got %v (tol %g)\nwant %v\ngot  %v",
				i, w[i], g[i], tol, want, got)
			return
		}
	}
}

// FacingCamera returns the camera-relative pose of a marker at (x, y, z)
// whose face points back at the camera, upright in the image.
func FacingCamera(x, y, z float64) pose.Pose {
	return pose.New(x, y, z, math.Pi, 0, 0)
}

// ProjectMarker renders the corners of marker id, posed at tagInCamera,
// through the calibration k.
func ProjectMarker(t testing.TB, k camera.Intrinsics, tagInCamera pose.Pose, edge float64, id int) markers.Detection {
	t.Helper()
	var corners [4]r2.Vec
	for i, o := range markers.CornerOffsets(edge) {
		px, ok := k.Project(tagInCamera.Apply(o))
		if !ok {
			t.Fatalf("marker %d corner %d is behind the camera", id, i)
		}
		corners[i] = px
	}
	return markers.NewDetection(id, corners, edge)
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}
