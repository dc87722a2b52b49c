package recorder

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tagpose/internal/aggregate"
	"github.com/banshee-data/tagpose/internal/monitoring"
	"github.com/banshee-data/tagpose/internal/pose"
	"github.com/banshee-data/tagpose/internal/telemetry"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTemp(t *testing.T) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "poses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func frame(session string, id uint64, tags ...aggregate.TagValues) *telemetry.Frame {
	f := &telemetry.Frame{
		SessionID: session,
		FrameID:   id,
		Timestamp: t0.Add(time.Duration(id) * 33 * time.Millisecond),
		Estimate: telemetry.PoseEstimate{
			Pose:     pose.New(float64(id), 2, 0, 0, 0, 0.5),
			Strategy: "pnp_pose",
			Valid:    true,
		},
		Odometry: telemetry.Absent("zed_pose"),
		Tags:     tags,
		Primary:  aggregate.NoPrimary(),
	}
	if len(tags) > 0 {
		f.Primary = tags[0]
	}
	return f
}

func TestMigrations(t *testing.T) {
	r := openTemp(t)
	v, dirty, err := r.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, dirty)

	// Already current.
	require.NoError(t, r.MigrateUp())

	require.NoError(t, r.MigrateDown())
	v, _, err = r.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)

	require.NoError(t, r.MigrateUp())
}

func TestRecordAndQuery(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()

	tag := aggregate.TagValues{ID: 3, X: 1.5, Y: 0.1, Z: 0.2, Heading: 0.3}
	require.NoError(t, r.RecordFrame(ctx, frame("a", 1, tag)))
	require.NoError(t, r.RecordFrame(ctx, frame("a", 2)))
	require.NoError(t, r.RecordFrame(ctx, frame("b", 1, tag, aggregate.TagValues{ID: 7, X: 3})))

	rows, err := r.SessionPoses(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	want := PoseRow{
		SessionID:    "a",
		FrameID:      1,
		Timestamp:    t0.Add(33 * time.Millisecond),
		Strategy:     "pnp_pose",
		Valid:        true,
		Pose:         pose.New(1, 2, 0, 0, 0, 0.5),
		VOValid:      false,
		VO:           pose.Planar{X: -1, Y: -1, Heading: -1},
		TagCount:     1,
		PrimaryTagID: 3,
	}
	if diff := cmp.Diff(want, rows[0], cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("SessionPoses()[0] mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, -1, rows[1].PrimaryTagID)

	recent, err := r.RecentPoses(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "a", recent[0].SessionID)
	assert.Equal(t, uint64(2), recent[0].FrameID)

	sightings, err := r.TagSightings(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []TagSighting{{TagID: 3, Frames: 1, MeanX: 1.5}, {TagID: 7, Frames: 1, MeanX: 3}}, sightings)
}

func TestDuplicateFrameRejected(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()
	require.NoError(t, r.RecordFrame(ctx, frame("a", 1)))
	assert.Error(t, r.RecordFrame(ctx, frame("a", 1)))

	rows, err := r.SessionPoses(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSessions(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()

	require.NoError(t, r.StartSession(ctx, SessionInfo{
		ID:        "configured",
		Strategy:  "pnp_pose",
		Started:   t0.Add(time.Hour),
		Reference: pose.Planar{X: 1, Y: 2, Heading: 0.5},
		Notes:     "practice field",
	}))
	require.NoError(t, r.RecordFrame(ctx, frame("configured", 1)))
	// Unregistered sessions are created on first frame.
	require.NoError(t, r.RecordFrame(ctx, frame("implicit", 1)))

	sessions, err := r.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "configured", sessions[0].ID)
	assert.Equal(t, pose.Planar{X: 1, Y: 2, Heading: 0.5}, sessions[0].Reference)
	assert.Equal(t, "practice field", sessions[0].Notes)
	assert.Equal(t, "implicit", sessions[1].ID)
	assert.Equal(t, "pnp_pose", sessions[1].Strategy)
	assert.True(t, sessions[1].Started.Equal(t0.Add(33*time.Millisecond)))
}

func TestStartSessionDefaultsStartTime(t *testing.T) {
	r := openTemp(t)
	ctx := context.Background()

	require.NoError(t, r.RecordFrame(ctx, frame("earlier", 1)))
	before := time.Now().Add(-time.Second)
	require.NoError(t, r.StartSession(ctx, SessionInfo{ID: "live", Strategy: "pnp_pose"}))

	sessions, err := r.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "live", sessions[0].ID, "newest session sorts first")
	assert.True(t, sessions[0].Started.After(before), "started %v", sessions[0].Started)
	assert.WithinDuration(t, time.Now(), sessions[0].Started, time.Minute)
}

func TestAdminRoutes(t *testing.T) {
	r := openTemp(t)
	require.NoError(t, r.RecordFrame(context.Background(), frame("a", 1)))

	mux := http.NewServeMux()
	require.NoError(t, r.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	// tsweb debug routes only answer loopback callers.
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(body[:16]))
}
