package estimator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/banshee-data/tagpose/internal/monitoring"
	"github.com/banshee-data/tagpose/internal/pose"
	"github.com/google/uuid"
)

// TrackingResetter is the camera hook invoked when the reference moves.
type TrackingResetter interface {
	ResetTracking(origin pose.Pose) error
}

// RelocalizePolicy decides when a marker fix re-roots odometry.
type RelocalizePolicy string

const (
	RelocalizeNever  RelocalizePolicy = "never"
	RelocalizeFirst  RelocalizePolicy = "first"
	RelocalizeAlways RelocalizePolicy = "always"
)

// ParseRelocalizePolicy validates a policy name; empty selects first.
func ParseRelocalizePolicy(s string) (RelocalizePolicy, error) {
	switch p := RelocalizePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return RelocalizeFirst, nil
	case RelocalizeNever, RelocalizeFirst, RelocalizeAlways:
		return p, nil
	default:
		return "", fmt.Errorf("unknown relocalize policy %q", s)
	}
}

// Session holds the state that survives between frames: the reference pose
// odometry is expressed against. It is initialised from configuration and
// only changes through Reset.
type Session struct {
	mu        sync.Mutex
	id        string
	reference pose.Pose
	resets    int
	tracker   TrackingResetter

	policy      RelocalizePolicy
	maxReprojPx float64
	relocalized bool
}

// SessionOptions configure relocalisation.
type SessionOptions struct {
	Policy RelocalizePolicy
	// MaxReprojectionError is the largest marker reprojection error, pixels,
	// that still counts as a high-confidence fix.
	MaxReprojectionError float64
}

// NewSession starts a session at initial. tracker may be nil.
func NewSession(initial pose.Pose, tracker TrackingResetter, opts SessionOptions) *Session {
	if opts.Policy == "" {
		opts.Policy = RelocalizeFirst
	}
	return &Session{
		id:          uuid.NewString(),
		reference:   initial,
		tracker:     tracker,
		policy:      opts.Policy,
		maxReprojPx: opts.MaxReprojectionError,
	}
}

// ID identifies the session in telemetry and the pose log.
func (s *Session) ID() string { return s.id }

// Reference returns the current reference pose.
func (s *Session) Reference() pose.Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reference
}

// Resets returns how many times Reset succeeded.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Reset moves the reference to p and re-roots camera tracking there. The
// reference is left untouched when the camera refuses the reset, so
// odometry stays consistent with what the tracker reports.
func (s *Session) Reset(p pose.Pose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !p.IsFinite() {
		return fmt.Errorf("reset to non-finite pose %v", p)
	}
	if s.tracker != nil {
		if err := s.tracker.ResetTracking(p); err != nil {
			return fmt.Errorf("reset tracking: %w", err)
		}
	}
	s.reference = p
	s.resets++
	return nil
}

// Relocalize applies the session policy to a fresh estimate and resets the
// reference when the estimate qualifies. frameID is only used for logging.
// It reports whether a reset happened.
func (s *Session) Relocalize(est CameraPose, frameID uint64) bool {
	if est.Strategy == VisualOdometry || est.TagID < 0 {
		return false
	}
	if s.maxReprojPx > 0 && est.ReprojectionError > s.maxReprojPx {
		return false
	}
	s.mu.Lock()
	policy, done := s.policy, s.relocalized
	s.mu.Unlock()

	switch policy {
	case RelocalizeNever:
		return false
	case RelocalizeFirst:
		if done {
			return false
		}
	}
	if err := s.Reset(est.Pose); err != nil {
		monitoring.Logf("[Session] relocalize on tag %d failed: %v", est.TagID, err)
		return false
	}
	s.mu.Lock()
	s.relocalized = true
	s.mu.Unlock()
	monitoring.Logf("[Session] relocalized on tag %d at frame %d: %v", est.TagID, frameID, est.Pose)
	return true
}
