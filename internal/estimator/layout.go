package estimator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/banshee-data/tagpose/internal/frames"
	"github.com/banshee-data/tagpose/internal/pose"
)

const maxLayoutSize = 1 << 20

// Layout holds the world pose of every surveyed marker, native axes. A
// marker's own frame has +x right, +y up and +z out of its face.
type Layout struct {
	tags map[int]pose.Pose
}

// NewLayout wraps a set of native-axis marker poses.
func NewLayout(tags map[int]pose.Pose) *Layout {
	l := &Layout{tags: make(map[int]pose.Pose, len(tags))}
	for id, p := range tags {
		l.tags[id] = p
	}
	return l
}

// Lookup returns the world pose of marker id.
func (l *Layout) Lookup(id int) (pose.Pose, bool) {
	if l == nil {
		return pose.Pose{}, false
	}
	p, ok := l.tags[id]
	return p, ok
}

// IDs returns the surveyed marker ids in ascending order.
func (l *Layout) IDs() []int {
	ids := make([]int, 0, len(l.tags))
	for id := range l.tags {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len returns the number of surveyed markers.
func (l *Layout) Len() int { return len(l.tags) }

type layoutFile struct {
	Family     string      `json:"family"`
	Convention string      `json:"convention"`
	Tags       []layoutTag `json:"tags"`
}

type layoutTag struct {
	ID    int     `json:"id"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// LoadLayout reads a field layout JSON file. Poses in the "world"
// convention are mapped to native axes with conv; "native" (the default)
// poses are used as is.
func LoadLayout(path string, conv *frames.Converter) (*Layout, error) {
	if filepath.Ext(path) != ".json" {
		return nil, fmt.Errorf("layout file must have .json extension, got: %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat layout file: %w", err)
	}
	if info.Size() > maxLayoutSize {
		return nil, fmt.Errorf("layout file too large: %d bytes (max %d)", info.Size(), maxLayoutSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout file: %w", err)
	}
	return ParseLayout(data, conv)
}

// ParseLayout decodes layout JSON; see LoadLayout.
func ParseLayout(data []byte, conv *frames.Converter) (*Layout, error) {
	var f layoutFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse layout JSON: %w", err)
	}
	if conv == nil {
		conv = frames.Default()
	}
	world := false
	switch f.Convention {
	case "", "native":
	case "world":
		world = true
	default:
		return nil, fmt.Errorf("unknown layout convention %q", f.Convention)
	}

	tags := make(map[int]pose.Pose, len(f.Tags))
	for _, t := range f.Tags {
		if _, dup := tags[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tag id %d in layout", t.ID)
		}
		p := pose.New(t.X, t.Y, t.Z, t.Roll, t.Pitch, t.Yaw)
		if !p.IsFinite() {
			return nil, fmt.Errorf("tag %d has a non-finite pose", t.ID)
		}
		if world {
			p = conv.ToNative(p)
		}
		tags[t.ID] = p
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("layout has no tags")
	}
	return &Layout{tags: tags}, nil
}
