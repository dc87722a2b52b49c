package telemetry

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Publisher is a bus sink. Publish is called once per pipeline frame with
// every key for that frame; implementations must not modify f or retain it
// past the call unless they copy it.
type Publisher interface {
	Publish(ctx context.Context, f *Frame) error
	Close() error
}

// Multi fans a frame out to several sinks. One failing sink does not stop
// the others; their errors are joined.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, f *Frame) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Table is an in-process NetworkTables-style table: the latest value of
// every key, replaced atomically one frame at a time.
type Table struct {
	name string

	mu      sync.RWMutex
	values  map[string]Value
	updates uint64
}

// NewTable returns an empty table.
func NewTable(name string) *Table {
	return &Table{name: name, values: make(map[string]Value)}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Publish implements Publisher.
func (t *Table) Publish(_ context.Context, f *Frame) error {
	vals := f.Values()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range vals {
		t.values[v.Key] = v
	}
	t.updates++
	return nil
}

// Close implements Publisher.
func (t *Table) Close() error { return nil }

// Number returns a scalar entry.
func (t *Table) Number(key string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[key]
	if !ok || v.IsArray {
		return 0, false
	}
	return v.Number, true
}

// NumberArray returns a copy of an array entry.
func (t *Table) NumberArray(key string) ([]float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[key]
	if !ok || !v.IsArray {
		return nil, false
	}
	out := make([]float64, len(v.Array))
	copy(out, v.Array)
	return out, true
}

// Keys returns the published keys, sorted.
func (t *Table) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.values))
	for k := range t.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Updates returns how many frames were published.
func (t *Table) Updates() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updates
}
