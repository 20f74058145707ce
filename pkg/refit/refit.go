// Package refit records which layer consumes which model weight so the
// weights can be replaced after conversion without re-parsing the model.
package refit

import (
	"fmt"

	"github.com/zerfoo/zparse/pkg/network"
)

// Entry ties a refittable weight to the layer that binds it.
//
// WeightName is unique within a Map. A model constant used by several layers
// yields one entry per layer: the first keeps the constant's name, the K-th
// further one is named <name>_K. Source is always the constant's name.
type Entry struct {
	WeightName string       `yaml:"weight"`
	LayerName  string       `yaml:"layer"`
	Role       network.Role `yaml:"role"`
	Source     string       `yaml:"source"`
}

func (e Entry) String() string {
	return fmt.Sprintf("%s -> %s (%s)", e.WeightName, e.LayerName, e.Role)
}

// Map is the refit map of one import. It is not safe for concurrent use.
type Map struct {
	entries []Entry
	byName  map[string]int
	layers  map[string]map[string]bool
}

// NewMap returns an empty map.
func NewMap() *Map {
	m := &Map{}
	m.Reset()
	return m
}

// FromEntries rebuilds a map from entries read back from a manifest. Later
// duplicates of a weight name are ignored.
func FromEntries(entries []Entry) *Map {
	m := NewMap()
	for _, e := range entries {
		if _, dup := m.byName[e.WeightName]; dup {
			continue
		}
		seen := m.layers[e.Source]
		if seen == nil {
			seen = make(map[string]bool)
			m.layers[e.Source] = seen
		}
		seen[e.LayerName] = true
		m.byName[e.WeightName] = len(m.entries)
		m.entries = append(m.entries, e)
	}
	return m
}

// Reset drops every entry.
func (m *Map) Reset() {
	m.entries = nil
	m.byName = make(map[string]int)
	m.layers = make(map[string]map[string]bool)
}

// Record notes that layer binds the model constant source under role and
// returns the new entry. A layer binding the same constant twice is recorded
// once; ok is false for the repeat.
func (m *Map) Record(source, layer string, role network.Role) (e Entry, ok bool) {
	seen := m.layers[source]
	if seen == nil {
		seen = make(map[string]bool)
		m.layers[source] = seen
	}
	if seen[layer] {
		return Entry{}, false
	}
	k := len(seen)
	seen[layer] = true

	name := source
	if k > 0 {
		name = fmt.Sprintf("%s_%d", source, k)
	}
	// A constant may itself be called W_1; keep names unique.
	for _, taken := m.byName[name]; taken; _, taken = m.byName[name] {
		k++
		name = fmt.Sprintf("%s_%d", source, k)
	}

	e = Entry{WeightName: name, LayerName: layer, Role: role, Source: source}
	m.byName[name] = len(m.entries)
	m.entries = append(m.entries, e)
	return e, true
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.entries) }

// Entries returns a copy of the entries in recording order.
func (m *Map) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Lookup finds an entry by weight name.
func (m *Map) Lookup(weight string) (Entry, bool) {
	i, ok := m.byName[weight]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}
