// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper maps multi-dimensional field values to a single integer key.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint32 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup returns the key for the given field values. It panics if the number
// of values is wrong or a value is not allowed.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remaining := m.numFieldCombinations
Lookup:
	for i, val := range values {
		for valIdx, allowed := range m.fields[i].allowedValues {
			if val == allowed {
				remaining /= len(m.fields[i].allowedValues)
				idx += remaining * valIdx
				continue Lookup
			}
		}
		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}
	return idx
}

// keyToMultiField is the reverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	values := make([]string, len(m.fields))
	remaining := m.numFieldCombinations
	for i, f := range m.fields {
		remaining /= len(f.allowedValues)
		values[i] = f.allowedValues[key/remaining]
		key %= remaining
	}
	return values
}

// Uint64Metric encapsulates a uint64 that represents some kind of cumulative
// metric to be monitored.
type Uint64Metric struct {
	name        string
	description string

	// values holds one counter per field value combination.
	values []atomic.Uint64

	fieldMapper fieldMapper
}

// registry holds every registered metric, keyed by name.
type registry struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}

var allMetrics = registry{metrics: make(map[string]*Uint64Metric)}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name. Metrics should be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		values:      make([]atomic.Uint64, f.numFieldCombinations),
		fieldMapper: f,
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.metrics[name]; ok {
		return nil, ErrNameInUse
	}
	allMetrics.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Name returns the registered name of the metric.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will
// panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Snapshot is the value of one metric at a point in time.
type Snapshot struct {
	Name        string
	Description string
	// Labels holds the field names of the metric, in order.
	Labels []string
	Values []SnapshotValue
}

// SnapshotValue is the counter for one combination of field values.
type SnapshotValue struct {
	FieldValues []string
	Value       uint64
}

// snapshot captures m. Only non-zero combinations are reported for metrics
// with fields.
func (m *Uint64Metric) snapshot() Snapshot {
	s := Snapshot{Name: m.name, Description: m.description}
	for _, f := range m.fieldMapper.fields {
		s.Labels = append(s.Labels, f.name)
	}
	for key := range m.values {
		v := m.values[key].Load()
		if v == 0 && len(m.fieldMapper.fields) > 0 {
			continue
		}
		s.Values = append(s.Values, SnapshotValue{
			FieldValues: m.fieldMapper.keyToMultiField(key),
			Value:       v,
		})
	}
	return s
}

// GetSnapshots returns a snapshot of every registered metric, sorted by name.
func GetSnapshots() []Snapshot {
	allMetrics.mu.Lock()
	ms := make([]*Uint64Metric, 0, len(allMetrics.metrics))
	for _, m := range allMetrics.metrics {
		ms = append(ms, m)
	}
	allMetrics.mu.Unlock()

	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	snapshots := make([]Snapshot, 0, len(ms))
	for _, m := range ms {
		snapshots = append(snapshots, m.snapshot())
	}
	return snapshots
}
