// Copyright 2026 The corevm Authors.
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
	"regexp"
	"sort"
	"sync/atomic"

	"corevm.dev/corevm/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that the metric name is not of the form
	// /component/metric_name.
	ErrInvalidName = errors.New("metric name is invalid")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

var (
	validName       = regexp.MustCompile(`^(/[a-z][a-z0-9_]*)+$`)
	validFieldValue = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

// maxFieldCombinations bounds the number of counters a single metric may
// carry.
const maxFieldCombinations = 1024

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

// Name returns the field name.
func (f Field) Name() string { return f.name }

// fieldMapper provides multi-dimensional fields to a single unique integer
// key.
type fieldMapper struct {
	// fields is a list of Field objects, which importantly include individual
	// Field names which are used to perform the keyToMultiField function.
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		for _, v := range f.allowedValues {
			if !validFieldValue.MatchString(v) {
				return fieldMapper{}, fmt.Errorf("%w: %q", ErrFieldValueContainsIllegalChar, v)
			}
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > maxFieldCombinations {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup retrieves a key for a given set of field values. It panics if the
// number of values or any value is not allowed.
func (m fieldMapper) lookup(fieldValues ...string) int {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("invalid field lookup depth: got %d field values, want %d", len(fieldValues), len(m.fields)))
	}
	key := 0
	for i, f := range m.fields {
		idx := -1
		for j, v := range f.allowedValues {
			if v == fieldValues[i] {
				idx = j
				break
			}
		}
		if idx < 0 {
			panic(fmt.Sprintf("invalid value %q for field %q", fieldValues[i], f.name))
		}
		key = key*len(f.allowedValues) + idx
	}
	return key
}

// keyToMultiField is the reverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	values := make([]string, len(m.fields))
	for i := len(m.fields) - 1; i >= 0; i-- {
		n := len(m.fields[i].allowedValues)
		values[i] = m.fields[i].allowedValues[key%n]
		key /= n
	}
	return values
}

// metadata describes a registered metric. It is immutable.
type metadata struct {
	name        string
	description string
	cumulative  bool
	fieldMapper fieldMapper
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	metadata

	// fields is the map of field-value combination index keys to counters.
	fields []atomic.Uint64
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

type customUint64Metric struct {
	metadata

	// value returns the current value of the metric for the given set of
	// fields. It takes a variadic number of field values as argument.
	value func(fieldValues ...string) uint64
}

// Registry holds a set of metrics. A Registry is safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	// uint64Metrics and customMetrics are keyed by metric name. Names are
	// unique across both maps.
	uint64Metrics map[string]*Uint64Metric
	customMetrics map[string]*customUint64Metric
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		uint64Metrics: make(map[string]*Uint64Metric),
		customMetrics: make(map[string]*customUint64Metric),
	}
}

// newMetadata validates a registration request.
//
// Preconditions: r.mu must be locked.
func (r *Registry) newMetadata(name string, cumulative bool, description string, fields []Field) (metadata, error) {
	if !validName.MatchString(name) {
		return metadata{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, ok := r.uint64Metrics[name]; ok {
		return metadata{}, ErrNameInUse
	}
	if _, ok := r.customMetrics[name]; ok {
		return metadata{}, ErrNameInUse
	}
	fm, err := newFieldMapper(fields...)
	if err != nil {
		return metadata{}, err
	}
	return metadata{
		name:        name,
		description: description,
		cumulative:  cumulative,
		fieldMapper: fm,
	}, nil
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., their number must be finite).
func (r *Registry) NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	md, err := r.newMetadata(name, true, description, fields)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		metadata: md,
		fields:   make([]atomic.Uint64, md.fieldMapper.numFieldCombinations),
	}
	r.uint64Metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func (r *Registry) MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := r.NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a metric with the given name.
//
// Preconditions:
//   - name must be unique within the registry.
//   - value is called with as many field values as fields are given, and must
//     be safe to call concurrently with the metric's producers.
func (r *Registry) RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	md, err := r.newMetadata(name, cumulative, description, fields)
	if err != nil {
		return err
	}
	r.customMetrics[name] = &customUint64Metric{
		metadata: md,
		value:    value,
	}
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func (r *Registry) MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) {
	if err := r.RegisterCustomUint64Metric(name, cumulative, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// Sample is the value of one field combination of a metric at the time of a
// snapshot.
type Sample struct {
	Name        string
	Description string
	Cumulative  bool
	FieldNames  []string
	FieldValues []string
	Value       uint64
}

// Samples returns the current value of every field combination of every
// registered metric, sorted by metric name.
func (r *Registry) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	var samples []Sample
	add := func(md *metadata, value func(key int, fieldValues []string) uint64) {
		var names []string
		for _, f := range md.fieldMapper.fields {
			names = append(names, f.name)
		}
		for key := 0; key < md.fieldMapper.numFieldCombinations; key++ {
			fv := md.fieldMapper.keyToMultiField(key)
			samples = append(samples, Sample{
				Name:        md.name,
				Description: md.description,
				Cumulative:  md.cumulative,
				FieldNames:  names,
				FieldValues: fv,
				Value:       value(key, fv),
			})
		}
	}
	for _, m := range r.uint64Metrics {
		add(&m.metadata, func(key int, _ []string) uint64 { return m.fields[key].Load() })
	}
	for _, m := range r.customMetrics {
		add(&m.metadata, func(_ int, fv []string) uint64 { return m.value(fv...) })
	}
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Name < samples[j].Name
	})
	return samples
}
