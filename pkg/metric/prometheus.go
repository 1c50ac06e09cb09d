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

package metric

import (
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// PrometheusName converts a metric name such as /vm/faults to the Prometheus
// name prefix_vm_faults.
func PrometheusName(prefix, name string) string {
	n := strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
	if prefix == "" {
		return n
	}
	return prefix + "_" + n
}

// Families returns the registry's current values as Prometheus metric
// families. Cumulative metrics are exported as counters, the rest as gauges.
// Each metric field becomes a label.
func (r *Registry) Families(prefix string) []*dto.MetricFamily {
	var (
		families []*dto.MetricFamily
		cur      *dto.MetricFamily
	)
	for _, s := range r.Samples() {
		name := PrometheusName(prefix, s.Name)
		if cur == nil || cur.GetName() != name {
			typ := dto.MetricType_GAUGE
			if s.Cumulative {
				typ = dto.MetricType_COUNTER
			}
			cur = &dto.MetricFamily{
				Name: proto.String(name),
				Help: proto.String(s.Description),
				Type: typ.Enum(),
			}
			families = append(families, cur)
		}
		m := &dto.Metric{}
		for i, fn := range s.FieldNames {
			m.Label = append(m.Label, &dto.LabelPair{
				Name:  proto.String(fn),
				Value: proto.String(s.FieldValues[i]),
			})
		}
		v := proto.Float64(float64(s.Value))
		if s.Cumulative {
			m.Counter = &dto.Counter{Value: v}
		} else {
			m.Gauge = &dto.Gauge{Value: v}
		}
		cur.Metric = append(cur.Metric, m)
	}
	return families
}

// WriteText writes every metric in the Prometheus text exposition format.
func (r *Registry) WriteText(w io.Writer, prefix string) error {
	for _, mf := range r.Families(prefix) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
