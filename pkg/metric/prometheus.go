// Copyright 2025 The gVisor Authors.
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
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// prometheusPrefix is prepended to every exported metric name.
const prometheusPrefix = "minix"

// PrometheusName returns the name under which a metric is exported in the
// Prometheus text format: "/grant/created" becomes "minix_grant_created".
func PrometheusName(name string) string {
	return prometheusPrefix + strings.ReplaceAll(name, "/", "_")
}

// WritePrometheus writes every registered metric to w as a Prometheus
// counter, sorted by name.
func WritePrometheus(w io.Writer) error {
	mu.Lock()
	ms := make([]*Uint64Metric, 0, len(allMetrics))
	for _, m := range allMetrics {
		ms = append(ms, m)
	}
	mu.Unlock()
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })

	for _, m := range ms {
		name := PrometheusName(m.name)
		help := m.description
		value := float64(m.Value())
		family := &dto.MetricFamily{
			Name: &name,
			Help: &help,
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{
				{Counter: &dto.Counter{Value: &value}},
			},
		}
		if _, err := expfmt.MetricFamilyToText(w, family); err != nil {
			return err
		}
	}
	return nil
}
