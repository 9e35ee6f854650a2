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

package metric

import (
	"fmt"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Prefix is prepended to every exported metric name.
const Prefix = "drmgem"

// promName converts a slash-separated metric name such as
// "/gem/objects_created" into a Prometheus metric name.
func promName(name string) string {
	name = strings.Trim(name, "/")
	name = strings.NewReplacer("/", "_", "-", "_").Replace(name)
	return Prefix + "_" + name
}

// families converts snapshots into Prometheus metric families.
func families(snapshots []Snapshot) []*dto.MetricFamily {
	out := make([]*dto.MetricFamily, 0, len(snapshots))
	for _, s := range snapshots {
		mf := &dto.MetricFamily{
			Name: proto.String(promName(s.Name)),
			Help: proto.String(s.Description),
			Type: dto.MetricType_COUNTER.Enum(),
		}
		for _, v := range s.Values {
			m := &dto.Metric{
				Counter: &dto.Counter{Value: proto.Float64(float64(v.Value))},
			}
			for i, label := range s.Labels {
				m.Label = append(m.Label, &dto.LabelPair{
					Name:  proto.String(label),
					Value: proto.String(v.FieldValues[i]),
				})
			}
			mf.Metric = append(mf.Metric, m)
		}
		if len(mf.Metric) == 0 {
			continue
		}
		out = append(out, mf)
	}
	return out
}

// WriteText writes every registered metric to w in the Prometheus text
// exposition format.
func WriteText(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families(GetSnapshots()) {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encoding metric %q: %w", mf.GetName(), err)
		}
	}
	return nil
}
