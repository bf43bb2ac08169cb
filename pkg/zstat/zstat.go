// Copyright 2024 The zpagealloc Authors.
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

// Package zstat exports pkg/pagealloc's per-NUMA-node snapshot (spec
// §6.1 "stats") as Prometheus gauges, one label set per (numa_id,
// generation).
package zstat

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zpagealloc/zpagealloc/pkg/pagealloc"
)

// Source is the subset of *pagealloc.Allocator the exporter depends on.
type Source interface {
	Stats(gen pagealloc.Generation) []pagealloc.NodeStats
}

// Exporter is a prometheus.Collector snapshotting a Source's CacheState
// on every scrape.
type Exporter struct {
	src Source

	capacity      *prometheus.GaugeVec
	used          *prometheus.GaugeVec
	cacheSize     *prometheus.GaugeVec
	claimed       *prometheus.GaugeVec
	currentMax    *prometheus.GaugeVec
	maxCapacity   *prometheus.GaugeVec
	highWatermark *prometheus.GaugeVec
	lowWatermark  *prometheus.GaugeVec
}

// NewExporter constructs an Exporter reading from src. Register it with a
// prometheus.Registry the way the teacher's command wires its own
// collectors.
func NewExporter(src Source) *Exporter {
	labels := []string{"numa_id", "generation"}
	mk := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zpagealloc",
			Name:      name,
			Help:      help,
		}, labels)
	}
	return &Exporter{
		src:           src,
		capacity:      mk("capacity_bytes", "Committed physical capacity per NUMA node."),
		used:          mk("used_bytes", "Bytes currently handed out as live pages."),
		cacheSize:     mk("cache_bytes", "Bytes retained in the mapped cache."),
		claimed:       mk("claimed_bytes", "Bytes claimed but not yet committed/mapped."),
		currentMax:    mk("current_max_bytes", "Current (possibly lowered) capacity ceiling."),
		maxCapacity:   mk("max_capacity_bytes", "Configured maximum capacity."),
		highWatermark: mk("high_watermark_bytes", "Highest used_per_generation observed."),
		lowWatermark:  mk("low_watermark_bytes", "Lowest used_per_generation observed."),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, v := range e.vecs() {
		v.Describe(ch)
	}
}

// Collect implements prometheus.Collector: it snapshots both generations
// for every NUMA node under the allocator lock (via Source.Stats) and
// republishes them as gauges.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	for _, gen := range []pagealloc.Generation{pagealloc.Young, pagealloc.Old} {
		genLabel := generationLabel(gen)
		for _, s := range e.src.Stats(gen) {
			id := strconv.Itoa(s.NUMAID)
			e.capacity.WithLabelValues(id, genLabel).Set(float64(s.Capacity))
			e.used.WithLabelValues(id, genLabel).Set(float64(s.Used))
			e.cacheSize.WithLabelValues(id, genLabel).Set(float64(s.CacheSize))
			e.claimed.WithLabelValues(id, genLabel).Set(float64(s.Claimed))
			e.currentMax.WithLabelValues(id, genLabel).Set(float64(s.CurrentMax))
			e.maxCapacity.WithLabelValues(id, genLabel).Set(float64(s.MaxCapacity))
			e.highWatermark.WithLabelValues(id, genLabel).Set(float64(s.HighWatermark))
			e.lowWatermark.WithLabelValues(id, genLabel).Set(float64(s.LowWatermark))
		}
	}
	for _, v := range e.vecs() {
		v.Collect(ch)
	}
}

func (e *Exporter) vecs() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		e.capacity, e.used, e.cacheSize, e.claimed,
		e.currentMax, e.maxCapacity, e.highWatermark, e.lowWatermark,
	}
}

func generationLabel(gen pagealloc.Generation) string {
	if gen == pagealloc.Old {
		return "old"
	}
	return "young"
}
