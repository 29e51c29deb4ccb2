// Copyright 2024 Coinbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coinbase/chainledger/utils"
)

// MemoryCollector reports the process memory profile on each scrape. It
// implements the prometheus.Collector interface, sourcing its values
// from utils.MonitorMemoryUsage so the figures match what the rest of
// the codebase logs.
type MemoryCollector struct {
	heapDesc        *prometheus.Desc
	stackDesc       *prometheus.Desc
	systemDesc      *prometheus.Desc
	otherSystemDesc *prometheus.Desc
	gcDesc          *prometheus.Desc
}

// NewMemoryCollector creates a collector for the current process.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		heapDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "heap_mb"),
			"Heap memory currently allocated, in megabytes.",
			nil, nil,
		),
		stackDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "stack_mb"),
			"Stack memory currently in use, in megabytes.",
			nil, nil,
		),
		systemDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "system_mb"),
			"Total memory obtained from the operating system, in megabytes.",
			nil, nil,
		),
		otherSystemDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "other_system_mb"),
			"Runtime off-heap memory, in megabytes.",
			nil, nil,
		),
		gcDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "garbage_collections_total"),
			"Completed garbage collection cycles.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *MemoryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.heapDesc
	ch <- c.stackDesc
	ch <- c.systemDesc
	ch <- c.otherSystemDesc
	ch <- c.gcDesc
}

// Collect implements prometheus.Collector.
func (c *MemoryCollector) Collect(ch chan<- prometheus.Metric) {
	usage := utils.MonitorMemoryUsage(context.Background(), -1)

	ch <- prometheus.MustNewConstMetric(c.heapDesc, prometheus.GaugeValue, usage.Heap)
	ch <- prometheus.MustNewConstMetric(c.stackDesc, prometheus.GaugeValue, usage.Stack)
	ch <- prometheus.MustNewConstMetric(c.systemDesc, prometheus.GaugeValue, usage.System)
	ch <- prometheus.MustNewConstMetric(c.otherSystemDesc, prometheus.GaugeValue, usage.OtherSystem)
	ch <- prometheus.MustNewConstMetric(c.gcDesc, prometheus.CounterValue, float64(usage.GarbageCollections))
}

var memoryCollectorRegistered atomic.Bool

func registerMemoryCollector() {
	if memoryCollectorRegistered.CompareAndSwap(false, true) {
		prometheus.MustRegister(NewMemoryCollector())
	}
}
