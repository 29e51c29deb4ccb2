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

package processor

import (
	"github.com/coinbase/chainledger/metrics"
	"github.com/coinbase/chainledger/types"
)

var (
	metricBlocksProcessed = metrics.LazyLoadCounter("processor_blocks_processed_count")
	metricDeltasGenerated = metrics.LazyLoadCounterVec("processor_deltas_generated_count", []string{"type"})
	metricRewinds         = metrics.LazyLoadCounter("processor_rewinds_count")
	metricFlushDuration   = metrics.LazyLoadHistogram("processor_flush_duration_ms", metrics.Bucket10s)
	metricCacheEntries    = metrics.LazyLoadGaugeVec("processor_cache_entries", []string{"cache"})
)

func metricsHandleDeltas(deltas []*types.Delta) {
	if metrics.NoOp() {
		return
	}

	counts := make(map[types.DeltaType]int64)
	for _, delta := range deltas {
		counts[delta.Type]++
	}
	for kind, count := range counts {
		metricDeltasGenerated().AddWithLabel(count, map[string]string{"type": string(kind)})
	}
}
