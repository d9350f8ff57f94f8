// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics exports the pool's statistics surface as Prometheus
// gauges. The syncing context refreshes the gauges at the end of every
// committed TXG; main exposes them over the usual /metrics handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/asch/bspool/internal/pool/phys"
)

var (
	blocksCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bspool_blocks_count",
		Help: "Number of committed blocks in the pool (excluding the pending object).",
	})
	blocksBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bspool_blocks_bytes",
		Help: "Bytes of committed block payload in the pool.",
	})
	pendingFreesCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bspool_pending_frees_count",
		Help: "Number of freed blocks not yet reclaimed from their data objects.",
	})
	pendingFreesBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bspool_pending_frees_bytes",
		Help: "Bytes of freed blocks not yet reclaimed from their data objects.",
	})
	objectsCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bspool_objects_count",
		Help: "Number of data objects in the pool.",
	})
)

// Update refreshes the gauges from a stats snapshot.
func Update(stats phys.PoolStatsPhys) {
	blocksCount.Set(float64(stats.BlocksCount))
	blocksBytes.Set(float64(stats.BlocksBytes))
	pendingFreesCount.Set(float64(stats.PendingFreesCount))
	pendingFreesBytes.Set(float64(stats.PendingFreesBytes))
	objectsCount.Set(float64(stats.ObjectsCount))
}
