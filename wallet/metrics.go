// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusBlocksApplied      prometheus.Counter
	prometheusReorgs             prometheus.Counter
	prometheusReorgRetries       prometheus.Counter
	prometheusReservations       *prometheus.CounterVec
	prometheusOutputsCreated     prometheus.Counter
	prometheusOutputsConsumed    prometheus.Counter
	prometheusMempoolTxs         prometheus.Counter
	prometheusTipHeight          prometheus.Gauge
	prometheusBlockProcessErrors *prometheus.CounterVec

	// only init the metrics once
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusBlocksApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletcore",
			Name:      "blocks_applied",
			Help:      "Number of blocks applied to the ledger",
		},
	)
	prometheusReorgs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletcore",
			Name:      "reorgs",
			Help:      "Number of reorgs applied to the ledger",
		},
	)
	prometheusReorgRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletcore",
			Name:      "reorg_retries",
			Help:      "Number of reorg attempts retried from the ancestor",
		},
	)
	prometheusReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletcore",
			Name:      "reservations",
			Help:      "Number of output reservation events",
		},
		[]string{
			"event", // reserved, cancelled, expired or exhausted
		},
	)
	prometheusOutputsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletcore",
			Name:      "outputs_created",
			Help:      "Number of wallet outputs added to the ledger",
		},
	)
	prometheusOutputsConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletcore",
			Name:      "outputs_consumed",
			Help:      "Number of wallet outputs spent",
		},
	)
	prometheusMempoolTxs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletcore",
			Name:      "mempool_transactions",
			Help:      "Number of unconfirmed wallet transactions recorded",
		},
	)
	prometheusTipHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "walletcore",
			Name:      "tip_height",
			Help:      "Height of the ledger tip",
		},
	)
	prometheusBlockProcessErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletcore",
			Name:      "block_process_errors",
			Help:      "Number of blocks that failed to apply",
		},
		[]string{
			"stage", // parse or apply
		},
	)
}
