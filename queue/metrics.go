// Copyright 2026 The Persipubsub Authors
// This file is part of Persipubsub.
//
// Persipubsub is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Persipubsub is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Persipubsub. If not, see <http://www.gnu.org/licenses/>.

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the retention/depth signals a Queue exposes. They are
// registered against a caller-supplied prometheus.Registerer (falling
// back to a private prometheus.NewRegistry()) rather than the global
// default registerer, so that queues opened without a Registerer never
// collide on metric names. Two queues sharing one Registerer differ
// only by their "queue" label, so they collide if their Names match.
type metrics struct {
	messagesTotal    prometheus.Gauge
	approxSizeBytes  prometheus.Gauge
	danglingPruned   prometheus.Counter
	hwmPruned        prometheus.Counter
	cleanupDurations prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer, queueName string) *metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"queue": queueName}
	return &metrics{
		messagesTotal: f.NewGauge(prometheus.GaugeOpts{
			Name:        "persipubsub_messages_total",
			Help:        "Current number of messages tracked in meta_db.",
			ConstLabels: labels,
		}),
		approxSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name:        "persipubsub_approx_data_size_bytes",
			Help:        "Approximate size of data_db in bytes, per stat() page counts.",
			ConstLabels: labels,
		}),
		danglingPruned: f.NewCounter(prometheus.CounterOpts{
			Name:        "persipubsub_dangling_pruned_total",
			Help:        "Messages removed by prune_dangling_messages.",
			ConstLabels: labels,
		}),
		hwmPruned: f.NewCounter(prometheus.CounterOpts{
			Name:        "persipubsub_hwm_pruned_total",
			Help:        "Messages removed by prune_half_of_messages.",
			ConstLabels: labels,
		}),
		cleanupDurations: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "persipubsub_cleanup_seconds",
			Help:        "Wall-clock time spent in cleanup() calls triggered by put.",
			ConstLabels: labels,
		}),
	}
}
