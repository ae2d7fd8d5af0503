/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics exposes Prometheus collectors for the sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Edge delivery metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "viewguard_edge_queue_depth",
			Help: "Current depth of the durable event queue",
		},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewguard_edge_events_delivered_total",
			Help: "Events by terminal delivery outcome",
		},
		[]string{"outcome"},
	)

	DeliveryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "viewguard_edge_delivery_retries_total",
			Help: "Event delivery attempts that were re-enqueued",
		},
	)

	// Clip store metrics
	ClipsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewguard_edge_clips_evicted_total",
			Help: "Clips removed by the eviction sweep, by reason",
		},
		[]string{"reason"},
	)

	RecordingPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "viewguard_edge_recording_paused",
			Help: "1 while recording is paused for disk pressure",
		},
	)

	DiskUsedPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "viewguard_edge_disk_used_percent",
			Help: "Disk usage of the clip store volume",
		},
	)

	// Private node metrics
	EventsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewguard_node_events_upserted_total",
			Help: "Event cache upserts by result (inserted, duplicate)",
		},
		[]string{"result"},
	)

	ArchiveSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewguard_node_archive_submissions_total",
			Help: "Archive submissions by outcome",
		},
		[]string{"outcome"},
	)

	QuotaCommittedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "viewguard_node_quota_committed_bytes",
			Help: "Committed archive bytes per tenant",
		},
		[]string{"tenant"},
	)

	StreamRelays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewguard_node_stream_relays_total",
			Help: "Stream relay attempts by outcome",
		},
		[]string{"outcome"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "viewguard_node_active_sessions",
			Help: "Currently bound device tunnel sessions",
		},
	)
)
