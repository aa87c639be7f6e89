/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package exporter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gierens/rft/pkg/connection"
	"github.com/gierens/rft/pkg/flowctl"
)

type info struct {
	description *prometheus.Desc
	supplier    func(snap flowctl.Snapshot, labelValues []string) prometheus.Metric
}

type connEntry struct {
	flow   *flowctl.Controller
	labels []string
}

// ConnectionCollector publishes each tracked connection's congestion and
// flow-control state as Prometheus gauges. There's no kernel TCP_INFO for
// a protocol built on UDP; the numbers the flow controller already keeps
// for its own AIMD logic take that role instead.
type ConnectionCollector struct {
	conns map[*connection.Connection]connEntry
	mu    sync.Mutex
	infos []info
}

func (t *ConnectionCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range t.infos {
		descs <- info.description
	}
}

func (t *ConnectionCollector) Collect(metrics chan<- prometheus.Metric) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.conns {
		snap := entry.flow.Snapshot()
		for _, info := range t.infos {
			metrics <- info.supplier(snap, entry.labels)
		}
	}
}

// Add starts publishing metrics for conn, labelled with labels (matching
// connectionLabels passed to NewConnectionCollector).
func (t *ConnectionCollector) Add(conn *connection.Connection, labels []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conns[conn] = connEntry{
		flow:   conn.Flow,
		labels: labels,
	}
}

// Remove stops publishing metrics for conn, once it has closed.
func (t *ConnectionCollector) Remove(conn *connection.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.conns, conn)
}

func NewConnectionCollector(
	prefix string,
	connectionLabels []string, // connectionLabels are known up front for the collector and values are provided when adding a connection.
	constLabels prometheus.Labels, // constLabels is meant for labels with values that are constant for the whole process.
) *ConnectionCollector {
	t := ConnectionCollector{ //nolint:exhaustivestruct
		conns: make(map[*connection.Connection]connEntry),
	}
	t.addMetrics(prefix, connectionLabels, constLabels)
	return &t
}

func (t *ConnectionCollector) addMetrics(prefix string, connectionLabels []string, constLabels prometheus.Labels) {
	add := func(name, help string, value func(flowctl.Snapshot) float64) {
		desc := prometheus.NewDesc(prefix+name, help, connectionLabels, constLabels)
		t.infos = append(t.infos, info{
			description: desc,
			supplier: func(snap flowctl.Snapshot, labelValues []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value(snap), labelValues...)
			},
		})
	}

	add("snd_cwnd_bytes", "local congestion window in bytes", func(s flowctl.Snapshot) float64 {
		return float64(s.CwndBytes)
	})
	add("snd_ssthresh_bytes", "slow-start threshold in bytes", func(s flowctl.Snapshot) float64 {
		return float64(s.SSThreshBytes)
	})
	add("peer_window_bytes", "peer-advertised receive window in bytes", func(s flowctl.Snapshot) float64 {
		return float64(s.PeerWindowBytes)
	})
	add("bytes_in_flight", "unacknowledged bytes currently outstanding", func(s flowctl.Snapshot) float64 {
		return float64(s.BytesInFlight)
	})
	add("consecutive_zero_windows", "consecutive zero-window advertisements from the peer", func(s flowctl.Snapshot) float64 {
		return float64(s.ConsecutiveZero)
	})
}
