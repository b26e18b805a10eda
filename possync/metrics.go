// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package possync

import "sync/atomic"

// serviceMetrics tracks cumulative push outcomes for the status endpoint.
type serviceMetrics struct {
	pushes    atomic.Int64
	accepted  atomic.Int64
	conflicts atomic.Int64
	rejected  atomic.Int64

	// Pushes whose reported watermark was ahead of the authority's.
	watermarkAhead atomic.Int64
}

func (m *serviceMetrics) observePush(resp *PushResponse) {
	if resp == nil {
		return
	}
	m.pushes.Add(1)
	for _, st := range resp.Statuses {
		switch st.Status {
		case StAccepted:
			m.accepted.Add(1)
		case StConflict:
			m.conflicts.Add(1)
		case StRejected:
			m.rejected.Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time view of the push counters.
type MetricsSnapshot struct {
	Pushes         int64 `json:"pushes"`
	Accepted       int64 `json:"accepted"`
	Conflicts      int64 `json:"conflicts"`
	Rejected       int64 `json:"rejected"`
	WatermarkAhead int64 `json:"watermark_ahead"`
}

// Metrics returns the current counters.
func (s *SyncService) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Pushes:         s.metrics.pushes.Load(),
		Accepted:       s.metrics.accepted.Load(),
		Conflicts:      s.metrics.conflicts.Load(),
		Rejected:       s.metrics.rejected.Load(),
		WatermarkAhead: s.metrics.watermarkAhead.Load(),
	}
}
