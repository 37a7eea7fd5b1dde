package obs

import (
	"fmt"
	"sync/atomic"
)

// Metrics collects lightweight counters for the execution core.
// All methods are safe for concurrent use and never block.
type Metrics struct {
	submits          uint64
	submitRejects    uint64
	cancels          uint64
	modifies         uint64
	streamEvents     uint64
	staleUpdates     uint64
	quarantines      uint64
	reconnects       uint64
	reconcileRuns    uint64
	retries          uint64
	subscriberPanics uint64
	walDrops         uint64
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Submits          uint64
	SubmitRejects    uint64
	Cancels          uint64
	Modifies         uint64
	StreamEvents     uint64
	StaleUpdates     uint64
	Quarantines      uint64
	Reconnects       uint64
	ReconcileRuns    uint64
	Retries          uint64
	SubscriberPanics uint64
	WALDrops         uint64
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSubmit()          { atomic.AddUint64(&m.submits, 1) }
func (m *Metrics) IncSubmitReject()    { atomic.AddUint64(&m.submitRejects, 1) }
func (m *Metrics) IncCancel()          { atomic.AddUint64(&m.cancels, 1) }
func (m *Metrics) IncModify()          { atomic.AddUint64(&m.modifies, 1) }
func (m *Metrics) IncStreamEvent()     { atomic.AddUint64(&m.streamEvents, 1) }
func (m *Metrics) IncStaleUpdate()     { atomic.AddUint64(&m.staleUpdates, 1) }
func (m *Metrics) IncQuarantine()      { atomic.AddUint64(&m.quarantines, 1) }
func (m *Metrics) IncReconnect()       { atomic.AddUint64(&m.reconnects, 1) }
func (m *Metrics) IncReconcileRun()    { atomic.AddUint64(&m.reconcileRuns, 1) }
func (m *Metrics) IncRetry()           { atomic.AddUint64(&m.retries, 1) }
func (m *Metrics) IncSubscriberPanic() { atomic.AddUint64(&m.subscriberPanics, 1) }
func (m *Metrics) IncWALDrop()         { atomic.AddUint64(&m.walDrops, 1) }

// Snapshot captures the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Submits:          atomic.LoadUint64(&m.submits),
		SubmitRejects:    atomic.LoadUint64(&m.submitRejects),
		Cancels:          atomic.LoadUint64(&m.cancels),
		Modifies:         atomic.LoadUint64(&m.modifies),
		StreamEvents:     atomic.LoadUint64(&m.streamEvents),
		StaleUpdates:     atomic.LoadUint64(&m.staleUpdates),
		Quarantines:      atomic.LoadUint64(&m.quarantines),
		Reconnects:       atomic.LoadUint64(&m.reconnects),
		ReconcileRuns:    atomic.LoadUint64(&m.reconcileRuns),
		Retries:          atomic.LoadUint64(&m.retries),
		SubscriberPanics: atomic.LoadUint64(&m.subscriberPanics),
		WALDrops:         atomic.LoadUint64(&m.walDrops),
	}
}

// String renders the snapshot for the shutdown log line.
func (s Snapshot) String() string {
	return fmt.Sprintf(
		"submits=%d rejects=%d cancels=%d modifies=%d stream_events=%d stale=%d quarantines=%d reconnects=%d recon_runs=%d retries=%d subscriber_panics=%d wal_drops=%d",
		s.Submits, s.SubmitRejects, s.Cancels, s.Modifies, s.StreamEvents, s.StaleUpdates,
		s.Quarantines, s.Reconnects, s.ReconcileRuns, s.Retries, s.SubscriberPanics, s.WALDrops)
}
