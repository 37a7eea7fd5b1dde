package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/model"
	"main/internal/oms"
	"main/internal/persist"
	"main/pkg/exception"
)

// Config points recovery at the durable state.
type Config struct {
	WALDir    string
	WALPrefix string
}

// Report is the structured audit record of one recovery run.
type Report struct {
	SnapshotSeq     uint64
	SnapshotOrders  int
	WALRecords      int
	Orphans         int
	Strays          int
	Mismatches      int
	Positions       int
	Took            time.Duration
}

// Manager orchestrates the startup sequence: load the last snapshot,
// populate the ledger, replay the WAL tail, reconcile against live
// exchange state, and only then open the submission gate.
type Manager struct {
	cfg       Config
	ledger    *oms.Ledger
	snapshots *persist.SnapshotStore
	recon     oms.Reconciler
	manager   *oms.Manager
}

// NewManager wires the recovery sequence.
func NewManager(cfg Config, ledger *oms.Ledger, snapshots *persist.SnapshotStore, recon oms.Reconciler, manager *oms.Manager) *Manager {
	return &Manager{
		cfg:       cfg,
		ledger:    ledger,
		snapshots: snapshots,
		recon:     recon,
		manager:   manager,
	}
}

// Run executes the recovery gate. On any fatal error the gate stays
// closed and no order submission is accepted.
func (m *Manager) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report

	snap, err := m.snapshots.LoadLatest()
	switch {
	case err == nil:
		m.ledger.Restore(snap.Orders, snap.Positions, snap.LastSeq)
		report.SnapshotSeq = snap.LastSeq
		report.SnapshotOrders = len(snap.Orders)
		logs.Infof("recovery: snapshot loaded orders=%d positions=%d last_seq=%d",
			len(snap.Orders), len(snap.Positions), snap.LastSeq)
	case errors.Is(err, exception.ErrNoSnapshot):
		logs.Info("recovery: no snapshot, cold start")
	default:
		return report, yerrors.Wrap(err, "load snapshot")
	}

	replayed, err := m.replayWAL(snap.LastSeq)
	if err != nil {
		return report, yerrors.Wrap(err, "replay wal")
	}
	report.WALRecords = replayed

	reconReport, err := m.recon.Reconcile(ctx)
	if err != nil {
		return report, yerrors.Wrap(err, "startup reconciliation")
	}
	report.Orphans = len(reconReport.Orphans)
	report.Strays = len(reconReport.Strays)
	report.Mismatches = len(reconReport.Mismatches)
	report.Positions = reconReport.PositionsOverwritten

	m.manager.SetAccepting(true)
	report.Took = time.Since(start)
	logs.Infof("recovery: complete snapshot_seq=%d snapshot_orders=%d wal_records=%d orphans=%d strays=%d mismatches=%d positions=%d took=%s",
		report.SnapshotSeq, report.SnapshotOrders, report.WALRecords,
		report.Orphans, report.Strays, report.Mismatches, report.Positions, report.Took)
	return report, nil
}

// replayWAL applies the tail of the append log past the snapshot's
// sequence: terminal order transitions the snapshot missed and position
// changes newer than the restored ones.
func (m *Manager) replayWAL(snapshotSeq uint64) (int, error) {
	applied := 0
	err := persist.ReplayWAL(m.cfg.WALDir, m.cfg.WALPrefix, func(header persist.RecordHeader, payload []byte) error {
		switch header.Type {
		case persist.RecordOrder:
			if snapshotSeq > 0 && header.Seq <= snapshotSeq {
				return nil
			}
			var order model.Order
			if err := sonic.ConfigStd.Unmarshal(payload, &order); err != nil {
				return err
			}
			if err := m.ledger.Overwrite(order); err != nil {
				var unknown *exception.UnknownOrderError
				if !errors.As(err, &unknown) {
					return err
				}
				// Created after the snapshot was cut: restore the
				// terminal record wholesale.
				if err := m.ledger.Add(order); err != nil {
					return err
				}
			}
			applied++
		case persist.RecordPosition:
			var p model.Position
			if err := sonic.ConfigStd.Unmarshal(payload, &p); err != nil {
				return err
			}
			current := m.ledger.Position(p.Symbol)
			if !p.LastUpdated.After(current.LastUpdated) {
				return nil
			}
			m.ledger.SetPosition(p)
			applied++
		}
		return nil
	})
	if err != nil {
		return applied, err
	}
	return applied, nil
}
