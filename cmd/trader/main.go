package main

import (
	"context"
	"flag"
	"log"
	"sync"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"main/internal/bus"
	"main/internal/connector"
	"main/internal/connector/binance"
	"main/internal/obs"
	"main/internal/oms"
	"main/internal/ops"
	"main/internal/persist"
	"main/internal/recon"
	"main/internal/recovery"
	"main/internal/risk"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	if loaded.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "trader",
			ServerAddress:   loaded.Profiling.ServerAddress,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("pyroscope start, err: %+v", err)
		} else {
			defer profiler.Stop()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := obs.NewMetrics()
	loaded.Retry.OnRetry = metrics.IncRetry

	limiter := connector.NewRateLimiter(loaded.RateLimit)
	exchange := binance.New(loaded.Connector, limiter, loaded.Retry)

	wal, err := persist.NewWALWriter(loaded.WAL)
	if err != nil {
		log.Fatalf("open wal failed: %v", err)
	}
	if err := wal.Start(ctx); err != nil {
		log.Fatalf("start wal failed: %v", err)
	}
	snapshots := persist.NewSnapshotStore(loaded.PersistDir, loaded.SnapshotKeep)

	var archive *persist.Archive
	if loaded.ArchiveEnabled {
		archive, err = persist.NewArchive(loaded.Archive)
		if err != nil {
			log.Fatalf("open archive failed: %v", err)
		}
		defer archive.Close()
	}

	ledger := oms.NewLedger()
	queue := bus.NewQueue(4096)
	gate := risk.NewEngine(loaded.Risk)
	reconciler := recon.NewEngine(exchange, ledger)

	manager := oms.NewManager(loaded.Manager, ledger, exchange, gate, queue,
		wal, snapshots, archive, metrics, reconciler)

	var wg sync.WaitGroup

	// The stream connects before recovery so reconciliation runs against a
	// live event feed; updates raced during recovery replay idempotently.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := exchange.Run(ctx); err != nil && ctx.Err() == nil {
			logs.Errorf("exchange stream stopped, err: %+v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range exchange.Events() {
			if err := queue.TryPublish(e); err != nil {
				logs.Errorf("publish stream event, err: %+v", err)
			}
		}
	}()

	recoverer := recovery.NewManager(recovery.Config{
		WALDir:    loaded.PersistDir,
		WALPrefix: loaded.WAL.FilePrefix,
	}, ledger, snapshots, reconciler, manager)

	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()

	report, err := recoverer.Run(ctx)
	if err != nil {
		log.Fatalf("recovery failed: %v", err)
	}
	logs.Infof("trader ready orders=%d wal_records=%d took=%s",
		report.SnapshotOrders, report.WALRecords, report.Took)

	select {
	case <-sys.Shutdown():
		logs.Info("shutdown signal received")
	case <-ctx.Done():
	}

	manager.Shutdown(context.Background())
	queue.Close()
	cancel()
	wg.Wait()
	logs.Infof("trader stopped rate_limiter=%+v stream=%+v", exchange.Stats(), exchange.StreamStats())
}
