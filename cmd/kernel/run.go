package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"rvsmp/fs"
	"rvsmp/klog"
	"rvsmp/ksyscall"
	"rvsmp/metrics"
	"rvsmp/sbi"
)

// openDisk picks the disk backend: a host file when a path was given,
// otherwise a fresh in-memory disk (which always needs formatting).
func openDisk(cfg bootConfig) (fs.Disk, bool, error) {
	if cfg.DiskPath == "" {
		return fs.NewMemDisk(cfg.Blocks), true, nil
	}
	disk, err := fs.OpenFileDisk(cfg.DiskPath, cfg.Format, cfg.Blocks)
	if err != nil {
		return nil, false, err
	}
	return disk, cfg.Format, nil
}

func boot(cfg bootConfig) (*ksyscall.System, error) {
	disk, format, err := openDisk(cfg)
	if err != nil {
		return nil, err
	}
	sys, err := ksyscall.Boot(ksyscall.BootOptions{
		NumHarts:    cfg.Harts,
		MemFrames:   cfg.MemFrames,
		Disk:        disk,
		Format:      format,
		TotalBlocks: cfg.Blocks,
		InodeCount:  cfg.Inodes,
		InitProgram: demoProgram(cfg.DeadlockDetect),
	})
	if err != nil {
		return nil, err
	}
	return sys, nil
}

// runHarts brings every hart's idle loop up — hart 0 directly (the boot
// hart), the rest through the SBI hart-start path, the same sequence a
// boot hart uses for its secondaries — and runs the timer pump until
// the init process exits or the deadline passes. onTick, if non-nil,
// runs on every pump iteration.
func runHarts(sys *ksyscall.System, cfg bootConfig, logger *slog.Logger, onTick func()) error {
	g, ctx := errgroup.WithContext(context.Background())
	stop := make(chan struct{})
	var stopOnce sync.Once
	halt := func() { stopOnce.Do(func() { close(stop) }) }

	tree := sbi.StaticDeviceTree{HartCount: cfg.Harts}
	sim := sbi.NewSim(os.Stdout, os.Stdin, func(hartID int, _, _ uint64) {
		h := sys.Mgr.Hart(hartID)
		hlog := klog.ForHart(logger, hartID)
		g.Go(func() error {
			hlog.Debug("hart up")
			h.IdleLoop(stop)
			return nil
		})
	})

	g.Go(func() error {
		klog.ForHart(logger, 0).Debug("hart up")
		sys.Mgr.Hart(0).IdleLoop(stop)
		return nil
	})
	bootCtx := sbi.WithHart(context.Background(), 0)
	for i := 1; i < tree.SMP(); i++ {
		if err := sim.HartStart(bootCtx, i, 0, 0); err != nil {
			halt()
			return err
		}
	}

	deadline := time.Now().Add(time.Duration(cfg.RunMs) * time.Millisecond)
	g.Go(func() error {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				halt()
				return nil
			case <-ticker.C:
				sys.PumpTimers(time.Now().UnixMilli())
				if onTick != nil {
					onTick()
				}
				if time.Now().After(deadline) || sys.Mgr.LiveProcesses() == 0 {
					halt()
					return nil
				}
			}
		}
	})

	return g.Wait()
}

func serveMetrics(addr string, sys *ksyscall.System, logger *slog.Logger) {
	reg := prometheus.NewRegistry()
	metrics.Register(reg, sys)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics listener failed", "addr", addr, "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
}

func runKernel(cfg bootConfig) error {
	logger := klog.Setup(klog.Options{FilePath: cfg.LogFile, Level: cfg.LogLevel})

	sys, err := boot(cfg)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	if cfg.MetricsAddr != "" {
		serveMetrics(cfg.MetricsAddr, sys, logger)
	}
	if err := runHarts(sys, cfg, logger, nil); err != nil {
		return err
	}
	if err := sys.FS.SyncAll(); err != nil {
		return err
	}
	hits, misses, _ := sys.CacheCounters()
	logger.Info("shutdown", "cache_hits", hits, "cache_misses", misses,
		"free_frames", sys.FreeFrames())
	return nil
}

func dumpProfile(cfg bootConfig) error {
	logger := klog.Setup(klog.Options{FilePath: cfg.LogFile, Level: cfg.LogLevel})

	sys, err := boot(cfg)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	// Threads leave the pid map as they exit, so sample on every pump
	// tick and keep the last non-empty snapshot.
	var samples []metrics.ThreadSample
	err = runHarts(sys, cfg, logger, func() {
		if s := metrics.CollectSamples(sys.Mgr); len(s) > 0 {
			samples = s
		}
	})
	if err != nil {
		return err
	}
	out, err := os.Create(cfg.ProfileOut)
	if err != nil {
		return err
	}
	defer out.Close()
	if err := metrics.WriteSchedProfile(out, samples); err != nil {
		return err
	}
	logger.Info("wrote scheduler profile", "path", cfg.ProfileOut, "threads", len(samples))
	return nil
}
