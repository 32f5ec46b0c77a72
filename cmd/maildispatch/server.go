package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/busybox42/maildispatch/internal/cache"
	"github.com/busybox42/maildispatch/internal/config"
	"github.com/busybox42/maildispatch/internal/delivery"
	"github.com/busybox42/maildispatch/internal/dispatch"
	"github.com/busybox42/maildispatch/internal/garbage"
	"github.com/busybox42/maildispatch/internal/logging"
	"github.com/busybox42/maildispatch/internal/metrics"
	"github.com/busybox42/maildispatch/internal/queue"
	"github.com/busybox42/maildispatch/internal/receiver"
	"github.com/busybox42/maildispatch/internal/storage"
)

func newServerCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the dispatch server",
		Long:  "Start the receiver, the delivery workers and the snapshot syncer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				cfg.Receiver.Listen = listen
			}
			if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
				cfg.Sender.Workers = workers
			}
			if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
				cfg.SMTP.DryRun = true
			}
			return runServer(cfg)
		},
	}

	cmd.Flags().String("listen", "", "receiver listen address (overrides config)")
	cmd.Flags().Int("workers", 0, "number of delivery workers (overrides config)")
	cmd.Flags().Bool("dry-run", false, "compose messages without relaying them")
	return cmd
}

func runServer(cfg *config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	if err := a.start(context.Background()); err != nil {
		a.shutdown()
		return err
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalChan
	a.logger.Info("Received signal, shutting down gracefully", "signal", sig.String())

	return a.shutdown()
}

// app holds every long running component of the server
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer

	bodyCache cache.Cache
	store     *queue.Store
	syncer    *storage.Syncer
	sender    *delivery.Sender
	sched     *dispatch.Scheduler
	receiver  *receiver.Server
	collector *garbage.Collector

	metrics  *metrics.Metrics
	httpSrv  *metrics.Server
	valkey   *metrics.ValkeyStore
	syncStop context.CancelFunc
	syncDone chan struct{}
}

// newApp builds the components and loads the snapshots
func newApp(cfg *config.Config) (*app, error) {
	level := cfg.Logging.Level
	if cfg.Common.Debug {
		level = "debug"
	}
	logger, closer, err := logging.New(logging.Options{
		Type:   cfg.Logging.Type,
		Level:  level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, logCloser: closer}

	if err := os.MkdirAll(cfg.DB.Dir, 0700); err != nil {
		closer.Close()
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	if cfg.Cache.Type != "none" {
		c, err := cache.New(cache.Config{
			Type:     cfg.Cache.Type,
			Prefix:   "maildispatch:",
			Host:     cfg.Cache.Host,
			Port:     cfg.Cache.Port,
			Password: cfg.Cache.Password,
			Database: cfg.Cache.Database,
			Timeout:  2 * time.Second,
		})
		if err != nil {
			closer.Close()
			return nil, err
		}
		if err := c.Connect(); err != nil {
			logger.Warn("Body cache unavailable, reading bodies from disk", "type", cfg.Cache.Type, "error", err)
		} else {
			a.bodyCache = c
		}
	}

	bodies := storage.NewBodyStore(cfg.DB.Dir, a.bodyCache, config.Seconds(cfg.DB.BodyCacheTTL), logger)
	a.store = queue.NewStore(queue.Options{
		MaxPriority: cfg.Sender.MaxPriority,
		PauseOffset: cfg.Sender.PauseOffset,
	}, bodies)

	policy, err := storage.PolicyFromPairs(cfg.DB.Sync)
	if err != nil {
		a.shutdown()
		return nil, err
	}
	a.syncer = storage.NewSyncer(cfg.DB.Dir, policy, config.Seconds(cfg.DB.SyncInterval), logger, a.store.Collections()...)
	if err := a.syncer.LoadAll(); err != nil {
		a.shutdown()
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	logger.Info("Snapshots loaded",
		"messages", a.store.Messages.Len(),
		"entries", a.store.Entries.Len(),
		"groups", len(a.store.Groups.All()))

	a.sender = delivery.NewSender(delivery.Config{
		Host:     cfg.SMTP.Hostname,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		SSL:      cfg.SMTP.SSL,
		HeloName: cfg.Common.Hostname,
		Timeout:  config.Seconds(cfg.SMTP.Timeout),
		DryRun:   cfg.SMTP.DryRun,

		AttachImages: cfg.Sender.AttachImages,
		ImageTimeout: config.Seconds(cfg.Sender.ImageTimeout),
		ImageCache:   a.bodyCache,
	}, a.store.Messages, logger)

	a.sched = dispatch.NewScheduler(a.store, a.sender, dispatch.Config{
		Workers:       cfg.Sender.Workers,
		IntervalEmpty: config.Seconds(cfg.Sender.IntervalEmpty),
		IntervalNext:  config.Seconds(cfg.Sender.IntervalNext),
		Saturated:     100 * time.Millisecond,
		StopPoll:      config.Seconds(cfg.Sender.StopPoll),
	}, logger)

	a.receiver = receiver.NewServer(a.store, receiver.Config{
		ListenAddr:  cfg.Receiver.Listen,
		MaxLength:   cfg.Receiver.MaxLength,
		MaxPriority: cfg.Sender.MaxPriority,
	}, logger)

	if cfg.Garbage.Enabled {
		a.collector = garbage.NewCollector(a.store.Messages, garbage.Config{
			Interval: time.Duration(cfg.Garbage.Interval) * time.Second,
			OldLast:  time.Duration(cfg.Garbage.OldLast) * time.Second,
			OldTime:  time.Duration(cfg.Garbage.OldTime) * time.Second,
		}, logger)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(reg, reg)
	a.metrics.RegisterQueue(a.store, a.sched)
	a.sched.AddMetricsRecorder(a.metrics)
	a.syncer.SetObserver(a.metrics)
	a.receiver.SetObserver(a.metrics)
	if a.collector != nil {
		a.collector.SetObserver(a.metrics)
	}

	if cfg.Metrics.ValkeyAddr != "" {
		vs, err := metrics.NewValkeyStore(cfg.Metrics.ValkeyAddr)
		if err != nil {
			logger.Warn("Valkey metrics mirror unavailable", "addr", cfg.Metrics.ValkeyAddr, "error", err)
		} else {
			a.valkey = vs
			a.sched.AddMetricsRecorder(vs)
		}
	}

	if cfg.Metrics.Enabled {
		a.httpSrv = metrics.NewServer(cfg.Metrics.Listen, a.metrics, a.store, a.sched, a.valkey, logger)
	}

	return a, nil
}

// start launches the components in dependency order
func (a *app) start(ctx context.Context) error {
	syncCtx, cancel := context.WithCancel(ctx)
	a.syncStop = cancel
	a.syncDone = make(chan struct{})
	go func() {
		defer close(a.syncDone)
		_ = a.syncer.Run(syncCtx)
	}()

	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := a.receiver.Start(); err != nil {
		return err
	}
	if a.collector != nil {
		a.collector.Start(ctx)
	}
	if a.httpSrv != nil {
		if err := a.httpSrv.Start(); err != nil {
			return err
		}
	}

	a.logger.Info("maildispatch started",
		"receiver", a.receiver.Addr().String(),
		"workers", a.cfg.Sender.Workers,
		"dry_run", a.cfg.SMTP.DryRun)
	return nil
}

// shutdown stops admissions first, then deliveries, then writes the final
// snapshots
func (a *app) shutdown() error {
	var errs []error

	if a.receiver != nil {
		if err := a.receiver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("receiver: %w", err))
		}
	}
	if a.collector != nil {
		a.collector.Stop()
	}
	if a.sched != nil {
		if err := a.sched.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}

	if a.syncStop != nil {
		a.syncStop()
		<-a.syncDone
	}
	if a.syncer != nil {
		if err := a.syncer.FlushAll(); err != nil {
			errs = append(errs, fmt.Errorf("snapshots: %w", err))
		}
	}

	if a.httpSrv != nil {
		if err := a.httpSrv.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if a.valkey != nil {
		a.valkey.Close()
	}
	if a.bodyCache != nil {
		if err := a.bodyCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("body cache: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		a.logger.Error("Shutdown finished with errors", "error", err)
	} else {
		a.logger.Info("Shutdown complete")
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
	return err
}
