package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"agentpulse/internal/alerts"
	"agentpulse/internal/api"
	"agentpulse/internal/config"
	"agentpulse/internal/engine"
	"agentpulse/internal/gateway"
	"agentpulse/internal/hub"
	"agentpulse/internal/ingest"
	"agentpulse/internal/metrics"
	"agentpulse/internal/notify"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ingestion, alerting and the live dashboard API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	manager, logger := loadConfig()
	cfg := manager.Get()
	logger.Info("starting agentpulse", "version", appVersion, "config", manager.Path(), "timezone", cfg.Location().String())

	st, err := openStore(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer st.Close()

	recorder := metrics.NewRecorder()
	ring := alerts.NewStore(cfg.Alerts.RecentLimit)
	eng := engine.NewEngine(cfg.Alerts, logger, recorder, ring, st)
	h := hub.New(cfg.Hub.SendTimeout, logger, recorder)
	defer h.Close()

	opts := gateway.Options{
		Store:          st,
		Engine:         eng,
		Hub:            h,
		Alerts:         ring,
		Metrics:        recorder,
		Logger:         logger,
		Location:       cfg.Location(),
		SnapshotEvents: cfg.Hub.SnapshotEvents,
		SnapshotDays:   cfg.Hub.SnapshotDays,
	}
	publisher, err := notify.NewKafkaPublisher(cfg.Notify.Kafka, logger)
	if err != nil {
		logger.Warn("alert notifier disabled", "err", err)
	}
	if publisher != nil {
		defer publisher.Close()
		opts.Publisher = publisher
	}
	gw := gateway.New(opts)
	defer gw.Wait()

	ingest.StartREST(ctx, manager, gw, logger)
	ingest.StartTCPStream(ctx, manager, gw, logger)
	ingest.StartFileTail(ctx, manager, gw, logger)
	ingest.StartKafka(ctx, manager, gw, logger)
	api.Start(ctx, manager, api.Deps{Gateway: gw, Store: st, Engine: eng, Metrics: recorder}, logger, appVersion)

	if rc := cfg.Status.Redis; rc.Enabled {
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		defer client.Close()
		reporter := metrics.NewStatusReporter(instanceName(), client, recorder, rc.Interval, logger)
		reporter.Start(ctx)
		defer reporter.Stop()
		logger.Info("status reporter enabled", "addr", rc.Addr, "key", reporter.Key())
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go manager.Watch(0, func(next *config.Config) {
		eng.UpdateConfig(next.Alerts)
		logger.Info("config reloaded", "path", manager.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stopWatch)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
