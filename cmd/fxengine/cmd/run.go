package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/broker/bridge"
	"github.com/rustyeddy/fxengine/broker/sim"
	"github.com/rustyeddy/fxengine/config"
	"github.com/rustyeddy/fxengine/engine"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/logging"
	"github.com/rustyeddy/fxengine/metrics"
	"github.com/rustyeddy/fxengine/model"
	"github.com/rustyeddy/fxengine/notify"
	"github.com/rustyeddy/fxengine/replay"
	"github.com/rustyeddy/fxengine/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading engine",
	Long: `Run the engine with settings from a configuration file until interrupted.

With broker.type "sim" the simulator needs prices: pass --ticks to replay a
CSV file (time,instrument,bid,ask). The simulator and the engine then run
on the recorded clock. SIGHUP reloads the configuration file.

Example:
  fxengine run -f fxengine.yaml --ticks ticks/eurusd-2026-10.csv --speed 120`,
	RunE: runRun,
}

var (
	runConfigPath string
	runTicksPath  string
	runSpeed      float64
	runFrom       string
	runTo         string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (YAML or JSON) (required)")
	runCmd.Flags().StringVar(&runTicksPath, "ticks", "", "tick CSV replayed into the sim broker")
	runCmd.Flags().Float64Var(&runSpeed, "speed", 60, "replay speed multiplier, 0 replays without pauses")
	runCmd.Flags().StringVar(&runFrom, "from", "", "optional RFC3339 replay start time")
	runCmd.Flags().StringVar(&runTo, "to", "", "optional RFC3339 replay end time")
	runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(runConfigPath, envPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	opts := []engine.Option{engine.WithLogger(logger), engine.WithMetrics(m)}

	var feed *replay.Feed
	var clock *replay.Clock
	var b broker.Broker
	switch cfg.Broker.Type {
	case "bridge":
		b, err = bridge.New(bridge.Config{URL: cfg.Broker.URL, WSURL: cfg.Broker.WSURL, Token: cfg.Broker.Token},
			bridge.WithLogger(logger.Named("bridge")))
		if err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
	default:
		if runTicksPath != "" {
			if feed, err = openFeed(); err != nil {
				return err
			}
			defer feed.Close()
			clock = &replay.Clock{}
			opts = append(opts, engine.WithClock(clock.Now))
			b = sim.NewEngine(cfg.Account.Currency, cfg.Account.Balance, sim.WithClock(clock.Now))
		} else {
			logger.Warn("sim broker has no price feed, pass --ticks to replay prices")
			b = sim.NewEngine(cfg.Account.Currency, cfg.Account.Balance)
		}
	}

	j, err := openJournal(cfg.Journal)
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	defer j.Close()
	opts = append(opts, engine.WithJournal(j))

	if tg := cfg.Notify.Telegram; tg.Enabled {
		d := notify.NewDispatcher(notify.NewTelegram(tg.Token, tg.ChatID), cfg.Notify.Buffer,
			notify.WithLogger(logger.Named("notify")), notify.WithDropHook(m.NotificationDropped))
		go d.Run(ctx)
		opts = append(opts, engine.WithNotifier(d))
	}

	if mc := cfg.Strategy.Model; mc.Path != "" {
		p, err := model.NewONNXPredictor(mc.Path, mc.Library, mc.Window)
		if err != nil {
			return fmt.Errorf("load model: %w", err)
		}
		defer p.Close()
		opts = append(opts, engine.WithPredictor(p))
	}

	// the hub is built before the engine it sends commands to
	var eng *engine.Engine
	var hub *telemetry.Hub
	if cfg.Telemetry.Addr != "" {
		hub = telemetry.NewHub(func(c telemetry.Command) error { return eng.CommandSink()(c) },
			telemetry.WithLogger(logger.Named("telemetry")),
			telemetry.WithAllowedOrigins(cfg.Telemetry.AllowedOrigins...))
		defer hub.Close()
		opts = append(opts, engine.WithTelemetry(hub))
	}

	store, err := config.NewStore(cfg)
	if err != nil {
		return err
	}
	eng, err = engine.New(store, b, opts...)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if hub != nil {
		go serve(ctx, logger, "telemetry", cfg.Telemetry.Addr, hub.Handler())
	}
	if cfg.Metrics.Addr != "" {
		go serve(ctx, logger, "metrics", cfg.Metrics.Addr, metrics.Handler(reg))
	}
	if feed != nil {
		go playTicks(ctx, logger, feed, clock, b.(*sim.Engine))
	}
	go reloadOnHangup(ctx, logger, eng)

	logger.Info("engine starting",
		zap.Strings("instruments", cfg.InstrumentNames()),
		zap.String("mode", string(cfg.Mode())),
		zap.String("broker", cfg.Broker.Type))
	if err := eng.Run(ctx); err != nil {
		return err
	}
	logger.Info("engine stopped")

	renderStatus(os.Stdout, eng.Status())
	return nil
}

func openFeed() (*replay.Feed, error) {
	var from, to time.Time
	var err error
	if runFrom != "" {
		if from, err = replay.ParseTime(runFrom); err != nil {
			return nil, fmt.Errorf("bad --from: %w", err)
		}
	}
	if runTo != "" {
		if to, err = replay.ParseTime(runTo); err != nil {
			return nil, fmt.Errorf("bad --to: %w", err)
		}
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, errors.New("--from must be before --to")
	}
	return replay.Open(runTicksPath, from, to)
}

func openJournal(jc config.JournalConfig) (journal.Journal, error) {
	switch jc.Type {
	case "csv":
		return journal.NewCSV(jc.TradesFile, jc.EquityFile)
	case "sqlite":
		return journal.NewSQLite(jc.DBPath)
	default:
		return journal.Discard{}, nil
	}
}

func playTicks(ctx context.Context, logger *zap.Logger, feed *replay.Feed, clock *replay.Clock, s *sim.Engine) {
	log := logger.Named("replay")
	p := replay.NewPlayer(replay.WithSpeed(runSpeed), replay.WithClock(clock), replay.WithLogger(log))
	res, err := p.Play(ctx, feed, s)
	if err != nil && ctx.Err() == nil {
		log.Error("replay failed", zap.Error(err))
		return
	}
	log.Info("replay finished", zap.Int("applied", res.Applied), zap.Int("skipped", res.Skipped),
		zap.Time("first", res.First), zap.Time("last", res.Last))
}

func serve(ctx context.Context, logger *zap.Logger, name, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	logger.Info("listening", zap.String("server", name), zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", zap.String("server", name), zap.Error(err))
	}
}

// reloadOnHangup re-reads the configuration file on SIGHUP and queues it
// for the engine. A file that fails to load leaves the running config alone.
func reloadOnHangup(ctx context.Context, logger *zap.Logger, eng *engine.Engine) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := loadConfig(runConfigPath, envPath)
			if err != nil {
				logger.Error("reload skipped", zap.Error(err))
				continue
			}
			if err := eng.Enqueue(engine.Command{Kind: engine.CmdReloadConfig, Config: cfg}); err != nil {
				logger.Error("reload not queued", zap.Error(err))
			}
		}
	}
}
