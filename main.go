package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"execution-core/internal/api"
	"execution-core/internal/balance"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/persistence"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/instance"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ load config: %v", err)
	}
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		defer lj.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, lj))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("❌ %v", err)
	}
	log.Println("👋 shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return err
	}

	writer := persistence.NewBatchWriter(database.DB, 50, 500*time.Millisecond)
	defer writer.Close()
	trades := persistence.NewTradeStore(writer)

	riskMgr := risk.NewManager(riskConfig(cfg.Risk), persistence.NewRiskStore(database))
	if err := riskMgr.Restore(ctx); err != nil {
		log.Printf("⚠️ risk: restore failed, starting from defaults: %v", err)
	}

	backend, err := gateway.New(cfg)
	if err != nil {
		return err
	}
	if err := backend.Connect(ctx); err != nil {
		return err
	}
	defer backend.Disconnect(context.Background())
	backendName := cfg.ResolvedBackend()
	paper := backendName == config.BackendSimulated
	log.Printf("🔌 backend %s connected (paper=%v)", backendName, paper)

	bus := events.NewBus()
	metrics := monitor.NewMetrics("execution-core")

	funds := balance.NewManager(backend, 30*time.Second)
	funds.Start(ctx)

	exec := order.NewExecutor(executionConfig(cfg, paper), backend, bus, trades)
	exec.SetFunds(funds)
	exec.SetObserver(metrics)
	go exec.Run(ctx)

	eng := engine.NewImpl(engine.Config{
		Executor: exec,
		RiskMgr:  riskMgr,
		Bus:      bus,
		Queue:    engine.NewQueue(100),
		Observer: metrics,
		Meta: engine.SystemStatus{
			Backend:     backendName,
			PaperMode:   paper,
			Instruments: []string{cfg.Instrument},
			UseMockFeed: paper && cfg.UseMockFeed,
			Version:     version,
			InstanceID:  instance.ID(),
		},
	})
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		eng.Run(ctx)
	}()

	(&monitor.Monitor{Bus: bus, Sink: monitor.LogSink{}, Metrics: metrics}).Start(ctx)
	go (&monitor.RiskWatcher{Source: riskMgr, Bus: bus, Interval: cfg.RiskAlertInterval}).Run(ctx)
	reconciliation.NewService(riskMgr, backend, bus, time.Minute).Start(ctx)

	if paper && cfg.UseMockFeed {
		(&market.MockFeed{Bus: bus, Instruments: []string{cfg.Instrument}, Interval: cfg.MockFeedInterval}).Start(ctx)
	} else {
		(&market.Feed{Backend: backend, Bus: bus, Instruments: []string{cfg.Instrument}}).Start(ctx)
	}

	supervisor := gateway.NewSupervisor(backend, gateway.DefaultConfig())
	supervisor.Start(ctx)
	defer supervisor.Stop()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@daily", func() {
		log.Println("🔄 daily reset of trade counters")
		eng.ResetDaily()
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	srv := api.NewServer(api.Options{
		Engine:               eng,
		Bus:                  bus,
		Metrics:              metrics,
		JWTSecret:            cfg.JWTSecret,
		OperatorUser:         cfg.OperatorUser,
		OperatorPasswordHash: cfg.OperatorPasswordHash,
		InstanceID:           instance.ID(),
	})
	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Router}

	errCh := make(chan error, 2)
	go func() {
		log.Printf("🚀 operator API listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := api.NewHealthService(eng, 10*time.Second).Serve(ctx, ":"+cfg.GRPCPort); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("🛑 shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ http shutdown: %v", err)
	}
	<-runDone
	return nil
}

// riskConfig overlays the configured values on the risk defaults.
func riskConfig(rc config.RiskConfig) risk.Config {
	c := risk.DefaultConfig()
	c.InitialBalance = rc.InitialBalance
	c.BaseFraction = rc.BaseFraction
	c.MaxFraction = rc.MaxFraction
	c.StopLossPct = rc.StopLossPct
	c.TakeProfitPct = rc.TakeProfitPct
	c.MaxDrawdown = rc.MaxDrawdown
	c.DrawdownThreshold = rc.DrawdownThreshold
	c.MaxConsecutiveLosses = rc.MaxConsecutiveLosses
	c.LossStreakThreshold = rc.LossStreakThreshold
	c.VolatilityThreshold = rc.VolatilityThreshold
	c.UseTrailingStop = rc.UseTrailingStop
	if rc.TrailingPercent > 0 {
		c.TrailingPercent = rc.TrailingPercent
	}
	return c
}

func executionConfig(cfg *config.Config, paper bool) order.Config {
	ec := cfg.Execution
	c := order.DefaultConfig()
	c.Strategy = ec.Strategy
	c.LimitOffset = ec.LimitOffset
	c.OrderTimeout = ec.OrderTimeout
	c.PollInterval = ec.PollInterval
	c.MonitorInterval = ec.MonitorInterval
	c.MaxDailyTrades = ec.MaxDailyTrades
	c.Cooldown = ec.Cooldown
	c.QualityWindow = ec.QualityWindow
	c.PaperMode = paper
	if paper {
		c.FeeBuffer = cfg.Simulated.FeeRate
		c.FallbackPrice = cfg.Simulated.ReferencePrice
	}
	return c
}
