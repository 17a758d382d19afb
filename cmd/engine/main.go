// Command engine runs the live trading loop: it wires config,
// persistence, the market gateway, and the strategy together and blocks
// until SIGINT/SIGTERM. Any mode other than "live" is refused at startup.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rajchodisetti/options-flow-engine/internal/alerts"
	"github.com/Rajchodisetti/options-flow-engine/internal/clock"
	"github.com/Rajchodisetti/options-flow-engine/internal/config"
	"github.com/Rajchodisetti/options-flow-engine/internal/gateway"
	"github.com/Rajchodisetti/options-flow-engine/internal/loop"
	"github.com/Rajchodisetti/options-flow-engine/internal/observ"
	"github.com/Rajchodisetti/options-flow-engine/internal/risk"
	"github.com/Rajchodisetti/options-flow-engine/internal/store"
	"github.com/Rajchodisetti/options-flow-engine/internal/strategy"
)

func main() {
	log.SetFlags(0)

	cfgPath := flag.String("config", "config.yaml", "path to engine config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("engine: load config: %v", err)
	}
	observ.SetLevel(cfg.LogLevel)

	st, err := store.New(cfg.DataDir)
	if err != nil {
		log.Fatalf("engine: open store: %v", err)
	}

	if cfg.Mode != "live" {
		log.Fatalf("engine: mode %q is not runnable by cmd/engine; use cmd/backtest for backtest mode", cfg.Mode)
	}

	cal := clock.NewNYSECalendar()
	clk := clock.NewRealClock()
	clk.Calendar = cal

	gw := gateway.NewLiveGateway(gateway.LiveConfig{
		BaseURL:            cfg.Live.BaseURL,
		TimeoutSeconds:     cfg.Live.TimeoutSeconds,
		MaxRetries:         cfg.Live.MaxRetries,
		BackoffBaseMs:      cfg.Live.BackoffBaseMs,
		BackoffMaxMs:       cfg.Live.BackoffMaxMs,
		RateLimitPerSecond: cfg.Live.RateLimitPerSecond,
	}, cal)

	breaker := risk.NewCircuitBreaker(risk.Thresholds{
		DailyWarningPct:       cfg.Risk.DailyWarningPct,
		DailyReducedPct:       cfg.Risk.DailyReducedPct,
		DailyHaltPct:          cfg.Risk.DailyHaltPct,
		WeeklyWarningPct:      cfg.Risk.WeeklyWarningPct,
		WeeklyReducedPct:      cfg.Risk.WeeklyReducedPct,
		WeeklyHaltPct:         cfg.Risk.WeeklyHaltPct,
		ReducedSizeMultiplier: cfg.Risk.ReducedSizeMultiplier,
	})

	strategyCfg := config.ToStrategyConfig(cfg.Strategy)
	strat, err := strategy.New(cfg.Strategy.Variant)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	sup := &loop.Supervisor{
		Cfg:                     strategyCfg,
		Clock:                   clk,
		Store:                   st,
		Gateway:                 gw,
		Breaker:                 breaker,
		Signals:                 newStdinSignalSource(),
		Alerts:                  alerts.New(cfg.Alerting.SlackWebhookURL, cfg.Alerting.SlackChannel),
		Strategy:                strat,
		PositionCheckInterval:   time.Duration(cfg.CheckIntervalSeconds) * time.Second,
		ReconciliationTimeOfDay: cfg.Reconciliation.TimeOfDayEastern,
		AutoFixReconciliation:   cfg.Reconciliation.AutoFix,
	}

	go equityUpdater(clk, gw, breaker)

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.HealthHandler())
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			observ.Log("metrics_server_error", map[string]any{"error": err.Error()})
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := gw.Connect(ctx); err != nil {
		log.Fatalf("engine: connect gateway: %v", err)
	}
	defer gw.Disconnect()

	observ.Log("engine_started", map[string]any{"mode": cfg.Mode})
	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("engine: fatal: %v", err)
	}
	observ.Log("engine_stopped", nil)
}

func equityUpdater(clk clock.Clock, gw gateway.Gateway, breaker *risk.CircuitBreaker) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		acct, err := gw.GetAccount(context.Background())
		if err != nil {
			continue
		}
		breaker.Update(clk.NowEastern(), acct.Equity)
	}
}
