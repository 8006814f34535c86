package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"signal-core/internal/api"
	"signal-core/internal/audit"
	"signal-core/internal/breaker"
	"signal-core/internal/events"
	"signal-core/internal/executor"
	"signal-core/internal/monitor"
	"signal-core/internal/reconcile"
	signalsrc "signal-core/internal/signal"
	"signal-core/internal/stream"
	"signal-core/pkg/config"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/bingx"
)

var buildVersion = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: load failed: %v", err)
	}
	log.Printf("signal-core starting (port=%s, db=%s)", cfg.Port, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db: init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db: migrations failed: %v", err)
	}

	bus := events.NewBus()
	metrics := monitor.NewMetrics()

	auditLog, err := audit.New(database, cfg.LogFile)
	if err != nil {
		log.Fatalf("audit: init failed: %v", err)
	}
	defer auditLog.Close()
	log.Printf("✓ audit trail ready (instance=%s)", auditLog.Instance())

	brk := breaker.New(cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout)
	brk.OnTransition(func(from, to breaker.State) {
		log.Printf("breaker: %s -> %s", from, to)
		bus.Publish(events.EventBreakerState, events.BreakerEvent{From: string(from), To: string(to)})
		eventType := audit.EventBreakerTripped
		if to == breaker.StateClosed {
			eventType = audit.EventBreakerReset
		}
		auditLog.Log(context.Background(), eventType, map[string]any{
			"from": string(from),
			"to":   string(to),
		})
	})

	registry, err := signalsrc.LoadRegistry(cfg.SignalSourcesPath)
	if err != nil {
		log.Fatalf("signal sources: %v", err)
	}

	client := bingx.NewClient(bingx.Config{
		APIKey:    cfg.BingXAPIKey,
		SecretKey: cfg.BingXSecretKey,
		Testnet:   cfg.BingXTestnet,
	})

	exec := executor.New(executor.Options{
		Store:           database,
		Gateway:         client,
		Parser:          signalsrc.NewParser(cfg.FixedNotional, cfg.MinQuantity),
		Registry:        registry,
		Breaker:         brk,
		Bus:             bus,
		Audit:           auditLog,
		Metrics:         metrics,
		DefaultLeverage: cfg.DefaultLeverage,
		TradingEnabled:  cfg.TradingEnabled,
	})
	log.Printf("✓ executor ready (trading_enabled=%v, leverage=%dx)", cfg.TradingEnabled, cfg.DefaultLeverage)

	job := reconcile.New(database, client, bus, auditLog, metrics, cfg.ReconcileInterval)
	job.Start(ctx)

	var orderStream *stream.OrderStream
	if cfg.EnableOrderStream {
		orderStream = stream.New(client, database, bus, auditLog)
		orderStream.Start(ctx)
	}

	operatorHash := ""
	if cfg.OperatorPassword != "" {
		operatorHash, err = api.HashPassword(cfg.OperatorPassword)
		if err != nil {
			log.Fatalf("api: hash operator password: %v", err)
		}
	} else {
		log.Println("api: OPERATOR_PASSWORD not set; login disabled")
	}

	server := api.NewServer(api.Options{
		DB:            database,
		Executor:      exec,
		Breaker:       brk,
		Metrics:       metrics,
		JWTSecret:     cfg.JWTSecret,
		OperatorEmail: cfg.OperatorEmail,
		OperatorHash:  operatorHash,
		Version:       buildVersion,
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api: server error: %v", err)
		}
	}()
	log.Printf("✓ api listening on :%s", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
	if orderStream != nil {
		orderStream.Stop()
	}
	cancel()
}
