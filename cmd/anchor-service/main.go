package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/aredgroup/edge-anchor/internal/api"
	"github.com/aredgroup/edge-anchor/internal/config"
	"github.com/aredgroup/edge-anchor/internal/eventsource"
	"github.com/aredgroup/edge-anchor/internal/ledgerclient"
	"github.com/aredgroup/edge-anchor/internal/reconcile"
	"github.com/aredgroup/edge-anchor/internal/repository"
	"github.com/aredgroup/edge-anchor/internal/scheduler"
	"github.com/aredgroup/edge-anchor/internal/workflow"
)

func main() {
	log.Println("starting edge-anchor service...")

	cfg := config.Get()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := repository.OpenPool(ctx, cfg.Database)
	cancel()
	if err != nil {
		log.Fatalf("opening database pool: %v", err)
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := repository.Migrate(migrateCtx, db); err != nil {
		migrateCancel()
		log.Fatalf("running schema migration: %v", err)
	}
	migrateCancel()

	// 1. Construct bottom-up: data layer, then ledger transport, then the
	// components that orchestrate both.
	events := eventsource.New(db)
	ledger := ledgerclient.New(cfg.Ledger)
	repo := repository.New(db)
	claims := reconcile.NewClaimSet()

	wf := workflow.New(events, ledger, repo, claims, workflow.Config{
		Network:    cfg.Ledger.Network,
		TagPrefix:  cfg.Ledger.TagPrefix,
		TagVersion: cfg.Ledger.TagVersion,
	})

	reconciler := reconcile.New(repo, ledger, claims, cfg.Reconciliation)

	sched, err := scheduler.New(cfg.Scheduler,
		func(ctx context.Context) error {
			end := time.Now().UTC().Truncate(24 * time.Hour)
			start := end.Add(-24 * time.Hour)
			result, err := wf.Run(ctx, &start, &end, true)
			if err != nil {
				return err
			}
			if !result.Success {
				log.Printf("daily anchor job did not succeed: %s", result.Error)
			}
			return nil
		},
		func(ctx context.Context) error {
			_, err := reconciler.Sweep(ctx)
			return err
		},
	)
	if err != nil {
		log.Fatalf("constructing scheduler: %v", err)
	}

	server := api.New(repo, ledger, wf, db)

	// 2. Start every background component, then serve.
	reconciler.Start(context.Background())
	sched.Start()

	addr := ":" + getPort()
	httpServer := &http.Server{Addr: addr, Handler: server.Router()}

	go func() {
		log.Printf("API listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	waitForShutdown(httpServer, reconciler, sched)
}

func getPort() string {
	if p := os.Getenv("PORT"); p != "" {
		return p
	}
	return "8080"
}

func waitForShutdown(httpServer *http.Server, reconciler *reconcile.Reconciler, sched *scheduler.Scheduler) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop(ctx)
	reconciler.Stop()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}

	log.Println("shutdown complete")
}
