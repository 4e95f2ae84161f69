package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/projectpulse/projectpulse/internal/config"
	"github.com/projectpulse/projectpulse/internal/httpapi"
	"github.com/projectpulse/projectpulse/internal/jobs"
	"github.com/projectpulse/projectpulse/internal/persistence"
	"github.com/projectpulse/projectpulse/internal/service"
	"github.com/projectpulse/projectpulse/pkg/log"
)

type syncScheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

// cronBoundService binds the service's periodic sync to one cron runner,
// so runWithComponents only sees the Schedule half.
type cronBoundService struct {
	svc  *service.Service
	cron *cron.Cron
}

func (c cronBoundService) Schedule(ctx context.Context) error {
	return c.svc.Schedule(ctx, c.cron)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.Server.LogLevel))

	store, err := persistence.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("Failed to open database: %v", err)
	}
	defer store.Close()

	tracker := jobs.NewTracker(cfg.Scheduler.JobRetention, cfg.Scheduler.MaxTrackedJobs)
	scheduler := jobs.NewScheduler(cfg.Scheduler.WorkerCount, store, tracker, store)

	svc, err := service.New(cfg, service.Deps{
		Scheduler:  scheduler,
		Upserter:   store,
		DeadLetter: store,
		Imports:    store,
	})
	if err != nil {
		log.Fatal("Failed to build service: %v", err)
	}
	svc.Start()
	defer svc.Stop()

	cronRunner := cron.New()
	httpSrv := httpapi.NewServer(svc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runWithComponents(ctx, cfg, cronBoundService{svc: svc, cron: cronRunner}, cronRunner, httpSrv); err != nil {
		log.Fatal("Server exited: %v", err)
	}
}

// runWithComponents starts the cron engine and the HTTP server and
// blocks until the context is cancelled or the server fails, then shuts
// both down.
func runWithComponents(ctx context.Context, cfg *config.Config, scheduler syncScheduler, cronRunner cronEngine, httpSrv httpServer) error {
	if err := scheduler.Schedule(ctx); err != nil {
		return err
	}
	cronRunner.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe(cfg.Server.HTTPAddr)
	}()
	log.Info("Listening on %s", cfg.Server.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown: %v", err)
	}
	cronRunner.Stop()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}
