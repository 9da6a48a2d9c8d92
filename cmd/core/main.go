package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/crossclip/crossclip/backend/internal/broker"
	"github.com/crossclip/crossclip/backend/internal/clock"
	"github.com/crossclip/crossclip/backend/internal/config"
	"github.com/crossclip/crossclip/backend/internal/dispatcher"
	"github.com/crossclip/crossclip/backend/internal/objectstore"
	"github.com/crossclip/crossclip/backend/internal/platform"
	"github.com/crossclip/crossclip/backend/internal/scheduler"
	"github.com/crossclip/crossclip/backend/internal/secretbox"
	"github.com/crossclip/crossclip/backend/internal/store"
	"github.com/crossclip/crossclip/backend/internal/tokens"
	"github.com/crossclip/crossclip/backend/internal/workers"
)

const (
	tokenSweepInterval = 5 * time.Minute
	tokenSweepHorizon  = 15 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Root context for background workers and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Run migrations on startup
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to init migration driver: %v", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Database migration failed: %v", err)
	}
	log.Println("Database is up-to-date")

	// The job broker rides its own connection pool; it may point at the same
	// database or a dedicated one.
	jobDB := db
	if cfg.JobBrokerURL != cfg.DatabaseURL {
		jobDB, err = sql.Open("postgres", cfg.JobBrokerURL)
		if err != nil {
			log.Fatalf("Failed to connect to job broker database: %v", err)
		}
		defer jobDB.Close()
		if err := jobDB.Ping(); err != nil {
			log.Fatalf("Failed to ping job broker database: %v", err)
		}
	}

	clk := clock.NewSystem()
	box, err := secretbox.New(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to init token encryption: %v", err)
	}

	blobs, err := objectstore.NewS3(rootCtx, cfg)
	if err != nil {
		log.Fatalf("Failed to init object store: %v", err)
	}

	st := store.New(db, clk)
	jobs := broker.NewPostgres(jobDB, clk)
	registry := platform.NewRegistry(cfg, &http.Client{Timeout: 30 * time.Second})
	tm := tokens.NewManager(st, box, registry, &cfg.TwitterApp, clk)

	sched := scheduler.New(st, jobs, clk, cfg.SchedulerTick)
	disp := dispatcher.New(st, jobs, registry, tm, blobs, clk, cfg.PublishDeadline, cfg.DispatcherConcurrency)

	retention := &workers.RetentionWorker{DB: db, JobsDB: jobDB}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); sched.Run(rootCtx) }()
	go func() { defer wg.Done(); disp.Run(rootCtx) }()
	go func() { defer wg.Done(); tm.RunSweep(rootCtx, tokenSweepInterval, tokenSweepHorizon) }()
	go func() { defer wg.Done(); retention.Start(rootCtx) }()

	// Handle graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("Shutting down...")
	cancel()
	wg.Wait()
	log.Println("Stopped")
}
