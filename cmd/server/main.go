package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/event"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN)
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.StaleWindow)
	} else {
		index = geo.NewMemory(cfg.StaleWindow)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = ps
	} else {
		store = storage.NewMemory()
	}

	var pay payments.Settlement
	if os.Getenv("STRIPE_API_KEY") != "" {
		pay = payments.NewStripeClient()
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	hub := event.NewHub()
	engine := match.NewEngine(index, cfg.MatchInitialRadiusM, cfg.MatchMaxRadiusM, cfg.MatchMaxCandidates)
	svc := dispatch.New(dispatch.Options{
		Index:         index,
		Engine:        engine,
		Hub:           hub,
		Store:         store,
		Payments:      pay,
		Logger:        logging.Component(logger, "dispatch"),
		SweepInterval: cfg.SweepInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.SeedFromRoster(ctx); err != nil {
		logger.Warn("roster seed failed", "error", err)
	}
	go svc.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, hub, producer, logging.Component(logger, "http")),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		svc.Close()
	}()

	log.Printf("ride-dispatch listening on %s", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func runMigrations(dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil || len(files) == 0 {
		log.Printf("no migrations found: %v", err)
		return
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			log.Printf("migration read error: %v", err)
			continue
		}
		if _, err := db.Exec(string(b)); err != nil {
			log.Printf("migration exec error (%s): %v", f, err)
		} else {
			log.Printf("migration applied: %s", filepath.Base(f))
		}
	}
}
