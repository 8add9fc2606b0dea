package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/newsletter-service/internal/config"
	"github.com/ignite/newsletter-service/internal/email"
	"github.com/ignite/newsletter-service/internal/worker"
)

func main() {
	log.Println("Starting newsletter delivery worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	sender, err := email.NewSESSender(cfg.Email)
	if err != nil {
		log.Fatalf("SES sender: %v", err)
	}

	pool := worker.NewDeliveryWorkerPool(db, cfg.Worker, sender, email.NewTemplateService())

	if cfg.Redis.Enabled {
		limiter, err := worker.NewRateLimiterFromAddr(
			cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Worker)
		if err != nil {
			log.Fatalf("Rate limiter: %v", err)
		}
		defer limiter.Close()
		pool.SetRateLimiter(limiter)
		log.Println("Send rate limiting enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start()
	log.Printf("Delivery pool started (worker_id=%s)", pool.WorkerID())

	sweeper := worker.NewRecoverySweeper(db, cfg.Worker)
	go sweeper.Start(ctx)
	log.Printf("Recovery sweeper started (every %s, stale after %s, max %d retries)",
		cfg.Worker.RecoveryInterval(), cfg.Worker.StaleAge(), cfg.Worker.MaxRetries)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Println("Shutting down...")

	cancel()
	pool.Stop()

	stats := pool.Stats()
	log.Println(fmt.Sprintf("Worker stopped (sent=%d failed=%d skipped=%d)",
		stats["total_sent"], stats["total_failed"], stats["total_skipped"]))
}
