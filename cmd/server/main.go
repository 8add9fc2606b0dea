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

	"github.com/ignite/newsletter-service/internal/api"
	"github.com/ignite/newsletter-service/internal/auth"
	"github.com/ignite/newsletter-service/internal/config"
	"github.com/ignite/newsletter-service/internal/email"
	"github.com/ignite/newsletter-service/internal/idempotency"
	"github.com/ignite/newsletter-service/internal/newsletter"
	"github.com/ignite/newsletter-service/internal/subscriber"
	"github.com/ignite/newsletter-service/internal/token"
)

func main() {
	log.Println("Starting newsletter server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("Database: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	sender, err := email.NewSESSender(cfg.Email)
	if err != nil {
		log.Fatalf("SES sender: %v", err)
	}
	templates := email.NewTemplateService()

	sessions, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Fatalf("Session manager: %v", err)
	}

	subscribers := subscriber.NewService(db, token.NewIssuer(), sender, templates, cfg.BaseURL)
	newsletters := newsletter.NewService(
		newsletter.NewStore(db),
		idempotency.NewLedger(db),
		subscribers,
	)

	handlers := api.NewHandlers(subscribers, newsletters, db)
	server := api.NewServer(cfg.Server, handlers, sessions)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	go func() {
		log.Printf("Listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err.Error() != "http: Server closed" {
			log.Fatalf("Server error: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}
