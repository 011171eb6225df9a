package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"judge-tuner/cmd"
	"judge-tuner/internal/api"
	"judge-tuner/internal/cache"
	"judge-tuner/internal/tuning"
	"judge-tuner/internal/workshop"
)

type ServerConfig struct {
	WorkshopBackendURL string   `env:"WORKSHOP_BACKEND_URL,notEmpty,required"`
	CacheDatabaseURL   string   `env:"CACHE_DATABASE_URL" envDefault:"judge-tuner.db"`
	APIPort            string   `env:"API_PORT" envDefault:"8002"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`
}

func main() {
	log.Println("Starting judge tuner server...")

	cmd.LoadEnvFile()

	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := cache.Open(cfg.CacheDatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open cache database: %v", err)
	}
	store := cache.NewGormStore(db)

	backend := workshop.NewClient(cfg.WorkshopBackendURL)
	manager := tuning.NewManager(backend, store, tuning.DefaultOptions())

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	service := api.NewTunerService(manager, store)
	service.AddRoutes(r)

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("Judge tuner listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
