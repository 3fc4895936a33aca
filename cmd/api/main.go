package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gabrigalhardo/auto-publisher/internal/handlers"
	"github.com/gabrigalhardo/auto-publisher/internal/instagram"
	"github.com/gabrigalhardo/auto-publisher/internal/media"
	"github.com/gabrigalhardo/auto-publisher/internal/publisher"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
)

// deps carries everything main needs from the outside world, so run() is
// testable without a real database or listener.
type deps struct {
	loadEnv        func(...string) error
	getenv         func(string) string
	openDB         func(driverName, dataSourceName string) (*sql.DB, error)
	migrateUp      func(*sql.DB) error
	listenAndServe func(*http.Server) error
	notify         func(c chan<- os.Signal, sig ...os.Signal)
	stopCh         chan os.Signal
}

func defaultDeps() deps {
	return deps{
		loadEnv:        godotenv.Load,
		getenv:         os.Getenv,
		openDB:         sql.Open,
		migrateUp:      migrateUp,
		listenAndServe: func(srv *http.Server) error { return srv.ListenAndServe() },
		notify:         signal.Notify,
	}
}

func main() {
	if err := run(defaultDeps()); err != nil {
		log.Fatal(err)
	}
}

func resolvePort(getenv func(string) string) string {
	if p := strings.TrimSpace(getenv("PORT")); p != "" {
		return p
	}
	return "18911"
}

func parseIntervalFromEnv(getenv func(string) string, key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func buildRouter(h *handlers.Handler) *mux.Router {
	r := mux.NewRouter()
	handlers.RegisterRoutes(h, r)
	return r
}

func migrateUp(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrateUp: db is nil")
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}

func run(d deps) error {
	if d.loadEnv != nil {
		_ = d.loadEnv()
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	databaseURL := d.getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}

	if d.openDB == nil {
		return fmt.Errorf("openDB dependency is required")
	}
	db, err := d.openDB("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if d.migrateUp != nil {
		if err := d.migrateUp(db); err != nil {
			return err
		}
		log.Println("Database is up-to-date")
	}

	igCfg := instagram.ConfigFromEnv(d.getenv)

	uploadsDir := strings.TrimSpace(d.getenv("UPLOADS_DIR"))
	if uploadsDir == "" {
		uploadsDir = "./uploads"
	}
	origin := strings.TrimSpace(d.getenv("PUBLIC_ORIGIN"))
	if origin == "" && igCfg.UploadStrategy == instagram.StrategyURL {
		log.Printf("[Main] WARNING: PUBLIC_ORIGIN is empty; the url upload strategy needs a public https origin for Meta to fetch videos from")
	}
	resolver := &media.Resolver{Dir: uploadsDir, PublicOrigin: origin}

	pub := publisher.New(db, instagram.New(igCfg), resolver, igCfg.UploadStrategy)
	h := handlers.New(db, pub, resolver)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	handler := c.Handler(buildRouter(h))

	// Scheduled-Reels worker, gated by env.
	if enabled := d.getenv("SCHEDULED_REELS_ENABLED"); enabled == "" || enabled == "true" {
		interval := parseIntervalFromEnv(d.getenv, "SCHEDULED_REELS_INTERVAL_SECONDS", time.Minute)
		go pub.StartScheduledReelsWorker(rootCtx, interval)
	} else {
		log.Printf("[ScheduledReels] disabled via SCHEDULED_REELS_ENABLED=%q", enabled)
	}

	port := resolvePort(d.getenv)
	srv := &http.Server{
		Handler:      handler,
		Addr:         ":" + port,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	stop := d.stopCh
	if stop == nil {
		stop = make(chan os.Signal, 1)
	}
	if d.notify != nil {
		d.notify(stop, os.Interrupt, syscall.SIGTERM)
	}

	go func() {
		<-stop
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", port)
	if err := d.listenAndServe(srv); err != nil && err != http.ErrServerClosed {
		return err
	}
	log.Println("Server stopped")
	return nil
}
