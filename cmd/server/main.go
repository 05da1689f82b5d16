package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"visitorhub/internal/app"
)

func main() {
	addr := flag.String("addr", getEnv("VISITORHUB_ADDR", ":8080"), "server listen address")
	dbPath := flag.String("db", app.DefaultDBPath(), "path to the sqlite database")
	idleTimeout := flag.Duration("idle-timeout", 30*time.Second, "inactivity before a session is flagged offline")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, app.ServerConfig{
		Addr:        *addr,
		DBPath:      *dbPath,
		IdleTimeout: *idleTimeout,
	})
	if err != nil {
		log.Fatalf("server error: %v", err)
	}

	log.Printf("visitorhub listening on %s (db %s)", handle.Addr(), *dbPath)
	if err := handle.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
