// Command proxyrouter runs a lightweight HTTP mock of the proxy-router
// backend. It is used for E2E/load testing of the gateway without a real
// marketplace node.
//
// It listens on :18082 (PORT overrides) and serves:
//
//	GET  /healthcheck
//	GET  /blockchain/models
//	POST /blockchain/models/{id}/session
//	POST /blockchain/sessions/{id}/close
//	POST /v1/chat/completions            (session_id header)
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS     artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE     fraction [0,1] of prompts that return HTTP 500 (default 0)
//	MOCK_EMPTY_RATE     fraction [0,1] of prompts answered with an empty body (default 0)
//	MOCK_STREAM_WORDS   words in a generated response (default 10)
//	MOCK_SESSION_MAX_S  upper bound on granted session length in seconds (default 0, no bound)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds the mock's runtime behaviour.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	EmptyRate   float64
	StreamWords int
	SessionMax  time.Duration
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	c.ErrorRate = rateFromEnv("MOCK_ERROR_RATE")
	c.EmptyRate = rateFromEnv("MOCK_EMPTY_RATE")
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	if v := os.Getenv("MOCK_SESSION_MAX_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.SessionMax = time.Duration(n) * time.Second
		}
	}
	return c
}

func rateFromEnv(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return 0
	}
	return f
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	port := os.Getenv("PORT")
	if port == "" {
		port = "18082"
	}

	log.Info("starting mock proxy-router",
		slog.String("port", port),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Float64("empty_rate", cfg.EmptyRate),
		slog.Duration("session_max", cfg.SessionMax),
	)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      newRouter(cfg, log).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock proxy-router")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("mock proxy-router stopped")
}
