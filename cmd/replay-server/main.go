package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/whisper/campaign-sync/internal/devserver"
	"github.com/whisper/campaign-sync/internal/logging"
)

func main() {
	_ = godotenv.Load()

	logger, closeLog, err := logging.New(logging.Options{Level: os.Getenv("LOG_LEVEL")})
	if err != nil {
		panic(err)
	}
	defer closeLog()

	listenAddr := ":8080"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		listenAddr = v
	}

	config := devserver.DefaultConfig()
	if v := os.Getenv("REQUIRE_AUTH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.RequireAuth = b
		}
	}
	if v := os.Getenv("SUPERSEDE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Supersede = b
		}
	}
	if v := os.Getenv("AUTH_SECRET"); v != "" {
		config.Secret = []byte(v)
	}
	if v := os.Getenv("TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.TokenTTL = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	scriptPath := os.Getenv("SCRIPT")
	if len(os.Args) > 1 {
		scriptPath = os.Args[1]
	}
	if scriptPath != "" {
		steps, err := devserver.LoadScript(scriptPath)
		if err != nil {
			logger.Fatal("load script", zap.String("path", scriptPath), zap.Error(err))
		}
		config.Script = steps
	}

	srv := devserver.New(config, logger)
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("replay server starting",
		zap.String("listen_addr", listenAddr),
		zap.String("script", scriptPath),
		zap.Int("steps", len(config.Script)),
		zap.Bool("require_auth", config.RequireAuth),
		zap.Bool("jwt", len(config.Secret) > 0),
		zap.Bool("supersede", config.Supersede),
	)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		srv.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
