package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vrchat-backend/internal/config"
	"vrchat-backend/internal/logx"
	"vrchat-backend/internal/server"
)

func main() {
	cfg := config.Load()

	s, err := server.NewServer(cfg)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("failed to create server")
	}
	defer s.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logx.Log.Info().Str("addr", srv.Addr).Msg("vrchat server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Log.Fatal().Err(err).Msg("server stopped")
	}
}
