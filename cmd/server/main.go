package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	chatbaseui "github.com/MegaGrindStone/chatbase-ui"
	"github.com/MegaGrindStone/chatbase-ui/internal/handlers"
	"github.com/MegaGrindStone/chatbase-ui/internal/services"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		slog.Error("Failed to get user config dir", slog.String("err", err.Error()))
		os.Exit(1)
	}
	cfgPath := filepath.Join(cfgDir, "chatbase-ui")
	if err := os.MkdirAll(cfgPath, 0o755); err != nil {
		slog.Error("Failed to create config directory", slog.String("err", err.Error()))
		os.Exit(1)
	}

	cfg, err := loadConfig(filepath.Join(cfgPath, "config.yaml"), cfgPath)
	if err != nil {
		slog.Error("Failed to load config", slog.String("err", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel()}))

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		logger.Error("Failed to create store directory", slog.String("err", err.Error()))
		os.Exit(1)
	}
	boltDB, err := services.NewBoltDB(cfg.DBPath)
	if err != nil {
		logger.Error("Failed to open store", slog.String("path", cfg.DBPath), slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer boltDB.Close()

	hub := services.NewClient(cfg.HubURL, boltDB, logger)

	m, err := handlers.NewMain(hub, boltDB, boltDB, logger)
	if err != nil {
		logger.Error("Failed to create handlers", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// Serve static files
	staticFS, err := fs.Sub(chatbaseui.StaticFS, "static")
	if err != nil {
		logger.Error("Failed to open static files", slog.String("err", err.Error()))
		os.Exit(1)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("GET /{$}", m.HandleHome)
	mux.HandleFunc("POST /login", m.HandleLogin)
	mux.HandleFunc("POST /logout", m.HandleLogout)
	mux.HandleFunc("POST /dialogs", m.HandleOpenDialog)
	mux.HandleFunc("POST /dialogs/{id}/messages", m.HandleSendMessage)
	mux.HandleFunc("POST /dialogs/{id}/close", m.HandleCloseDialog)
	mux.HandleFunc("GET /sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr), slog.String("hub", cfg.HubURL))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", slog.String("err", err.Error()))
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}
