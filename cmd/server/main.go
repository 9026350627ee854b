package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/papertrade/internal/app"
	"github.com/atmx/papertrade/internal/config"
	"github.com/atmx/papertrade/internal/engine"
	"github.com/atmx/papertrade/internal/metrics"
	"github.com/atmx/papertrade/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Store, prices, engine ---
	a, err := app.New(ctx, cfg, engine.WithNotifier(wsHub))
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	// --- Pending order sweep ---
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		a.Sweeper.Run(ctx)
	}()

	// --- Trade service ---
	tradeSvc := trade.NewService(a.Engine)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"papertrade"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for order events; no request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/market/status", tradeSvc.MarketStatus)

			// Orders.
			r.Post("/orders", tradeSvc.PlaceOrder)
			r.Get("/orders/pending", tradeSvc.PendingOrders)
			r.Post("/orders/{orderID}/cancel", tradeSvc.CancelOrder)

			// Per-user ledger queries.
			r.Route("/users/{userID}", func(r chi.Router) {
				r.Get("/orders", tradeSvc.ListOrders)
				r.Post("/portfolio", tradeSvc.CreatePortfolio)
				r.Get("/portfolio", tradeSvc.GetPortfolio)
				r.Get("/positions", tradeSvc.ListPositions)
				r.Get("/positions/{symbol}", tradeSvc.GetPosition)
				r.Get("/pnl/daily", tradeSvc.DailyPnL)
				r.Get("/performance", tradeSvc.Performance)
				r.Get("/trades", tradeSvc.ListTrades)
				r.Get("/trades.csv", tradeSvc.ExportTrades)
			})

			// Admin.
			r.Get("/admin/stats", tradeSvc.AdminStats)
			r.Post("/admin/sweep", tradeSvc.AdminSweep)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("papertrade listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down papertrade...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	<-sweepDone
	fmt.Println("papertrade stopped")
}
