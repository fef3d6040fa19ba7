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
	"github.com/go-chi/cors"

	"github.com/tradedesk/trading-engine/internal/api"
	"github.com/tradedesk/trading-engine/internal/auth"
	"github.com/tradedesk/trading-engine/internal/broker"
	"github.com/tradedesk/trading-engine/internal/config"
	"github.com/tradedesk/trading-engine/internal/market"
	"github.com/tradedesk/trading-engine/internal/metrics"
	"github.com/tradedesk/trading-engine/internal/payment"
	"github.com/tradedesk/trading-engine/internal/portfolio"
	"github.com/tradedesk/trading-engine/internal/quote"
	"github.com/tradedesk/trading-engine/internal/realtime"
	"github.com/tradedesk/trading-engine/internal/risk"
	"github.com/tradedesk/trading-engine/internal/scheduler"
	"github.com/tradedesk/trading-engine/internal/settlement"
	"github.com/tradedesk/trading-engine/internal/store"
	"github.com/tradedesk/trading-engine/internal/userlock"
	"github.com/tradedesk/trading-engine/internal/wallet"
	"github.com/tradedesk/trading-engine/internal/watchlist"
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

	// --- Initialize store ---
	st, cleanup, err := store.Open(ctx, cfg.DatabaseURL, cfg.RedisURL, cfg.CacheTTL)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	// --- External gateways ---
	brokerGW := broker.NewGuard(newBroker(cfg), cfg.BrokerTimeout)
	var paymentGW payment.Gateway = payment.Disabled{}
	if cfg.PaymentsConfigured() {
		paymentGW = payment.NewRazorpayClient(cfg.RazorpayBaseURL, cfg.RazorpayKeyID, cfg.RazorpayKeySecret, cfg.RazorpayAccountNumber)
		slog.Info("Razorpay payments enabled")
	} else {
		slog.Warn("RAZORPAY_KEY_ID not set, wallet top-ups and withdrawals are disabled")
	}
	payments := payment.NewGuard(paymentGW, cfg.PaymentTimeout)

	// --- Realtime push ---
	reg := realtime.NewRegistry()
	notifier := realtime.NewNotifier(reg)

	// --- Services ---
	locks := userlock.New()
	limiter := risk.NewExposureLimiter(cfg.MaxInstrumentExposure, cfg.MaxIssuerExposure)
	authSvc := auth.NewService(st, cfg.JWTSecret, cfg.TokenTTL, cfg.WalletCurrency)
	engine := settlement.NewEngine(st, brokerGW, locks, limiter, notifier, cfg.WalletCurrency)
	wallets := wallet.NewManager(st, payments, locks, notifier, cfg.WalletCurrency)
	portfolios := portfolio.NewService(st, brokerGW)
	hub := realtime.NewHub(reg, authSvc.Identify)

	handler := api.New(api.Services{
		Auth:      authSvc,
		Engine:    engine,
		Wallet:    wallets,
		Portfolio: portfolios,
		Watchlist: watchlist.NewService(st, brokerGW),
		Market:    market.NewService(brokerGW),
	})

	// --- Background work ---
	go quote.NewBroadcaster(reg, brokerGW, cfg.QuoteInterval).Run(ctx)

	sched := scheduler.New(time.Minute)
	if err := sched.AddJob(cfg.FillPollSchedule, scheduler.ConfirmFillsJob(engine)); err != nil {
		slog.Error("invalid FILL_POLL_SCHEDULE", "err", err)
		os.Exit(1)
	}
	if err := sched.AddJob(cfg.PriceRefreshSchedule, scheduler.RefreshPricesJob(portfolios)); err != nil {
		slog.Error("invalid PRICE_REFRESH_SCHEDULE", "err", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"trading-engine","broker":%t,"payments":%t}`,
			brokerGW.IsAvailable(), payments.IsAvailable())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for quotes and wallet/order pushes. It
		// authenticates its own upgrade request and sits outside the
		// request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handler.Mount(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("trading-engine listening", "port", cfg.Port, "broker_mode", cfg.BrokerMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trading-engine stopped")
}

func newBroker(cfg *config.Config) broker.Gateway {
	switch cfg.BrokerMode {
	case config.BrokerKite:
		slog.Info("using Kite Connect broker", "base_url", cfg.KiteBaseURL)
		return broker.NewKiteClient(cfg.KiteBaseURL, cfg.KiteAPIKey, cfg.KiteAccessToken)
	case config.BrokerPaper:
		slog.Info("using paper broker", "fill_delay", cfg.PaperFillDelay.String())
		return broker.NewPaper(cfg.PaperFillDelay, uint64(time.Now().UnixNano()))
	}
	slog.Warn("broker disabled, quotes and orders are unavailable")
	return broker.Disabled{}
}
