package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/markjakearzadon/pushpay-gateway/internal/handlers"
	"github.com/markjakearzadon/pushpay-gateway/internal/middleware"
	"github.com/markjakearzadon/pushpay-gateway/internal/services"
	"github.com/markjakearzadon/pushpay-gateway/internal/telemetry"
	"github.com/markjakearzadon/pushpay-gateway/internal/worker"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the payment gateway HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitProvider(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.closer.close(context.Background())

	var pool *worker.Pool
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweepDone := make(chan struct{})
	if cfg.SweepInterval > 0 {
		pool = worker.NewPool(cfg.SweepQueue, services.PollHandler(a.payments))
		pool.Start(ctx, cfg.SweepWorkers)
		sweeper := services.NewSweeper(a.store, pool, cfg.PendingTimeout)
		go func() {
			defer close(sweepDone)
			sweeper.Run(log.Logger.WithContext(sweepCtx), cfg.SweepInterval)
		}()
		log.Info().Dur("interval", cfg.SweepInterval).Dur("pending_timeout", cfg.PendingTimeout).Msg("pending sweeper started")
	}

	paymentHandler := handlers.NewPaymentHandler(a.payments)

	router := mux.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.AccessLog)
	router.Use(chimiddleware.Recoverer)
	router.Use(chimiddleware.Timeout(30 * time.Second))

	router.Handle("/health", handlers.NewHealthHandler(a.payments, cfg.Environment)).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/payments", middleware.Idempotency(a.idempotency)(http.HandlerFunc(paymentHandler.CreatePayment))).Methods(http.MethodPost)
	router.Handle("/payments/callback", middleware.CallbackToken(cfg.CallbackToken)(http.HandlerFunc(paymentHandler.Callback))).Methods(http.MethodPost)
	router.HandleFunc("/payments/{id}/status", paymentHandler.Status).Methods(http.MethodGet)
	router.Handle("/payments", middleware.AdminAuth(cfg.AdminJWTSecret, cfg.AdminOpen)(http.HandlerFunc(paymentHandler.ListPayments))).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Port,
		Handler:      otelhttp.NewHandler(router, "pushpay"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 40 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("environment", cfg.Environment).Msg("server running")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	if pool != nil {
		// the sweeper must stop submitting before the queue closes
		stopSweep()
		<-sweepDone
		pool.Shutdown()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracer shutdown")
	}
	return nil
}
