// Command e2erelay runs the dumb frame-forwarding WebSocket relay that
// exercises internal/transport end-to-end. It never decrypts, inspects,
// or persists the frames it forwards.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/jaydenbeard/e2e-messaging-core/internal/config"
	"github.com/jaydenbeard/e2e-messaging-core/internal/metrics"
	"github.com/jaydenbeard/e2e-messaging-core/internal/presence"
	"github.com/jaydenbeard/e2e-messaging-core/internal/transport"
)

func main() {
	cfg := config.LoadRelayConfig()
	logger := log.New(os.Stdout, "[RELAY] ", log.Ldate|log.Ltime|log.LUTC)

	presenceClient, err := presence.NewClient(cfg.RedisURL)
	if err != nil {
		logger.Fatalf("failed to connect to redis: %v", err)
	}
	defer func() {
		if err := presenceClient.Close(); err != nil {
			logger.Printf("warning: failed to close redis connection: %v", err)
		}
	}()

	hub := transport.NewHub()
	hub.AttachPresence(presenceClient, cfg.InstanceID)
	go hub.Run()

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	router.HandleFunc("/ws", hub.ServeWS).Methods("GET")

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", metrics.Handler())
	go func() {
		logger.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, metricsRouter); err != nil {
			logger.Printf("metrics server error: %v", err)
		}
	}()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           corsHandler.Handler(metrics.Middleware(router)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("relay listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("relay server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Printf("received signal %v, starting graceful shutdown", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Printf("warning: http server shutdown error: %v", err)
	}

	hub.Shutdown()
	logger.Println("relay stopped gracefully")
}
