package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/finportal/arledger/internal/httpapi"
	"github.com/finportal/arledger/internal/ledger"
	"github.com/finportal/arledger/internal/obs"
	"github.com/finportal/arledger/internal/store/pg"
	"github.com/finportal/arledger/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Backing service: Postgres when a DSN is configured, otherwise the
	// in-memory ledger (useful for demos and local runs).
	var (
		svc        ledger.Service
		readyProbe httpapi.ReadyProbe
		closeStore func() error
	)
	if dsn := os.Getenv("ARLEDGER_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		svc = store
		readyProbe = httpapi.ReadyProbe{DB: store.DB()}
		closeStore = store.Close
	} else {
		log.Println("ARLEDGER_PG_DSN not set, using in-memory ledger")
		svc = ledger.NewInMemory()
	}

	events := stream.New()
	api := httpapi.New(readyProbe, version, svc, events)

	addr := os.Getenv("ARLEDGER_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting arledger-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if closeStore != nil {
		_ = closeStore()
	}
	log.Println("Stopped")
}
