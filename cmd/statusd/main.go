package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tailorcv/backend/internal/bus"
	"github.com/tailorcv/backend/internal/config"
	"github.com/tailorcv/backend/internal/metrics"
	"github.com/tailorcv/backend/internal/store"
	"github.com/tailorcv/backend/internal/stream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if os.IsNotExist(err) {
		log.Printf("No config file at %s, using defaults", *configPath)
		cfg = config.Default()
	} else if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	b, err := newBus(cfg)
	if err != nil {
		log.Fatalf("Failed to connect bus: %v", err)
	}
	defer b.Close()

	m := metrics.New()
	hub := stream.NewHub(st, b, m,
		cfg.Stream.HeartbeatInterval,
		cfg.Stream.SendBuffer,
		cfg.Stream.MaxSubscribersPerJob,
		cfg.Stream.MaxSubscribers,
	)
	server := stream.NewServer(hub, st, b, m, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		hub.Close()
		b.Close()
		st.Close()
		cancel()
		os.Exit(0)
	}()

	if err := stream.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func newStore(ctx context.Context, cfg *config.Config) (store.StatusStore, error) {
	switch cfg.Store.Kind {
	case "postgres":
		log.Printf("Using postgres store")
		return store.NewPostgres(ctx, cfg.Store.DSN)
	default:
		log.Printf("Using in-memory store")
		return store.NewMemory(), nil
	}
}

func newBus(cfg *config.Config) (bus.Bus, error) {
	switch cfg.Bus.Kind {
	case "amqp":
		log.Printf("Using AMQP bus at %s", cfg.Bus.URL)
		return bus.NewAMQP(cfg.Bus.URL, cfg.Bus.Exchange)
	default:
		log.Printf("Using in-memory bus")
		return bus.NewMemory(), nil
	}
}
