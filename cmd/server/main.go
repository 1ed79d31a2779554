package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"github.com/teresa-solution/integration-isolation-service/internal/config"
	"github.com/teresa-solution/integration-isolation-service/internal/credfile"
	"github.com/teresa-solution/integration-isolation-service/internal/credpath"
	"github.com/teresa-solution/integration-isolation-service/internal/crypto"
	"github.com/teresa-solution/integration-isolation-service/internal/mcp"
	"github.com/teresa-solution/integration-isolation-service/internal/monitoring"
	"github.com/teresa-solution/integration-isolation-service/internal/provider"
	"github.com/teresa-solution/integration-isolation-service/internal/refresh"
	"github.com/teresa-solution/integration-isolation-service/internal/sandbox"
	"github.com/teresa-solution/integration-isolation-service/internal/service"
	"github.com/teresa-solution/integration-isolation-service/internal/store"
	"github.com/teresa-solution/integration-isolation-service/internal/supervisor"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const version = "0.1.0"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal().Err(err).Msg("Failed to load .env")
	}
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vault, err := crypto.Load(cfg.EncryptionKey, cfg.Production())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential vault")
	}

	base, err := credpath.ResolveBasePath(os.LookupEnv, cfg.WebRoots)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve credentials path")
	}
	resolver, err := credpath.NewResolver(base)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare credentials directory")
	}
	log.Info().Str("path", base).Msg("Credentials base directory ready")

	providers := provider.Default()
	if cfg.ProvidersFile != "" {
		if err := providers.LoadOverrides(cfg.ProvidersFile); err != nil {
			log.Fatal().Err(err).Str("file", cfg.ProvidersFile).Msg("Failed to load provider overrides")
		}
	}

	var (
		integrations store.IntegrationStore
		ping         func(context.Context) error
	)
	if cfg.DatabaseURL != "" {
		repo, err := store.NewIntegrationRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer repo.Close()
		integrations, ping = repo, repo.Ping
	} else {
		log.Warn().Msg("DATABASE_URL not set, integrations are kept in memory")
		integrations = store.NewMemoryStore()
	}

	var (
		leases supervisor.Lease
		stops  *store.StopBroadcaster
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		leases = store.NewLeaseRegistry(rdb, "")
		stops = store.NewStopBroadcaster(rdb)
	} else {
		log.Warn().Msg("REDIS_ADDR not set, worker leases are local to this instance")
	}

	monitoring.InitMetrics()

	files := credfile.NewMaterializer(resolver, providers)
	sup := supervisor.New(supervisor.Config{
		StartupGrace: cfg.StartupGrace,
		StopGrace:    cfg.StopGrace,
		RestartPause: cfg.RestartPause,
		LeaseTTL:     cfg.LeaseTTL,
		ClientInfo:   mcp.ClientInfo{Name: "integration-isolation-service", Version: version},
		Leases:       leases,
		PIDs:         integrations,
	}, providers, vault, files, sandbox.New(""))
	refresher := refresh.NewCoordinator(vault, providers, integrations, refresh.Config{
		Buffer:  cfg.RefreshBuffer,
		Timeout: cfg.RefreshTimeout,
	})

	var notifier service.StopNotifier
	if stops != nil {
		notifier = stops
	}
	bridge := service.NewToolBridge(integrations, providers, refresher, sup, files, notifier, cfg.CallTimeout)
	lifecycle := service.NewIntegrationService(integrations, vault, providers, sup, files, notifier)
	cleanup := service.NewCleanupService(integrations, sup, files)

	if stops != nil {
		if err := stops.Subscribe(ctx, cleanup.QueueStop); err != nil {
			log.Fatal().Err(err).Msg("Failed to subscribe to worker stop broadcasts")
		}
	}
	go cleanup.Run(ctx, cfg.SweepInterval)

	log.Info().Msgf("Starting Integration Isolation Service on port %d", cfg.GRPCPort)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to listen")
	}

	server := grpc.NewServer()
	service.RegisterToolBridgeServer(server, service.NewGRPCServer(bridge, lifecycle))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(service.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(server)

	go func() {
		log.Info().Msgf("gRPC server listening at %v", lis.Addr())
		if err := server.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("Failed to start gRPC server")
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			pctx, pcancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer pcancel()
			if err := ping(pctx); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Msgf("HTTP server for health checks and metrics started on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	healthServer.Shutdown()
	server.GracefulStop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	sup.ShutdownAll()
	cleanup.Close()
	log.Info().Msg("Server exiting")
}
