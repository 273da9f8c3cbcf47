package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"github.com/cartridge/reverb/internal/checkpoint"
	"github.com/cartridge/reverb/internal/chunkstore"
	"github.com/cartridge/reverb/internal/config"
	"github.com/cartridge/reverb/internal/server"
	"github.com/cartridge/reverb/internal/table"
	"github.com/cartridge/reverb/internal/wire"
	"github.com/cartridge/reverb/internal/xerrors"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "reverb",
		Short:         "Reverb experience replay server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(), versionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func serveCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to config file")
	cmd.Flags().String("listen-addr", "", "gRPC listen address")
	cmd.Flags().String("debug-addr", "", "debug HTTP listen address")
	cmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("listen_addr", cmd.Flags().Lookup("listen-addr"))
	_ = viper.BindPFlag("debug_addr", cmd.Flags().Lookup("debug-addr"))
	_ = viper.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))
	return cmd
}

func loadConfig(configFile string) (*config.Config, error) {
	viper.SetEnvPrefix("REVERB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	cfg := config.Default()
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serve(cfg *config.Config) error {
	log := newLogger(cfg.LogLevel)
	log.Info().Str("version", version).Str("addr", cfg.ListenAddr).Msg("starting replay server")

	registry := prometheus.NewRegistry()
	store := chunkstore.NewStore()

	var checkpointer *checkpoint.Checkpointer
	if cfg.CheckpointRoot != "" {
		checkpointer = checkpoint.New(cfg.CheckpointRoot, cfg.FallbackCheckpointPath, log)
	}

	tables, err := buildOrRestoreTables(cfg, checkpointer, store, log, registry)
	if err != nil {
		return err
	}

	svc, err := server.New(server.Options{
		Tables:       tables,
		Store:        store,
		Checkpointer: checkpointer,
		Registerer:   registry,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	grpcServer := grpc.NewServer(
		wire.ServerCodec(),
		grpc.UnaryInterceptor(loggingInterceptor(log)),
	)
	wire.RegisterReplayServer(grpcServer, svc)

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		log.Info().Stringer("addr", lis.Addr()).Msg("replay service listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("grpc serve failed")
		}
	}()

	var debugServer *http.Server
	if cfg.DebugAddr != "" {
		debugServer = startDebugServer(cfg.DebugAddr, registry, log)
	}

	stopCheckpoints := startCheckpointLoop(cfg, checkpointer, svc, log)

	// Wait for interrupt signal
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Info().Msg("shutting down gracefully")
	stopCheckpoints()
	if checkpointer != nil {
		if _, err := checkpointer.Save(svc.Tables()); err != nil {
			log.Error().Err(err).Msg("final checkpoint failed")
		}
	}
	svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-ctx.Done():
		log.Warn().Msg("shutdown timeout exceeded, forcing stop")
		grpcServer.Stop()
	case <-stopped:
		log.Info().Msg("server stopped gracefully")
	}
	if debugServer != nil {
		_ = debugServer.Close()
	}
	return nil
}

func buildOrRestoreTables(cfg *config.Config, checkpointer *checkpoint.Checkpointer,
	store *chunkstore.Store, log zerolog.Logger, registry prometheus.Registerer) ([]*table.Table, error) {
	if cfg.LoadCheckpoint && checkpointer != nil {
		tables, err := checkpointer.LoadLatest(store)
		if err == nil {
			return tables, nil
		}
		if xerrors.KindOf(err) != xerrors.NotFound {
			return nil, err
		}
		log.Info().Msg("no checkpoint found, starting fresh")
	}
	return cfg.BuildTables(log, registry)
}

func startDebugServer(addr string, registry *prometheus.Registry, log zerolog.Logger) *http.Server {
	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info().Str("addr", addr).Msg("debug server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("debug server failed")
		}
	}()
	return srv
}

func startCheckpointLoop(cfg *config.Config, checkpointer *checkpoint.Checkpointer,
	svc *server.Server, log zerolog.Logger) func() {
	if checkpointer == nil || cfg.CheckpointInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	ticker := time.NewTicker(cfg.CheckpointInterval)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := checkpointer.Save(svc.Tables()); err != nil {
					log.Error().Err(err).Msg("periodic checkpoint failed")
				}
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

// loggingInterceptor logs unary RPCs with their status and latency.
func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		evt := log.Debug()
		if err != nil {
			evt = log.Warn().Err(err)
		}
		evt.Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("rpc")
		return resp, err
	}
}
