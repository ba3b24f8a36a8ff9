package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"embedd/internal/backend"
	"embedd/internal/bootstrap"
	"embedd/internal/common/fsutil"
	"embedd/internal/config"
	"embedd/internal/httpapi"
	"embedd/internal/hub"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "embedd",
		Short:         "Text embedding and sequence classification inference server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to a config file (.toml, .yaml or .json)")
	root.PersistentFlags().String("model-id", envStr("EMBEDD_MODEL_ID", ""), "Model id on the hub, or a local artifact directory")
	root.PersistentFlags().String("revision", envStr("EMBEDD_REVISION", "main"), "Model revision to resolve")
	root.PersistentFlags().String("hub-url", envStr("EMBEDD_HUB_URL", hub.DefaultBaseURL), "Artifact hub endpoint")
	root.PersistentFlags().String("cache-dir", envStr("EMBEDD_CACHE_DIR", ""), "Artifact cache directory (default ~/.cache/embedd)")
	root.PersistentFlags().String("log-level", envStr("EMBEDD_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Assemble the inference pipeline and serve HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, cfgPath)
			if err != nil {
				return err
			}
			if n, err := cmd.Flags().GetInt64("max-body-bytes"); err == nil {
				httpapi.SetMaxBodyBytes(n)
			}
			if origins, err := cmd.Flags().GetStringSlice("cors-allow-origins"); err == nil && len(origins) > 0 {
				httpapi.SetCORSOptions(true, origins,
					[]string{"GET", "POST", "OPTIONS"},
					[]string{"Accept", "Authorization", "Content-Type"})
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	serve.Flags().String("addr", envStr("EMBEDD_ADDR", ":8080"), "HTTP listen address")
	serve.Flags().String("dtype", envStr("EMBEDD_DTYPE", "float32"), "Numeric precision: float32|float16")
	serve.Flags().String("pooling", envStr("EMBEDD_POOLING", "mean"), "Pooling for embedding models: mean|cls")
	serve.Flags().String("backend-url", envStr("EMBEDD_BACKEND_URL", ""), "Compute server URL")
	serve.Flags().String("scratch-dir", envStr("EMBEDD_SCRATCH_DIR", filepath.Join(os.TempDir(), "embedd")), "Backend scratch directory")
	serve.Flags().Int("max-concurrent-requests", 512, "Maximum in-flight inference requests")
	serve.Flags().Int("max-batch-tokens", 16384, "Token budget per backend batch")
	serve.Flags().Int("max-client-batch-size", 32, "Maximum sequences per client request")
	serve.Flags().Int("tokenization-workers", 0, "Tokenization worker count (0 = number of CPUs)")
	serve.Flags().Int64("max-body-bytes", 1<<20, "Maximum JSON request body size in bytes")
	serve.Flags().StringSlice("cors-allow-origins", nil, "Enable CORS for the given origins")

	download := &cobra.Command{
		Use:   "download",
		Short: "Resolve model artifacts into the local cache and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, cfgPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)
			client := hub.New(cfg.CacheDir, hub.WithBaseURL(cfg.HubURL), hub.WithLogger(logger))
			dir, err := client.Download(cmd.Context(), cfg.ModelID, cfg.Revision)
			if err != nil {
				return err
			}
			fmt.Println(dir)
			return nil
		},
	}

	root.AddCommand(serve, download)
	return root
}

// resolveConfig merges, in increasing precedence: config file values, then
// any flag set on the command line. Flag defaults already carry env values.
func resolveConfig(cmd *cobra.Command, cfgPath string) (config.Config, error) {
	var fileCfg config.Config
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
		fileCfg = loaded
	}
	cfg := fileCfg
	str := func(name string, dst *string) {
		if f := lookupFlag(cmd, name); f != nil && (f.Changed || *dst == "") {
			*dst = f.Value.String()
		}
	}
	num := func(name string, dst *int) {
		if f := lookupFlag(cmd, name); f != nil && (f.Changed || *dst == 0) {
			if n, err := strconv.Atoi(f.Value.String()); err == nil {
				*dst = n
			}
		}
	}
	str("addr", &cfg.Addr)
	str("model-id", &cfg.ModelID)
	str("revision", &cfg.Revision)
	str("dtype", &cfg.Dtype)
	str("pooling", &cfg.Pooling)
	str("backend-url", &cfg.BackendURL)
	str("scratch-dir", &cfg.ScratchDir)
	str("cache-dir", &cfg.CacheDir)
	str("hub-url", &cfg.HubURL)
	str("log-level", &cfg.LogLevel)
	num("max-concurrent-requests", &cfg.MaxConcurrentRequests)
	num("max-batch-tokens", &cfg.MaxBatchTokens)
	num("max-client-batch-size", &cfg.MaxClientBatchSize)
	num("tokenization-workers", &cfg.TokenizationWorkers)

	if cfg.ModelID == "" {
		return config.Config{}, fmt.Errorf("--model-id is required")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "~/.cache/embedd"
	}
	for _, dir := range []*string{&cfg.CacheDir, &cfg.ScratchDir} {
		expanded, err := fsutil.ExpandHome(*dir)
		if err != nil {
			return config.Config{}, fmt.Errorf("expand %s: %w", *dir, err)
		}
		*dir = expanded
	}
	return cfg, nil
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f
	}
	return cmd.InheritedFlags().Lookup(name)
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg.LogLevel)
	httpapi.SetLogger(logger)

	baseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	httpapi.SetBaseContext(baseCtx)

	hubClient := hub.New(cfg.CacheDir, hub.WithBaseURL(cfg.HubURL), hub.WithLogger(logger))
	asm := bootstrap.NewAssembler(logger)
	engine, err := asm.Assemble(ctx, bootstrap.Options{
		ModelID:               cfg.ModelID,
		Revision:              cfg.Revision,
		Hub:                   hubClient,
		Dtype:                 backend.DType(cfg.Dtype),
		Pooling:               backend.Pool(cfg.Pooling),
		BackendURL:            cfg.BackendURL,
		ScratchDir:            cfg.ScratchDir,
		MaxBatchTokens:        cfg.MaxBatchTokens,
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		MaxClientBatchSize:    cfg.MaxClientBatchSize,
		TokenizationWorkers:   cfg.TokenizationWorkers,
		Version:               version,
	})
	if err != nil {
		// Startup failures are fatal: never serve traffic in a failed state.
		return err
	}
	defer engine.Infer.Close()

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewServer(engine, asm.Ready).NewMux()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("model", cfg.ModelID).Msg("embedd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-stop:
	}
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
