// Archivistd is the archive ingestion daemon.
//
// It accepts chat-platform exports over HTTP (and, optionally, from a watch
// folder), parses them into normalized conversations, extracts and
// deduplicates their media, and indexes every message for semantic search.
//
// Configuration is read from ~/.config/archivist/config.yaml and overridden
// by environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	archivistd
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9292 EMBEDDINGS_PROVIDER=tei archivistd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/archivist/internal/config"
	"github.com/fyrsmithlabs/archivist/internal/embeddings"
	"github.com/fyrsmithlabs/archivist/internal/events"
	api "github.com/fyrsmithlabs/archivist/internal/http"
	"github.com/fyrsmithlabs/archivist/internal/inbox"
	"github.com/fyrsmithlabs/archivist/internal/index"
	"github.com/fyrsmithlabs/archivist/internal/jobs"
	"github.com/fyrsmithlabs/archivist/internal/logging"
	"github.com/fyrsmithlabs/archivist/internal/media"
	"github.com/fyrsmithlabs/archivist/internal/parsers"
	"github.com/fyrsmithlabs/archivist/internal/store"
	"github.com/fyrsmithlabs/archivist/internal/telemetry"
	"github.com/fyrsmithlabs/archivist/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/archivist/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  archivistd           Start the archivist daemon\n")
			fmt.Fprintf(os.Stderr, "  archivistd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("archivistd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("archivistd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// sections holds every package configuration decoded from the config file.
type sections struct {
	server      config.ServerConfig
	storage     *store.Config
	media       *media.Config
	embeddings  *embeddings.Config
	vectorstore *vectorstore.Config
	jobs        *jobs.Config
	events      *events.Config
	inbox       *inbox.Config
	logging     *logging.Config
	telemetry   *telemetry.Config
}

// loadSections reads the config file and decodes each package's section
// over its defaults.
func loadSections(path string) (*sections, error) {
	cfg, err := config.LoadWithFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	s := &sections{
		server:      cfg.Server,
		storage:     store.NewDefaultConfig(),
		media:       media.NewDefaultConfig(),
		embeddings:  embeddings.NewDefaultConfig(),
		vectorstore: vectorstore.NewDefaultConfig(),
		jobs:        jobs.NewDefaultConfig(),
		events:      events.NewDefaultConfig(),
		inbox:       inbox.NewDefaultConfig(),
		logging:     logging.NewDefaultConfig(),
		telemetry:   telemetry.NewDefaultConfig(),
	}
	for name, out := range map[string]interface{}{
		"storage":     s.storage,
		"media":       s.media,
		"embeddings":  s.embeddings,
		"vectorstore": s.vectorstore,
		"jobs":        s.jobs,
		"events":      s.events,
		"inbox":       s.inbox,
		"logging":     s.logging,
		"telemetry":   s.telemetry,
	} {
		if err := cfg.Section(name, out); err != nil {
			return nil, err
		}
	}
	if s.inbox.UploadDir == "" {
		s.inbox.UploadDir = s.server.UploadDir
	}
	if s.telemetry.ServiceVersion == "" {
		s.telemetry.ServiceVersion = version
	}
	return s, nil
}

// run wires the daemon and blocks until ctx is cancelled:
//  1. Loads configuration and starts telemetry and logging
//  2. Opens the database, blob store and event bus
//  3. Creates the embedding provider and vector store (optional)
//  4. Starts the job manager, watch folder and HTTP server
//  5. Shuts everything down in reverse order on cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := loadSections(configPath)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, cfg.telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	appLogger, err := logging.NewLogger(cfg.logging, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = appLogger.Sync() // Best-effort sync on shutdown
	}()
	logger := appLogger.Underlying()

	if h := tel.Health(); h.Degraded {
		logger.Warn("telemetry degraded", zap.Strings("reasons", h.Reasons))
	}
	logger.Info("starting archivistd",
		zap.String("version", version),
		zap.String("host", cfg.server.Host),
		zap.Int("port", cfg.server.Port),
		zap.Duration("shutdown_timeout", cfg.server.ShutdownTimeout.Duration()))

	st, err := store.Open(cfg.storage, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	mediaSvc, err := media.NewService(cfg.media, st, logger.Named("media"))
	if err != nil {
		return fmt.Errorf("failed to initialize media service: %w", err)
	}

	publisher, err := events.Connect(cfg.events, logger.Named("events"))
	if err != nil {
		return fmt.Errorf("failed to initialize events: %w", err)
	}
	defer publisher.Close()

	idx, vectors, err := initIndex(ctx, cfg, st, tel.TracerProvider(), logger)
	if err != nil {
		return err
	}
	if idx != nil {
		defer idx.Close()
	}

	manager, err := jobs.NewManager(cfg.jobs, jobs.Deps{
		Store:    st,
		Detector: parsers.DefaultDetector(),
		Media:    mediaSvc,
		Index:    idx,
		Events:   publisher,
	}, logger.Named("jobs"))
	if err != nil {
		return fmt.Errorf("failed to initialize job manager: %w", err)
	}

	srv, err := api.NewServer(api.Deps{
		Jobs:    manager,
		Store:   st,
		Media:   mediaSvc,
		Index:   idx,
		Vectors: vectors,
	}, logger.Named("http"), &api.Config{
		Host:           cfg.server.Host,
		Port:           cfg.server.Port,
		UploadDir:      cfg.server.UploadDir,
		MaxUploadBytes: cfg.server.MaxUploadBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	// A failing component cancels gctx, which drains the workers and shuts
	// the server down.
	g, gctx := errgroup.WithContext(ctx)
	if err := manager.Start(gctx); err != nil {
		return fmt.Errorf("failed to start job manager: %w", err)
	}
	if cfg.inbox.Enabled {
		watcher, err := inbox.New(cfg.inbox, manager, logger.Named("inbox"))
		if err != nil {
			logger.Error("watch folder disabled", zap.String("dir", cfg.inbox.Dir), zap.Error(err))
		} else {
			g.Go(func() error {
				// The watch folder is a convenience; losing it keeps the API up.
				if err := watcher.Run(gctx); err != nil {
					logger.Error("watch folder stopped", zap.Error(err))
				}
				return nil
			})
		}
	}
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	manager.Wait()
	logger.Info("archivistd stopped")
	return err
}

// initIndex creates the embedding provider and vector store. A provider that
// cannot start leaves semantic indexing off rather than failing the daemon:
// archives still parse and text search still works.
func initIndex(ctx context.Context, cfg *sections, st *store.Store, tp trace.TracerProvider, logger *zap.Logger) (*index.Service, vectorstore.Store, error) {
	provider, err := embeddings.NewProvider(cfg.embeddings, logger.Named("embeddings"))
	if err != nil {
		logger.Warn("embedding provider unavailable, semantic indexing disabled",
			zap.String("provider", cfg.embeddings.Provider),
			zap.Error(err))
		return nil, nil, nil
	}
	if dim := provider.Dimension(); dim > 0 && dim != cfg.vectorstore.VectorSize {
		logger.Info("vector size follows embedding model",
			zap.Int("configured", cfg.vectorstore.VectorSize),
			zap.Int("model", dim))
		cfg.vectorstore.VectorSize = dim
	}

	vectors, err := vectorstore.New(ctx, cfg.vectorstore, logger.Named("vectorstore"), vectorstore.WithTracerProvider(tp))
	if err != nil {
		_ = provider.Close()
		return nil, nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}
	logger.Info("semantic indexing enabled",
		zap.String("provider", cfg.embeddings.Provider),
		zap.String("model", cfg.embeddings.Model),
		zap.String("vectorstore", vectors.Backend()),
		zap.Int("vector_size", cfg.vectorstore.VectorSize))

	return index.NewService(provider, vectors, st, index.OptionsFrom(cfg.embeddings), logger.Named("index")), vectors, nil
}
