package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hack-pad/hackpadfs"
	osfs "github.com/hack-pad/hackpadfs/os"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"active-tagger/internal/bertmodel"
	"active-tagger/internal/config"
	"active-tagger/internal/features"
	"active-tagger/internal/handler"
	"active-tagger/internal/jobs"
	"active-tagger/internal/llm"
	"active-tagger/internal/project"
	"active-tagger/internal/repository"
)

// reconcileInterval is how often finished jobs are absorbed between requests
const reconcileInterval = 5 * time.Second

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "active-tagger",
		Short:        "Active-learning text annotation server",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yml", "configuration file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(projectsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Log.Production {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// app holds everything a command needs; close releases it in reverse order
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	server *project.Server
	closes []func()
}

func (a *app) close() {
	for i := len(a.closes) - 1; i >= 0; i-- {
		a.closes[i]()
	}
	_ = a.logger.Sync()
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}

	if cfg.Database.Type == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := repository.Open(cfg.Database.Type, cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}
	a.closes = append(a.closes, func() { db.Close() })

	root, err := filepath.Abs(cfg.Data.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	fsys, err := dataFS(root)
	if err != nil {
		return nil, err
	}

	pool := jobs.NewPool(cfg.Workers, logger)
	a.closes = append(a.closes, pool.Close)

	opts := project.Options{
		Seed:              cfg.RandomSeed,
		Extractors:        extractors(ctx, cfg, logger, a),
		BertBaseModels:    cfg.Bert.BaseModels,
		BertDefaults:      cfg.Bert.DefaultParams,
		SimpleDefaultKind: cfg.SimpleModel.DefaultKind,
		ProjectionMethod:  cfg.Projection.DefaultMethod,
	}
	if cfg.Bert.Command != "" {
		opts.BertTrainer = bertmodel.NewCommandTrainer(bertmodel.CommandConfig{
			Command: cfg.Bert.Command,
			Args:    cfg.Bert.Args,
			Root:    root,
		}, logger)
	} else {
		logger.Warn("No transformer command configured, bert models are disabled")
	}

	var suggester project.Suggester
	if len(cfg.Providers) > 0 {
		client, err := llm.NewMultiProviderClient(llm.MultiProviderConfig{
			Providers:   cfg.Providers,
			MaxFailures: cfg.MaxFailuresBeforeSwitch,
		}, logger)
		if err != nil {
			logger.Warn("Failed to initialize LLM providers, suggestions are disabled", zap.Error(err))
		} else {
			suggester = client
			a.closes = append(a.closes, func() { client.Close() })
			logger.Info("Multi-provider client initialized",
				zap.Int("provider_count", len(client.Providers())))
		}
	}

	store := project.Repositories{
		ProjectRepository:    repository.NewProjectRepository(db, logger),
		AnnotationRepository: repository.NewAnnotationRepository(db, logger),
	}
	a.server = project.NewServer(fsys, pool, store, suggester, opts, logger)
	a.closes = append(a.closes, a.server.Close)
	return a, nil
}

// dataFS roots a hackpadfs filesystem at the host directory root
func dataFS(root string) (hackpadfs.FS, error) {
	host := osfs.NewFS()
	p, err := host.FromOSPath(root)
	if err != nil {
		return nil, fmt.Errorf("failed to map data directory: %w", err)
	}
	fsys, err := host.Sub(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open data directory: %w", err)
	}
	return fsys, nil
}

// extractors builds the background features users may request
func extractors(ctx context.Context, cfg *config.Config, logger *zap.Logger, a *app) map[string]features.Extractor {
	out := make(map[string]features.Extractor)
	for name, words := range cfg.Features.Keywords {
		ex, err := features.NewKeywordExtractor(words)
		if err != nil {
			logger.Warn("Skipping keyword feature", zap.String("feature", name), zap.Error(err))
			continue
		}
		out[name] = ex
	}
	for name, cc := range cfg.Features.Commands {
		out[name] = features.NewCommandExtractor(cc, logger)
	}
	if cfg.Features.Gemini.APIKey != "" {
		ex, err := features.NewGeminiExtractor(ctx, cfg.Features.Gemini, logger)
		if err != nil {
			logger.Warn("Failed to initialize Gemini embeddings", zap.Error(err))
		} else {
			out["gemini"] = ex
			a.closes = append(a.closes, func() { ex.Close() })
		}
	}
	return out
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			logger := a.logger
			logger.Info("Starting active-tagger...")

			gin.SetMode(gin.ReleaseMode)
			router := gin.Default()

			// Add CORS middleware
			router.Use(func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+handler.UserHeader)

				if c.Request.Method == "OPTIONS" {
					c.AbortWithStatus(204)
					return
				}

				c.Next()
			})

			handler.NewHandler(a.server, logger).RegisterRoutes(router)

			serverAddr := fmt.Sprintf(":%s", a.cfg.Server.Port)
			srv := &http.Server{
				Addr:    serverAddr,
				Handler: router,
			}

			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("Failed to start server", zap.Error(err))
				}
			}()
			go reconcileLoop(ctx, a.server, logger)

			logger.Info("Server is running", zap.String("address", serverAddr))

			<-ctx.Done()
			logger.Info("Shutting down server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server forced to shutdown", zap.Error(err))
				return err
			}

			logger.Info("Server exited")
			return nil
		},
	}
}

// reconcileLoop absorbs finished jobs of idle projects so their artifacts
// are persisted even when no request arrives
func reconcileLoop(ctx context.Context, server *project.Server, logger *zap.Logger) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := server.ReconcileAll(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Background reconciliation failed", zap.Error(err))
			}
		}
	}
}

func createCmd() *cobra.Command {
	var (
		params project.CreateParams
		file   string
	)
	cmd := &cobra.Command{
		Use:   "create [name] [csv file]",
		Short: "Create a project from a CSV file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params.Name, file = args[0], args[1]

			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", file, err)
			}
			defer f.Close()

			p, err := a.server.CreateProject(params, f)
			if err != nil {
				return err
			}
			p.Lock()
			st := p.State(params.User)
			p.Unlock()
			fmt.Printf("Created project %s: %d elements (%d train, %d test)\n", st.Name, st.Elements, st.Train, st.Test)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&params.User, "user", "admin", "user recorded as creator and annotator of imported labels")
	flags.StringVar(&params.IDColumn, "col-id", "id", "id column")
	flags.StringVar(&params.TextColumn, "col-text", "text", "text column")
	flags.StringSliceVar(&params.ContextColumns, "cols-context", nil, "context columns")
	flags.StringVar(&params.LabelColumn, "col-label", "", "column of pre-existing labels")
	flags.IntVar(&params.NTrain, "n-train", 0, "train rows, 0 keeps every row not sampled for test")
	flags.IntVar(&params.NTest, "n-test", 0, "test rows")
	return cmd
}

func projectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			projects, err := a.server.Projects()
			if err != nil {
				return err
			}
			for _, p := range projects {
				fmt.Printf("%-24s %-12s %s\n", p.Name, p.CreatedBy, p.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
