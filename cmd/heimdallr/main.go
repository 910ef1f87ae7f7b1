// Heimdallr watches AWS Amplify apps and EC2 instances, triages errors with
// an LLM, and executes safety-gated remediation. This binary wires the agent
// together from the config file and serves the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lelandg/Heimdallr/internal/agent"
	"github.com/lelandg/Heimdallr/internal/analysis"
	"github.com/lelandg/Heimdallr/internal/api"
	"github.com/lelandg/Heimdallr/internal/approval"
	"github.com/lelandg/Heimdallr/internal/cloud"
	"github.com/lelandg/Heimdallr/internal/config"
	"github.com/lelandg/Heimdallr/pkg/audit"
	"github.com/lelandg/Heimdallr/pkg/logging"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "heimdallr: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "config.yaml", "path to the YAML config file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("heimdallr", Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		ServiceName: "heimdallr",
		Version:     Version,
	})
	logger.Info("Starting Heimdallr", "version", Version, "region", cfg.AWS.Region)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsClient, err := cloud.NewClient(ctx, cloud.Config{
		Region:            cfg.AWS.Region,
		RequestsPerSecond: cfg.AWS.RequestsPerSecond,
		Burst:             cfg.AWS.Burst,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating AWS client: %w", err)
	}

	auditLog, closeAudit, err := buildAuditLogger(cfg, logger)
	if err != nil {
		return fmt.Errorf("setting up audit log: %w", err)
	}
	defer closeAudit()

	approvals, err := buildApprovalStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("setting up approval store: %w", err)
	}

	var llm analysis.CompletionClient
	if cfg.LLM.APIKey != "" {
		llm = analysis.NewLLMClient(analysis.LLMConfig{
			BaseURL:        cfg.LLM.BaseURL,
			APIKey:         cfg.LLM.APIKey,
			PrimaryModel:   cfg.LLM.PrimaryModel,
			AnalysisModel:  cfg.LLM.AnalysisModel,
			FallbackModels: cfg.LLM.FallbackModels,
			Timeout:        time.Duration(cfg.LLM.TimeoutS) * time.Second,
			MaxTokens:      cfg.LLM.MaxTokens,
			Temperature:    cfg.LLM.Temperature,
		}, logger)
	} else {
		logger.Warn("No LLM API key configured, error triage falls back to heuristics")
	}

	a := agent.New(cfg, agent.Deps{
		Cloud:     awsClient,
		LLM:       llm,
		Approvals: approvals,
		Audit:     auditLog,
		Logger:    logger,
	})
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}

	server := api.NewServer(cfg.API, api.Deps{
		Runner:    a,
		Monitor:   a.Monitor,
		Alerts:    a.Alerts,
		Guard:     a.Guard,
		Executor:  a.Executor,
		Approvals: a.Approvals,
		Audit:     a.Audit,
		Version:   Version,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Admin API listening", "addr", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("API server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", "error", err)
	}
	a.Stop()
	logger.Info("Heimdallr stopped")
	return nil
}

// buildAuditLogger assembles the audit logger with the configured durable
// backends. The returned closer flushes and closes every backend.
func buildAuditLogger(cfg *config.Config, logger *slog.Logger) (*audit.Logger, func(), error) {
	var backends []audit.Backend
	var closers []func() error

	if cfg.Audit.FileEnabled {
		path := filepath.Join(cfg.Audit.Dir, "heimdallr_audit.jsonl")
		fb, err := audit.NewFileBackend(path, cfg.Audit.FileMaxBytes, cfg.Audit.FileBackups)
		if err != nil {
			return nil, nil, err
		}
		backends = append(backends, fb)
		closers = append(closers, fb.Close)
	}

	if cfg.Audit.Postgres {
		pg, err := audit.NewPostgresBackend(audit.PostgresConfig{
			Host:     cfg.Audit.PostgresConn.Host,
			Port:     cfg.Audit.PostgresConn.Port,
			Username: cfg.Audit.PostgresConn.Username,
			Password: cfg.Audit.PostgresConn.Password,
			Database: cfg.Audit.PostgresConn.Database,
			SSLMode:  cfg.Audit.PostgresConn.SSLMode,
		})
		if err != nil {
			return nil, nil, err
		}
		backends = append(backends, pg)
		closers = append(closers, pg.Close)
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("Closing audit backend failed", "error", err)
			}
		}
	}
	return audit.NewLogger(logger, backends...), closeAll, nil
}

// buildApprovalStore picks the pending-approval backend from the config.
func buildApprovalStore(cfg *config.Config, logger *slog.Logger) (approval.Store, error) {
	switch cfg.Approval.Backend {
	case "redis":
		return approval.NewRedisStore(approval.RedisConfig{
			Address:  cfg.Approval.RedisAddress,
			Password: cfg.Approval.RedisPassword,
			Database: cfg.Approval.RedisDatabase,
		}, logger)
	default:
		return approval.NewMemoryStore(0, logger), nil
	}
}
