package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/farlabs/agentmesh/internal/agent"
	"github.com/farlabs/agentmesh/internal/api"
	"github.com/farlabs/agentmesh/internal/config"
	"github.com/farlabs/agentmesh/internal/orchestrator"
	pgstore "github.com/farlabs/agentmesh/internal/store"
	"github.com/farlabs/agentmesh/internal/transport"
	"github.com/farlabs/agentmesh/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting orchestrator...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/orchestrator.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Optional workflow persistence.
	var store workflow.Store
	var pg *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pg = ps
			store = ps
		}
	}

	tr, err := transport.NewMatrixTransport(transport.MatrixConfig{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
	}, logger)
	if err != nil {
		logger.Fatal("matrix client setup failed", zap.Error(err))
	}

	rt := agent.New(agent.Config{
		ID:               cfg.Agent.ID,
		DisplayName:      cfg.Agent.DisplayName,
		Capabilities:     orchestrator.Capabilities,
		CoordinationRoom: cfg.Matrix.CoordinationRoom,
	}, tr, logger)

	orch := orchestrator.New(rt, orchestrator.Options{
		StepTimeout: cfg.Workflow.StepTimeout(),
		Store:       store,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("orchestrator start failed", zap.Error(err))
	}

	var apiSrv *http.Server
	if cfg.API.Enabled {
		h := api.NewHandler(orch.Registry(), orch.Engine(), 0, logger)
		apiSrv = h.Serve(fmt.Sprintf(":%d", cfg.API.Port))
	}

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if apiSrv != nil {
		apiSrv.Shutdown(shutdownCtx)
	}
	orch.Stop(shutdownCtx)
	if pg != nil {
		pg.Close()
	}
}
