package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/farlabs/agentmesh/internal/agent"
	"github.com/farlabs/agentmesh/internal/cache"
	"github.com/farlabs/agentmesh/internal/config"
	"github.com/farlabs/agentmesh/internal/embedding"
	"github.com/farlabs/agentmesh/internal/knowledge"
	"github.com/farlabs/agentmesh/internal/llmagent"
	"github.com/farlabs/agentmesh/internal/provider"
	"github.com/farlabs/agentmesh/internal/transport"
	"github.com/farlabs/agentmesh/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting LLM agent...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/llm-agent.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	llm := provider.NewOllama(provider.OllamaConfig{
		Endpoint:    cfg.LLM.Endpoint,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	}, logger)

	// Conversation history: Redis when available, in-process otherwise.
	var history llmagent.History = llmagent.NewMemoryHistory()
	if cfg.Database.Redis.URL != "" {
		c, cacheErr := cache.New(cfg.Database.Redis.URL, logger)
		if cacheErr != nil {
			logger.Warn("Redis unavailable, using in-memory history", zap.Error(cacheErr))
		} else {
			history = llmagent.NewCacheHistory(c)
			defer c.Close()
		}
	}

	// Knowledge base: needs both Qdrant and an embedding endpoint.
	var kb *knowledge.Base
	if cfg.Database.Qdrant.Host != "" && cfg.Embedding.Endpoint != "" {
		qc, qErr := vectorstore.NewClient(vectorstore.QdrantConfig{
			Host: cfg.Database.Qdrant.Host,
			Port: cfg.Database.Qdrant.Port,
		})
		if qErr != nil {
			logger.Warn("Qdrant unavailable, knowledge base disabled", zap.Error(qErr))
		} else {
			defer qc.Close()
			embedder := embedding.NewAPIProvider(embedding.Config{
				Endpoint:  cfg.Embedding.Endpoint,
				Model:     cfg.Embedding.Model,
				APIKey:    cfg.Embedding.APIKey,
				Dimension: cfg.Embedding.Dimension,
			})
			kb = knowledge.New(embedder, qc, logger)
			initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if initErr := kb.Init(initCtx); initErr != nil {
				logger.Warn("knowledge base init failed, disabled", zap.Error(initErr))
				kb = nil
			}
			cancel()
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

	caps := cfg.Agent.Capabilities
	if len(caps) == 0 {
		caps = llmagent.Capabilities
	}
	rt := agent.New(agent.Config{
		ID:               cfg.Agent.ID,
		DisplayName:      cfg.Agent.DisplayName,
		Capabilities:     caps,
		CoordinationRoom: cfg.Matrix.CoordinationRoom,
	}, tr, logger)

	a := llmagent.New(rt, llm, history, kb, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		logger.Fatal("agent start failed", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Stop(shutdownCtx)
}
